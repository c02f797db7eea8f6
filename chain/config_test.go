/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package chain

import (
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {

	configJSON := []byte(`
    {
        "ChainName": "test-chain",
        "TLSMode": "utls",
        "SocksFrontend": {
            "ListenAddress": "127.0.0.1:1080",
            "UpstreamAddress": "192.0.2.1:443",
            "SNIServerName": "example.org",
            "TLSProfile": "chrome"
        },
        "QuicTransport": {
            "ServerAddress": "192.0.2.2:443",
            "SNIServerName": "example.org",
            "ALPN": ["h3"]
        },
        "Shaper": {
            "ReadEndpoint": 3,
            "WriteEndpoint": 4,
            "Mode": "datagram",
            "TargetRateBps": 8000000,
            "MaxBurstBytes": 65536,
            "EnablePacing": true,
            "LossAwareBackoff": true
        },
        "RoutingCore": {
            "APIAddress": "127.0.0.1:10085"
        },
        "DegradedRetryBudget": 3
    }`)

	config, err := LoadConfig(configJSON)
	if err != nil {
		t.Fatalf("LoadConfig failed: %s", err)
	}

	if config.IsCommitted() {
		t.Fatalf("config must not be committed before Commit")
	}

	err = config.Commit()
	if err != nil {
		t.Fatalf("Commit failed: %s", err)
	}
	if !config.IsCommitted() {
		t.Fatalf("config must be committed after Commit")
	}

	if config.ChainName != "test-chain" {
		t.Fatalf("unexpected chain name: %s", config.ChainName)
	}
	if config.TLSMode != TLSModeUTLS {
		t.Fatalf("unexpected TLS mode: %s", config.TLSMode)
	}
	if config.Shaper.TargetRateBps != 8000000 {
		t.Fatalf("unexpected target rate: %d", config.Shaper.TargetRateBps)
	}
	if config.DegradedRetryBudget != 3 {
		t.Fatalf("unexpected retry budget: %d", config.DegradedRetryBudget)
	}
}

func TestCommitDefaults(t *testing.T) {

	config := &Config{
		RoutingCore: &RoutingCoreConfig{APIAddress: "127.0.0.1:10085"},
	}

	err := config.Commit()
	if err != nil {
		t.Fatalf("Commit failed: %s", err)
	}

	if config.ChainName != "chain" {
		t.Fatalf("expected default chain name, got %s", config.ChainName)
	}
	if config.TLSMode != TLSModeAuto {
		t.Fatalf("expected default TLS mode, got %s", config.TLSMode)
	}
	if config.DegradedRetryBudget != defaultRetryBudget {
		t.Fatalf("expected default retry budget, got %d", config.DegradedRetryBudget)
	}
	if config.layerStartTimeout() != defaultLayerStartTimeout {
		t.Fatalf("expected default start timeout")
	}
	if config.healthPollInterval() != defaultHealthPollInterval {
		t.Fatalf("expected default poll interval")
	}

	config = &Config{
		RoutingCore:                    &RoutingCoreConfig{APIAddress: "127.0.0.1:10085"},
		LayerStartTimeoutSeconds:       30,
		HealthPollIntervalMilliseconds: 250,
	}
	err = config.Commit()
	if err != nil {
		t.Fatalf("Commit failed: %s", err)
	}
	if config.layerStartTimeout() != 30*time.Second {
		t.Fatalf("unexpected start timeout: %s", config.layerStartTimeout())
	}
	if config.healthPollInterval() != 250*time.Millisecond {
		t.Fatalf("unexpected poll interval: %s", config.healthPollInterval())
	}
}

func TestCommitValidation(t *testing.T) {

	testCases := []struct {
		description string
		config      *Config
	}{
		{
			"no layers",
			&Config{},
		},
		{
			"invalid TLS mode",
			&Config{
				TLSMode:     "openssl",
				RoutingCore: &RoutingCoreConfig{APIAddress: "127.0.0.1:10085"},
			},
		},
		{
			"missing SOCKS listen address",
			&Config{
				SocksFrontend: &SocksFrontendConfig{
					UpstreamAddress: "192.0.2.1:443",
				},
			},
		},
		{
			"missing SOCKS upstream address",
			&Config{
				SocksFrontend: &SocksFrontendConfig{
					ListenAddress: "127.0.0.1:1080",
				},
			},
		},
		{
			"missing QUIC server address",
			&Config{
				QuicTransport: &QuicTransportConfig{},
			},
		},
		{
			"negative shaper endpoint",
			&Config{
				Shaper: &ShaperConfig{ReadEndpoint: -1, WriteEndpoint: 4},
			},
		},
		{
			"invalid shaper mode",
			&Config{
				Shaper: &ShaperConfig{ReadEndpoint: 3, WriteEndpoint: 4, Mode: "packet"},
			},
		},
		{
			"missing routing core API address",
			&Config{
				RoutingCore: &RoutingCoreConfig{},
			},
		},
		{
			"negative retry budget",
			&Config{
				RoutingCore:         &RoutingCoreConfig{APIAddress: "127.0.0.1:10085"},
				DegradedRetryBudget: -1,
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {
			err := testCase.config.Commit()
			if err == nil {
				t.Fatalf("expected Commit to fail")
			}
			if testCase.config.IsCommitted() {
				t.Fatalf("failed Commit must not mark config committed")
			}
		})
	}
}

func TestSupervisorRequiresCommit(t *testing.T) {

	config := &Config{
		RoutingCore: &RoutingCoreConfig{APIAddress: "127.0.0.1:10085"},
	}

	_, err := NewSupervisor(config, newTestLogger())
	if err == nil {
		t.Fatalf("expected NewSupervisor to reject uncommitted config")
	}

	err = config.Commit()
	if err != nil {
		t.Fatalf("Commit failed: %s", err)
	}

	supervisor, err := NewSupervisor(config, newTestLogger())
	if err != nil {
		t.Fatalf("NewSupervisor failed: %s", err)
	}
	if supervisor.State() != ChainStateStopped {
		t.Fatalf("new supervisor must start STOPPED")
	}
}
