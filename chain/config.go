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
	"encoding/json"
	"time"

	"github.com/halibiram/SimpleXray-sub004/common/errors"
)

// TLSMode selects how the SOCKS front end's upstream TLS is performed.
type TLSMode string

const (
	// TLSModeAuto negotiates automatically: the utls fingerprint stack
	// when a TLS profile is configured, the standard library otherwise.
	TLSModeAuto TLSMode = "auto"

	// TLSModeStdlib always uses crypto/tls.
	TLSModeStdlib TLSMode = "stdlib"

	// TLSModeUTLS always uses utls with the configured fingerprint
	// profile.
	TLSModeUTLS TLSMode = "utls"
)

const (
	defaultLayerStartTimeout  = 15 * time.Second
	defaultLayerStopTimeout   = 15 * time.Second
	defaultHealthCheckTimeout = 5 * time.Second
	defaultHealthPollInterval = 10 * time.Second
	defaultRetryBudget        = 5
)

// SocksFrontendConfig configures the obfuscated SOCKS front end.
type SocksFrontendConfig struct {

	// ListenAddress is the local address the SOCKS listener binds to.
	ListenAddress string

	// UpstreamAddress is the next chain hop every accepted connection
	// is relayed to.
	UpstreamAddress string

	// SNIServerName is the server name presented in the upstream TLS
	// handshake.
	SNIServerName string

	// TLSProfile selects the utls ClientHello fingerprint: "chrome",
	// "firefox", "ios", or "randomized". Empty selects randomized when
	// TLSModeUTLS is forced.
	TLSProfile string

	// InsecureSkipVerify disables upstream certificate verification.
	InsecureSkipVerify bool
}

// QuicTransportConfig configures the QUIC transport client.
type QuicTransportConfig struct {
	ServerAddress           string
	SNIServerName           string
	ALPN                    []string
	InsecureSkipVerify      bool
	HandshakeTimeoutSeconds int
	IdleTimeoutSeconds      int
}

// ShaperConfig configures the traffic shaper session attached at chain
// start.
type ShaperConfig struct {

	// ReadEndpoint/WriteEndpoint are the opaque non-negative data-plane
	// endpoint identifiers the session binds to.
	ReadEndpoint  int
	WriteEndpoint int

	// Mode is "stream" or "datagram".
	Mode string

	TargetRateBps        uint64
	MaxBurstBytes        uint64
	LossAwareBackoff     bool
	EnablePacing         bool
	MinPacingIntervalNs  int64
}

// RoutingCoreConfig configures supervision of the external routing core.
type RoutingCoreConfig struct {

	// APIAddress is the routing core's local API address, used for
	// reachability checks.
	APIAddress string
}

// Config is the chain configuration. A layer with no config section is
// skipped, not failed. Config is immutable once passed to a supervisor:
// Commit must be called first, and no field may be modified after.
type Config struct {
	ChainName string

	TLSMode TLSMode

	SocksFrontend *SocksFrontendConfig
	QuicTransport *QuicTransportConfig
	Shaper        *ShaperConfig
	RoutingCore   *RoutingCoreConfig

	LayerStartTimeoutSeconds       int
	LayerStopTimeoutSeconds        int
	HealthCheckTimeoutSeconds      int
	HealthPollIntervalMilliseconds int

	// DegradedRetryBudget is the number of consecutive unhealthy polls
	// tolerated in DEGRADED before the chain is torn down.
	DegradedRetryBudget int

	committed bool
}

// LoadConfig parses a JSON encoded chain configuration.
func LoadConfig(configJSON []byte) (*Config, error) {
	var config Config
	err := json.Unmarshal(configJSON, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &config, nil
}

// IsCommitted indicates whether Commit was successfully called.
func (config *Config) IsCommitted() bool {
	return config.committed
}

// Commit validates the configuration and applies defaults. Commit must
// be called before the config is passed to NewSupervisor.
func (config *Config) Commit() error {

	if config.ChainName == "" {
		config.ChainName = "chain"
	}

	switch config.TLSMode {
	case "":
		config.TLSMode = TLSModeAuto
	case TLSModeAuto, TLSModeStdlib, TLSModeUTLS:
	default:
		return errors.Tracef("invalid TLS mode: %s", config.TLSMode)
	}

	if config.SocksFrontend == nil &&
		config.QuicTransport == nil &&
		config.Shaper == nil &&
		config.RoutingCore == nil {
		return errors.TraceNew("no layers configured")
	}

	if config.SocksFrontend != nil {
		if config.SocksFrontend.ListenAddress == "" {
			return errors.TraceNew("missing SOCKS frontend listen address")
		}
		if config.SocksFrontend.UpstreamAddress == "" {
			return errors.TraceNew("missing SOCKS frontend upstream address")
		}
	}

	if config.QuicTransport != nil {
		if config.QuicTransport.ServerAddress == "" {
			return errors.TraceNew("missing QUIC server address")
		}
	}

	if config.Shaper != nil {
		if config.Shaper.ReadEndpoint < 0 || config.Shaper.WriteEndpoint < 0 {
			return errors.TraceNew("invalid shaper endpoints")
		}
		switch config.Shaper.Mode {
		case "", "stream", "datagram":
		default:
			return errors.Tracef("invalid shaper mode: %s", config.Shaper.Mode)
		}
	}

	if config.RoutingCore != nil {
		if config.RoutingCore.APIAddress == "" {
			return errors.TraceNew("missing routing core API address")
		}
	}

	if config.LayerStartTimeoutSeconds < 0 ||
		config.LayerStopTimeoutSeconds < 0 ||
		config.HealthCheckTimeoutSeconds < 0 ||
		config.HealthPollIntervalMilliseconds < 0 ||
		config.DegradedRetryBudget < 0 {
		return errors.TraceNew("negative timeout or budget")
	}

	if config.DegradedRetryBudget == 0 {
		config.DegradedRetryBudget = defaultRetryBudget
	}

	config.committed = true
	return nil
}

func (config *Config) layerStartTimeout() time.Duration {
	if config.LayerStartTimeoutSeconds > 0 {
		return time.Duration(config.LayerStartTimeoutSeconds) * time.Second
	}
	return defaultLayerStartTimeout
}

func (config *Config) layerStopTimeout() time.Duration {
	if config.LayerStopTimeoutSeconds > 0 {
		return time.Duration(config.LayerStopTimeoutSeconds) * time.Second
	}
	return defaultLayerStopTimeout
}

func (config *Config) healthCheckTimeout() time.Duration {
	if config.HealthCheckTimeoutSeconds > 0 {
		return time.Duration(config.HealthCheckTimeoutSeconds) * time.Second
	}
	return defaultHealthCheckTimeout
}

func (config *Config) healthPollInterval() time.Duration {
	if config.HealthPollIntervalMilliseconds > 0 {
		return time.Duration(config.HealthPollIntervalMilliseconds) * time.Millisecond
	}
	return defaultHealthPollInterval
}
