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
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/halibiram/SimpleXray-sub004/common"
	"github.com/halibiram/SimpleXray-sub004/common/errors"
	"github.com/quic-go/quic-go"
)

const (
	defaultQuicHandshakeTimeout = 10 * time.Second
	defaultQuicIdleTimeout      = 60 * time.Second
	quicKeepAlivePeriod         = 15 * time.Second
)

// quicTransport is the chain's QUIC transport client. It maintains one
// QUIC connection to the configured server; liveness of that connection
// is the layer's health.
type quicTransport struct {
	config *QuicTransportConfig
	logger common.Logger

	mutex sync.Mutex
	conn  quic.Connection
}

func newQuicTransport(
	config *QuicTransportConfig, logger common.Logger) *quicTransport {
	return &quicTransport{
		config: config,
		logger: logger,
	}
}

func (transport *quicTransport) Name() string {
	return LayerNameQuicTransport
}

func (transport *quicTransport) Start(ctx context.Context) error {

	transport.mutex.Lock()
	defer transport.mutex.Unlock()

	if transport.conn != nil {
		return errors.TraceNew("already started")
	}

	alpn := transport.config.ALPN
	if len(alpn) == 0 {
		alpn = []string{"h3"}
	}

	tlsConf := &tls.Config{
		ServerName:         transport.config.SNIServerName,
		InsecureSkipVerify: transport.config.InsecureSkipVerify,
		NextProtos:         alpn,
		MinVersion:         tls.VersionTLS13,
	}

	handshakeTimeout := defaultQuicHandshakeTimeout
	if transport.config.HandshakeTimeoutSeconds > 0 {
		handshakeTimeout =
			time.Duration(transport.config.HandshakeTimeoutSeconds) * time.Second
	}
	idleTimeout := defaultQuicIdleTimeout
	if transport.config.IdleTimeoutSeconds > 0 {
		idleTimeout =
			time.Duration(transport.config.IdleTimeoutSeconds) * time.Second
	}

	quicConf := &quic.Config{
		HandshakeIdleTimeout: handshakeTimeout,
		MaxIdleTimeout:       idleTimeout,
		KeepAlivePeriod:      quicKeepAlivePeriod,
	}

	conn, err := quic.DialAddr(
		ctx, transport.config.ServerAddress, tlsConf, quicConf)
	if err != nil {
		return errors.Trace(err)
	}

	transport.conn = conn

	transport.logger.WithTraceFields(common.LogFields{
		"server": transport.config.ServerAddress,
	}).Info("QUIC transport connected")

	return nil
}

func (transport *quicTransport) Stop(ctx context.Context) error {

	transport.mutex.Lock()
	conn := transport.conn
	transport.conn = nil
	transport.mutex.Unlock()

	if conn == nil {
		return errors.TraceNew("not started")
	}

	err := conn.CloseWithError(0, "chain stopped")
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (transport *quicTransport) HealthCheck(ctx context.Context) LayerHealth {

	transport.mutex.Lock()
	conn := transport.conn
	transport.mutex.Unlock()

	if conn == nil {
		return LayerHealth{Healthy: false, Message: "not connected"}
	}

	select {
	case <-conn.Context().Done():
		return LayerHealth{
			Healthy: false,
			Message: fmt.Sprintf(
				"connection closed: %s", context.Cause(conn.Context())),
		}
	default:
	}

	return LayerHealth{
		Healthy: true,
		Message: "connected to " + transport.config.ServerAddress,
	}
}
