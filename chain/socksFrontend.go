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
	"io"
	"net"
	"sync"
	"time"

	socks "github.com/Psiphon-Labs/goptlib"
	"github.com/halibiram/SimpleXray-sub004/common"
	"github.com/halibiram/SimpleXray-sub004/common/errors"
	utls "github.com/refraction-networking/utls"
)

// socksFrontend is the chain's obfuscated SOCKS front end: a local SOCKS
// listener that relays every accepted connection to the next chain hop
// over TLS, with the handshake fingerprint selected by the configured
// TLS mode.
type socksFrontend struct {
	config  *SocksFrontendConfig
	tlsMode TLSMode
	logger  common.Logger

	mutex     sync.Mutex
	listener  *socks.SocksListener
	conns     map[net.Conn]bool
	waitGroup *sync.WaitGroup
}

func newSocksFrontend(config *Config, logger common.Logger) *socksFrontend {
	return &socksFrontend{
		config:  config.SocksFrontend,
		tlsMode: config.TLSMode,
		logger:  logger,
	}
}

func (frontend *socksFrontend) Name() string {
	return LayerNameSocksFrontend
}

func (frontend *socksFrontend) Start(ctx context.Context) error {

	frontend.mutex.Lock()
	defer frontend.mutex.Unlock()

	if frontend.listener != nil {
		return errors.TraceNew("already started")
	}

	listener, err := socks.ListenSocks("tcp", frontend.config.ListenAddress)
	if err != nil {
		return errors.Trace(err)
	}

	frontend.listener = listener
	frontend.conns = make(map[net.Conn]bool)
	frontend.waitGroup = new(sync.WaitGroup)
	frontend.waitGroup.Add(1)
	go frontend.acceptSocksConnections()

	frontend.logger.WithTraceFields(common.LogFields{
		"address": listener.Addr().String(),
	}).Info("SOCKS frontend listening")

	return nil
}

func (frontend *socksFrontend) Stop(ctx context.Context) error {

	frontend.mutex.Lock()
	listener := frontend.listener
	frontend.listener = nil
	waitGroup := frontend.waitGroup
	for conn := range frontend.conns {
		conn.Close()
	}
	frontend.conns = nil
	frontend.mutex.Unlock()

	if listener == nil {
		return errors.TraceNew("not started")
	}
	listener.Close()

	done := make(chan struct{})
	go func() {
		waitGroup.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

func (frontend *socksFrontend) HealthCheck(ctx context.Context) LayerHealth {

	frontend.mutex.Lock()
	listener := frontend.listener
	frontend.mutex.Unlock()

	if listener == nil {
		return LayerHealth{Healthy: false, Message: "not listening"}
	}

	// Probe our own listener; the accept loop tolerates the probe
	// closing without a SOCKS handshake.
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", listener.Addr().String())
	if err != nil {
		return LayerHealth{
			Healthy: false,
			Message: fmt.Sprintf("listener probe failed: %s", err),
		}
	}
	conn.Close()

	return LayerHealth{
		Healthy: true,
		Message: "accepting connections at " + listener.Addr().String(),
	}
}

func (frontend *socksFrontend) acceptSocksConnections() {
	defer frontend.waitGroup.Done()

	for {
		frontend.mutex.Lock()
		listener := frontend.listener
		frontend.mutex.Unlock()
		if listener == nil {
			break
		}

		socksConnection, err := listener.AcceptSocks()
		if err != nil {
			if e, ok := err.(net.Error); ok && !e.Temporary() {
				// Fatal error, stop the accept loop. Stop closes the
				// listener, which lands here.
				break
			}
			// Temporary error or failed handshake, keep running.
			continue
		}

		frontend.waitGroup.Add(1)
		go func() {
			defer frontend.waitGroup.Done()
			err := frontend.handleConnection(socksConnection)
			if err != nil {
				frontend.logger.WithTrace().Warning(err)
			}
		}()
	}

	frontend.logger.WithTrace().Info("SOCKS frontend stopped")
}

func (frontend *socksFrontend) handleConnection(
	socksConnection *socks.SocksConn) error {

	defer socksConnection.Close()

	upstream, err := frontend.dialUpstream(context.Background())
	if err != nil {
		return errors.Trace(err)
	}
	defer upstream.Close()

	err = socksConnection.Grant(
		&net.TCPAddr{IP: net.ParseIP("0.0.0.0"), Port: 0})
	if err != nil {
		return errors.Trace(err)
	}

	frontend.trackConn(socksConnection, true)
	frontend.trackConn(upstream, true)
	defer frontend.trackConn(socksConnection, false)
	defer frontend.trackConn(upstream, false)

	relay(socksConnection, upstream)
	return nil
}

func (frontend *socksFrontend) trackConn(conn net.Conn, add bool) {
	frontend.mutex.Lock()
	defer frontend.mutex.Unlock()
	if frontend.conns == nil {
		return
	}
	if add {
		frontend.conns[conn] = true
	} else {
		delete(frontend.conns, conn)
	}
}

// dialUpstream connects to the next chain hop and performs the TLS
// handshake selected by the TLS mode: utls with the configured
// fingerprint profile, the standard library, or automatic selection
// based on whether a profile is configured.
func (frontend *socksFrontend) dialUpstream(ctx context.Context) (net.Conn, error) {

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(
		ctx, "tcp", frontend.config.UpstreamAddress)
	if err != nil {
		return nil, errors.Trace(err)
	}

	useUTLS := false
	switch frontend.tlsMode {
	case TLSModeUTLS:
		useUTLS = true
	case TLSModeStdlib:
		useUTLS = false
	case TLSModeAuto:
		useUTLS = frontend.config.TLSProfile != ""
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	var tlsConn net.Conn
	if useUTLS {
		helloID, err := getUTLSClientHelloID(frontend.config.TLSProfile)
		if err != nil {
			conn.Close()
			return nil, errors.Trace(err)
		}
		utlsConn := utls.UClient(
			conn,
			&utls.Config{
				ServerName:         frontend.config.SNIServerName,
				InsecureSkipVerify: frontend.config.InsecureSkipVerify,
			},
			helloID)
		err = utlsConn.Handshake()
		if err != nil {
			conn.Close()
			return nil, errors.Trace(err)
		}
		tlsConn = utlsConn
	} else {
		stdConn := tls.Client(
			conn,
			&tls.Config{
				ServerName:         frontend.config.SNIServerName,
				InsecureSkipVerify: frontend.config.InsecureSkipVerify,
			})
		err = stdConn.Handshake()
		if err != nil {
			conn.Close()
			return nil, errors.Trace(err)
		}
		tlsConn = stdConn
	}

	conn.SetDeadline(time.Time{})

	return tlsConn, nil
}

func getUTLSClientHelloID(tlsProfile string) (utls.ClientHelloID, error) {
	switch tlsProfile {
	case "chrome":
		return utls.HelloChrome_Auto, nil
	case "firefox":
		return utls.HelloFirefox_Auto, nil
	case "ios":
		return utls.HelloIOS_Auto, nil
	case "", "randomized":
		return utls.HelloRandomized, nil
	}
	return utls.ClientHelloID{}, errors.Tracef(
		"unsupported TLS profile: %s", tlsProfile)
}

// relay copies bytes in both directions until either side closes.
func relay(local, remote net.Conn) {
	waitGroup := new(sync.WaitGroup)
	waitGroup.Add(1)
	go func() {
		defer waitGroup.Done()
		io.Copy(local, remote)
		local.Close()
	}()
	io.Copy(remote, local)
	remote.Close()
	waitGroup.Wait()
}
