// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package ssl builds server TLS transports for listeners and exposes the
// peer certificate attributes filters care about.
package ssl

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"

	"slipway.dev/network"
)

// ContextConfig mirrors the listener ssl_context block.
type ContextConfig struct {
	CertChainFile  string
	PrivateKeyFile string
	CACertFile     string
	ALPNProtocols  string
	CipherSuites   string
}

// NewServerConfig loads the certificate material into a tls.Config. When a
// CA bundle is given, client certificates are requested and verified
// against it.
func NewServerConfig(cfg ContextConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertChainFile, cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}

	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	if cfg.ALPNProtocols != "" {
		tc.NextProtos = strings.Split(cfg.ALPNProtocols, ",")
	}

	if cfg.CipherSuites != "" {
		ids, err := cipherSuiteIDs(strings.Split(cfg.CipherSuites, ":"))
		if err != nil {
			return nil, err
		}
		tc.CipherSuites = ids
	}

	if cfg.CACertFile != "" {
		pem, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CACertFile)
		}
		tc.ClientCAs = pool
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		// Still ask for a client certificate so that the SAN and digest
		// accessors have something to report when the peer offers one.
		tc.ClientAuth = tls.RequestClientCert
	}

	return tc, nil
}

func cipherSuiteIDs(names []string) ([]uint16, error) {
	known := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs.ID
	}
	for _, cs := range tls.InsecureCipherSuites() {
		known[cs.Name] = cs.ID
	}

	var ids []uint16
	for _, name := range names {
		id, ok := known[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// NewTransportFactory returns the listener hook that promotes accepted
// sockets to server-side TLS.
func NewTransportFactory(tc *tls.Config) network.TransportFactory {
	return func(tcp *net.TCPConn) (net.Conn, bool) {
		return tls.Server(tcp, tc), true
	}
}
