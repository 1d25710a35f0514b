// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package ssl

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"

	"slipway.dev/network"
)

// PeerCertificate returns the leaf certificate the peer presented during
// the handshake, or nil.
func PeerCertificate(conn *network.Connection) *x509.Certificate {
	tc, ok := conn.TransportConn().(*tls.Conn)
	if !ok {
		return nil
	}
	state := tc.ConnectionState()
	if !state.HandshakeComplete || len(state.PeerCertificates) == 0 {
		return nil
	}
	return state.PeerCertificates[0]
}

// SHA256PeerCertificateDigest returns the hex SHA-256 of the peer's DER
// certificate, or "" when the peer presented none.
func SHA256PeerCertificateDigest(conn *network.Connection) string {
	cert := PeerCertificate(conn)
	if cert == nil {
		return ""
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// URISANPeerCertificate returns the peer certificate's URI SAN when present,
// "" otherwise (including when there is no peer certificate at all).
func URISANPeerCertificate(conn *network.Connection) string {
	cert := PeerCertificate(conn)
	if cert == nil || len(cert.URIs) == 0 {
		return ""
	}
	return cert.URIs[0].String()
}
