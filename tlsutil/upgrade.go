// Package tlsutil implements the TlsUpgrade collaborator, wrapping
// crypto/tls.Server behind a standalone upgrade primitive so STARTTLS sits
// behind an injectable interface rather than being baked into the
// listener.
package tlsutil

import (
	"crypto/tls"
	"fmt"
	"net"
)

// Upgrader performs the STARTTLS handshake: given the current net.Conn, it
// returns a replacement net.Conn wrapping a tls.Conn once (and only once)
// the handshake completes, so the caller can install it atomically
// relative to the next read.
type Upgrader struct {
	config *tls.Config
}

// NewUpgrader loads certFile/keyFile and returns an Upgrader ready to
// handshake inbound STARTTLS connections.
func NewUpgrader(certFile, keyFile string) (*Upgrader, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: load keypair: %w", err)
	}
	return &Upgrader{config: &tls.Config{Certificates: []tls.Certificate{cert}}}, nil
}

// Upgrade performs the server-side TLS handshake over conn and returns the
// resulting tls.Conn. The handshake is driven to completion here (rather
// than left to the first Read/Write) so a handshake failure surfaces
// before the caller swaps the session's reader/writer.
func (u *Upgrader) Upgrade(conn net.Conn) (net.Conn, error) {
	tlsConn := tls.Server(conn, u.config)
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("tlsutil: handshake: %w", err)
	}
	return tlsConn, nil
}
