package imapd

import (
	"bufio"
	"net"

	"go.uber.org/zap"
)

// Session is the per-connection context: protocol state, the
// authenticated user's MailboxStore (once logged in), and the reader/writer
// pair STARTTLS swaps atomically once the TLS handshake completes.
type Session struct {
	ID int64

	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	wire *WireReader
	resp *ResponseWriter

	State      state
	Idle       idleMode
	Encryption encryptionLevel

	User  string
	Store MailboxStore

	// LastCommand records the most recently dispatched command, used to
	// enforce IDLE/DONE pairing and to recover IDLE's tag when DONE
	// arrives.
	LastCommand *Command

	Registry *ConnectionRegistry

	log *zap.Logger
}

// createSession builds a new Session bound to conn.
func createSession(conn net.Conn, registry *ConnectionRegistry, logger *zap.Logger) *Session {
	id := nextConnID()
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	rw := newResponseWriter(bw)

	return &Session{
		ID:       id,
		conn:     conn,
		br:       br,
		bw:       bw,
		wire:     newWireReader(br, conn, rw),
		resp:     rw,
		State:    notAuthenticated,
		Registry: registry,
		log:      logger.With(zap.Int64("conn_id", id), zap.String("remote_addr", remoteAddrOf(conn))),
	}
}

func remoteAddrOf(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// swapTLS installs conn as the session's new transport after a successful
// STARTTLS handshake. The replacement is atomic relative to the next read:
// the caller must not have consumed anything from the old reader past the
// tagged STARTTLS response.
func (s *Session) swapTLS(conn net.Conn) {
	s.conn = conn
	s.br = bufio.NewReader(conn)
	s.bw = bufio.NewWriter(conn)
	s.resp = newResponseWriter(s.bw)
	s.wire.swap(s.br, conn)
	s.wire.w = s.resp
	s.Encryption = tlsLevel
}

// selectedMailbox reports the currently selected mailbox, if any, by
// asking the store. CLOSE does not clear the store's selection, so after
// CLOSE (state Authenticated) this still reports the mailbox that was
// selected before.
func (s *Session) selectedMailbox() (MailboxHeader, bool) {
	if s.Store == nil {
		return MailboxHeader{}, false
	}
	return s.Store.SelectedMailbox()
}
