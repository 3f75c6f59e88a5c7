package imapd

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ServerConfig wires a Server's collaborators and policy knobs as a single
// struct literal; the listener itself belongs to Serve's caller rather
// than the Server, so one process can bind plain and implicit-TLS ports
// against the same Server.
type ServerConfig struct {
	Accounts     AccountStore
	StoreFactory MailboxStoreFactory
	TLS          TlsUpgrade // nil disables STARTTLS entirely
	MaxMsgSize   int64
	CapsUnauth   []string
	CapsAuth     []string
	Logger       *zap.Logger
}

// Server is the IMAP4rev1 server: one goroutine per connection (via
// runSessionLoop), a shared ConnectionRegistry for IDLE fan-out, and a
// CommandDispatcher applying the state-gated handler table.
type Server struct {
	accounts        AccountStore
	storeFactory    MailboxStoreFactory
	tls             TlsUpgrade
	starttlsEnabled bool
	maxMsgSize      int64
	capsUnauth      []string
	capsAuth        []string

	registry   *ConnectionRegistry
	dispatcher *CommandDispatcher
	log        *zap.Logger

	mu       sync.Mutex
	sessions map[int64]*Session
	group    *errgroup.Group
}

// NewServer builds a Server from cfg. A nil Logger installs a no-op logger.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		accounts:        cfg.Accounts,
		storeFactory:    cfg.StoreFactory,
		tls:             cfg.TLS,
		starttlsEnabled: cfg.TLS != nil,
		maxMsgSize:      cfg.MaxMsgSize,
		capsUnauth:      cfg.CapsUnauth,
		capsAuth:        cfg.CapsAuth,
		registry:        newConnectionRegistry(),
		log:             logger,
		sessions:        make(map[int64]*Session),
		group:           &errgroup.Group{},
	}
	s.dispatcher = newCommandDispatcher(s)
	return s
}

// Serve accepts connections on ln until ctx is canceled or Accept fails,
// running one SessionLoop per connection on its own goroutine. It returns
// once ln is closed; callers typically run it in its own goroutine per
// listener and call Shutdown to stop it.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}

		s.group.Go(func() error {
			s.handleConn(conn)
			return nil
		})
	}
}

// Shutdown waits for every in-flight session to drain (observe LOGOUT or
// disconnect) or for ctx to expire, whichever comes first; on expiry it
// force-closes remaining connections.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.closeAllSessions()
		<-done
		return ctx.Err()
	}
}

func (s *Server) closeAllSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
}

func (s *Server) track(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()
}

// handleConn drives one connection end to end: createSession, then
// runSessionLoop until clean EOF, LOGOUT, or a fatal error. Any panic
// escaping a handler is recovered here so one session's bug cannot take
// the process down.
func (s *Server) handleConn(conn net.Conn) {
	sess := createSession(conn, s.registry, s.log)
	s.track(sess)
	defer func() {
		if r := recover(); r != nil {
			sess.log.Error("session panic", zap.Any("recover", r))
		}
		s.registry.LeaveIdle(sess.ID)
		s.untrack(sess)
		conn.Close()
	}()

	sess.log.Info("session started")
	s.runSessionLoop(sess)
	sess.log.Info("session ended")
}

// runSessionLoop implements the steady-state connection loop: read, parse,
// dispatch, write, repeat until LOGOUT or a terminal error.
func (s *Server) runSessionLoop(sess *Session) {
	for {
		buf, spans, err := sess.wire.ReadLogicalCommand()
		if err != nil {
			tag := peekTag(buf)
			_ = sess.resp.Write(badResp(tag, wireErrorText(err)), tag)
			if isFatalWireErr(err) {
				return
			}
			continue
		}
		if buf == nil {
			return // clean EOF: session ends, no response
		}

		cmd, perr := ParseCommand(buf, spans)
		if perr != nil {
			tag := peekTag(buf)
			_ = sess.resp.Write(badResp(tag, perr.Error()), tag)
			continue
		}

		resp := s.dispatcher.Dispatch(sess, cmd)

		if !resp.alreadyWritten {
			tag := cmd.Tag
			if resp.tag != "" {
				tag = resp.tag
			}
			if err := sess.resp.Write(resp, tag); err != nil {
				return
			}
		}

		if resp.closeConnection || sess.State == logoutState {
			return
		}
	}
}

// wireErrorText maps a WireReader error to a short client-facing message
// ("command too long", "literal read timeout"); other I/O errors surface
// their own text.
func wireErrorText(err error) string {
	switch {
	case errors.Is(err, ErrCommandTooLong):
		return "command too long"
	case errors.Is(err, ErrLiteralTimeout):
		return "literal read timeout"
	default:
		return err.Error()
	}
}

// isFatalWireErr reports whether the session must terminate after
// reporting err. Command-too-long and literal-timeout are recoverable:
// the client can retry on the same connection. Anything else is treated
// as a genuine connection failure.
func isFatalWireErr(err error) bool {
	return !errors.Is(err, ErrCommandTooLong) && !errors.Is(err, ErrLiteralTimeout)
}
