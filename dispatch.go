package imapd

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CommandDispatcher centralizes the state-gated handler table: every
// handler is gated once, in Dispatch, before the handler itself runs,
// rather than each handler re-checking session state on its own.
type CommandDispatcher struct {
	server *Server
}

func newCommandDispatcher(s *Server) *CommandDispatcher {
	return &CommandDispatcher{server: s}
}

// commandGroup classifies which connection states accept a verb.
type commandGroup int

const (
	groupAny commandGroup = iota
	groupNotAuthenticated
	groupAuthenticated
	groupSelected
)

var verbGroup = map[string]commandGroup{
	"CAPABILITY": groupAny, "NOOP": groupAny, "LOGOUT": groupAny,

	"AUTHENTICATE": groupNotAuthenticated, "LOGIN": groupNotAuthenticated,
	"STARTTLS": groupNotAuthenticated, "LAPPEND": groupNotAuthenticated,

	"SELECT": groupAuthenticated, "EXAMINE": groupAuthenticated,
	"CREATE": groupAuthenticated, "DELETE": groupAuthenticated,
	"RENAME": groupAuthenticated, "SUBSCRIBE": groupAuthenticated,
	"UNSUBSCRIBE": groupAuthenticated, "LIST": groupAuthenticated,
	"LSUB": groupAuthenticated, "STATUS": groupAuthenticated,
	"APPEND": groupAuthenticated, "IDLE": groupAuthenticated,

	"CHECK": groupSelected, "CLOSE": groupSelected, "EXPUNGE": groupSelected,
	"SEARCH": groupSelected, "FETCH": groupSelected, "STORE": groupSelected,
	"COPY": groupSelected,
}

// Dispatch applies the state-precondition table and the IDLE/DONE pairing
// rule, then runs the handler and applies any resulting state transition
// before returning.
func (d *CommandDispatcher) Dispatch(s *Session, cmd *Command) *Response {
	if s.Idle == idleWaitingDone {
		if cmd.Verb != "DONE" {
			return badResp(cmd.Tag, "expected DONE").shouldClose()
		}
		return d.handleDone(s, cmd)
	}

	if cmd.Verb == "DONE" {
		return badResp(cmd.Tag, "DONE without IDLE")
	}

	group, known := verbGroup[cmd.Verb]
	if !known {
		return badResp(cmd.Tag, "unknown command")
	}

	allowed := false
	switch group {
	case groupAny:
		allowed = true
	case groupNotAuthenticated:
		allowed = s.State == notAuthenticated
	case groupAuthenticated:
		allowed = s.State == authenticated || s.State == selected
	case groupSelected:
		allowed = s.State == selected
	}
	if !allowed {
		return badResp(cmd.Tag, "Bad Command")
	}

	resp := d.run(s, cmd)

	s.LastCommand = cmd

	if resp.stateSet {
		s.State = resp.newState
	}

	return resp
}

func (d *CommandDispatcher) run(s *Session, cmd *Command) *Response {
	switch cmd.Verb {
	case "CAPABILITY":
		return d.handleCapability(s, cmd)
	case "NOOP":
		return okResp(cmd.Tag, "NOOP completed")
	case "LOGOUT":
		return d.handleLogout(s, cmd)
	case "AUTHENTICATE":
		return d.handleAuthenticate(s, cmd)
	case "LOGIN":
		return d.handleLogin(s, cmd)
	case "STARTTLS":
		return d.handleStartTLS(s, cmd)
	case "LAPPEND":
		return d.handleAppend(s, cmd)
	case "SELECT":
		return d.handleSelectExamine(s, cmd, false)
	case "EXAMINE":
		return d.handleSelectExamine(s, cmd, true)
	case "CREATE":
		return d.handleSimpleStoreOp(s, cmd, "CREATE", func() error { return s.Store.Create(cmd.Mailbox) })
	case "DELETE":
		return d.handleSimpleStoreOp(s, cmd, "DELETE", func() error { return s.Store.Delete(cmd.Mailbox) })
	case "RENAME":
		return d.handleSimpleStoreOp(s, cmd, "RENAME", func() error { return s.Store.Rename(cmd.Mailbox, cmd.Dest) })
	case "SUBSCRIBE":
		return d.handleSimpleStoreOp(s, cmd, "SUBSCRIBE", func() error { return s.Store.Subscribe(cmd.Mailbox) })
	case "UNSUBSCRIBE":
		return d.handleSimpleStoreOp(s, cmd, "UNSUBSCRIBE", func() error { return s.Store.Unsubscribe(cmd.Mailbox) })
	case "LIST":
		return d.handleList(s, cmd, false)
	case "LSUB":
		return d.handleList(s, cmd, true)
	case "STATUS":
		return d.handleStatus(s, cmd)
	case "APPEND":
		return d.handleAppend(s, cmd)
	case "IDLE":
		return d.handleIdle(s, cmd)
	case "CHECK":
		return okResp(cmd.Tag, "CHECK completed")
	case "CLOSE":
		return d.handleClose(s, cmd)
	case "EXPUNGE":
		return d.handleExpunge(s, cmd)
	case "SEARCH":
		return d.handleSearch(s, cmd)
	case "FETCH":
		return d.handleFetch(s, cmd)
	case "STORE":
		return d.handleStore(s, cmd)
	case "COPY":
		return d.handleCopy(s, cmd)
	default:
		return badResp(cmd.Tag, "unknown command")
	}
}

func (d *CommandDispatcher) handleCapability(s *Session, cmd *Command) *Response {
	var caps []string
	if s.State == notAuthenticated {
		caps = d.server.capsUnauth
	} else {
		caps = d.server.capsAuth
	}
	resp := okResp(cmd.Tag, "CAPABILITY completed")
	resp.untaggedLine("CAPABILITY " + strings.Join(caps, " "))
	return resp
}

func (d *CommandDispatcher) handleLogout(s *Session, cmd *Command) *Response {
	resp := okResp(cmd.Tag, "LOGOUT completed")
	resp.untaggedLine("BYE IMAP4rev1 Server logging out")
	resp.shouldClose()
	return resp.transitionTo(logoutState)
}

func (d *CommandDispatcher) handleAuthenticate(s *Session, cmd *Command) *Response {
	if cmd.Mechanism != "PLAIN" {
		return noResp(cmd.Tag, "unsupported mechanism")
	}

	challenge := func(prompt []byte) ([]byte, error) {
		if err := s.resp.WriteContinuation(base64.StdEncoding.EncodeToString(prompt)); err != nil {
			return nil, err
		}
		line, err := readRawLine(s.br)
		if err != nil {
			return nil, err
		}
		if string(line) == "*" {
			return nil, errors.New("authentication aborted")
		}
		return base64.StdEncoding.DecodeString(string(line))
	}

	var initial []byte
	if cmd.HasInitial {
		initial = cmd.Initial
	}

	user, store, err := d.server.accounts.Authenticate("PLAIN", initial, challenge)
	if err != nil {
		return noResp(cmd.Tag, "authentication failed")
	}

	s.User = user
	s.Store = store
	return okResp(cmd.Tag, "AUTHENTICATE completed").transitionTo(authenticated)
}

func (d *CommandDispatcher) handleLogin(s *Session, cmd *Command) *Response {
	store, err := d.server.accounts.Login(cmd.User, cmd.Password)
	if err != nil {
		return noResp(cmd.Tag, "LOGIN failed")
	}
	s.User = cmd.User
	s.Store = store
	return okResp(cmd.Tag, "LOGIN completed").transitionTo(authenticated)
}

// handleStartTLS writes the tagged OK itself (instead of returning a
// Response for the session loop to write) because the handshake must not
// begin until that OK is flushed to the client, and the session loop must
// not write anything else afterward — it already installed the new
// reader/writer by the time Dispatch returns. Returning a Response with
// alreadyWritten set tells the loop to skip its own write.
func (d *CommandDispatcher) handleStartTLS(s *Session, cmd *Command) *Response {
	if !d.server.starttlsEnabled || d.server.tls == nil {
		return badResp(cmd.Tag, "STARTTLS not available")
	}

	ok := okResp(cmd.Tag, "Begin TLS negotiation now")
	if err := s.resp.Write(ok, cmd.Tag); err != nil {
		return &Response{alreadyWritten: true, closeConnection: true}
	}

	conn, err := d.server.tls.Upgrade(s.conn)
	if err != nil {
		return &Response{alreadyWritten: true, closeConnection: true}
	}
	s.swapTLS(conn)

	return &Response{alreadyWritten: true}
}

func (d *CommandDispatcher) handleSimpleStoreOp(s *Session, cmd *Command, label string, op func() error) *Response {
	if err := op(); err != nil {
		if errors.Is(err, ErrBackendNotExists) {
			return noResp(cmd.Tag, label+" failed: no such mailbox")
		}
		return noResp(cmd.Tag, label+" failed")
	}
	return okResp(cmd.Tag, label+" completed")
}

func (d *CommandDispatcher) handleList(s *Session, cmd *Command, lsub bool) *Response {
	var headers []MailboxHeader
	var err error
	if lsub {
		headers, err = s.Store.Lsub(cmd.Reference, cmd.Pattern)
	} else {
		headers, err = s.Store.List(cmd.Reference, cmd.Pattern)
	}
	verb := "LIST"
	if lsub {
		verb = "LSUB"
	}
	if err != nil {
		return noResp(cmd.Tag, verb+" failed")
	}

	resp := okResp(cmd.Tag, verb+" completed")
	for _, h := range headers {
		resp.untaggedLine(fmt.Sprintf("%s (%s) %q %q", verb, joinMailboxFlags(h), string(h.Delimiter), h.Name))
	}
	return resp
}

func joinMailboxFlags(h MailboxHeader) string {
	var flags []string
	if h.Noselect {
		flags = append(flags, "\\Noselect")
	}
	if h.Noinferiors {
		flags = append(flags, "\\Noinferiors")
	}
	if h.Marked {
		flags = append(flags, "\\Marked")
	}
	return strings.Join(flags, " ")
}

func (d *CommandDispatcher) handleStatus(s *Session, cmd *Command) *Response {
	hdr, err := s.Store.Status(cmd.Mailbox, cmd.Items)
	if err != nil {
		return mapSelectError(cmd.Tag, err, "STATUS")
	}

	var parts []string
	for _, item := range cmd.Items {
		parts = append(parts, statusItemLine(item, hdr))
	}

	resp := okResp(cmd.Tag, "STATUS completed")
	resp.untaggedLine(fmt.Sprintf("STATUS %q (%s)", cmd.Mailbox, strings.Join(parts, " ")))
	return resp
}

func statusItemLine(item StatusItem, hdr MailboxHeader) string {
	switch item {
	case StatusMessages:
		return "MESSAGES " + formatUint(hdr.Exists)
	case StatusRecent:
		return "RECENT " + formatUint(hdr.Recent)
	case StatusUidNext:
		return "UIDNEXT " + formatUint(hdr.UidNext)
	case StatusUidValidity:
		return "UIDVALIDITY " + formatUint(hdr.UidValidity)
	case StatusUnseen:
		return "UNSEEN " + formatUint(hdr.Unseen)
	default:
		return ""
	}
}

func (d *CommandDispatcher) handleSelectExamine(s *Session, cmd *Command, examine bool) *Response {
	var hdr MailboxHeader
	var err error
	if examine {
		hdr, err = s.Store.Examine(cmd.Mailbox)
	} else {
		hdr, err = s.Store.Select(cmd.Mailbox)
	}
	if err != nil {
		return mapSelectError(cmd.Tag, err, verbNameForSelect(examine))
	}
	if hdr.UidValidity == 0 {
		return noResp(cmd.Tag, "cannot produce UIDVALIDITY")
	}

	resp := okResp(cmd.Tag, "completed")
	resp.untaggedLine("FLAGS (" + strings.Join(hdr.Flags, " ") + ")")
	resp.untaggedLine(fmt.Sprintf("OK [PERMANENTFLAGS (%s)] Limited", strings.Join(hdr.PermFlags, " ")))
	resp.untaggedLine(formatUint(hdr.Exists) + " EXISTS")
	resp.untaggedLine(formatUint(hdr.Recent) + " RECENT")
	resp.untaggedLine(fmt.Sprintf("OK [UIDVALIDITY %s] UIDs valid", formatUint(hdr.UidValidity)))
	resp.untaggedLine(fmt.Sprintf("OK [UIDNEXT %s] Predicted next UID", formatUint(hdr.UidNext)))

	if examine {
		resp.withCode(CodeReadOnly, "")
	} else {
		resp.withCode(CodeReadWrite, "")
	}
	resp.text = verbNameForSelect(examine) + " completed"
	return resp.transitionTo(selected)
}

func verbNameForSelect(examine bool) string {
	if examine {
		return "EXAMINE"
	}
	return "SELECT"
}

func mapSelectError(tag string, err error, verb string) *Response {
	switch {
	case errors.Is(err, ErrBackendNotExists):
		return noResp(tag, verb+" failed: no such mailbox").withCode(CodeTryCreate, "")
	case errors.Is(err, ErrBackendNotSelectable):
		return noResp(tag, verb+" failed: not selectable")
	default:
		return noResp(tag, verb+" failed")
	}
}

func (d *CommandDispatcher) handleAppend(s *Session, cmd *Command) *Response {
	if cmd.LiteralSize > d.server.maxMsgSize {
		return noResp(cmd.Tag, "message too large")
	}

	store := s.Store
	if cmd.Verb == "LAPPEND" {
		var err error
		store, err = d.server.storeFactory.ForUser(cmd.AppendUser)
		if err != nil {
			return noResp(cmd.Tag, "LAPPEND failed: no such user")
		}
	}

	if !cmd.NonSync {
		if err := s.resp.WriteContinuation("Ready for literal data"); err != nil {
			return &Response{alreadyWritten: true, closeConnection: true}
		}
	}

	r := &limitedLiteralReader{r: s.br, remaining: cmd.LiteralSize}
	uid, err := store.Append(cmd.Mailbox, cmd.AppendFlags, cmd.AppendDate, uint32(cmd.LiteralSize), r)
	verb := cmd.Verb

	// The literal's own trailing CRLF (the terminator of the command line
	// it closes) is still on the wire; consume it now so the next
	// ReadLogicalCommand starts cleanly on the following command.
	if _, lerr := readRawLine(s.br); lerr != nil && err == nil {
		err = lerr
	}

	switch {
	case err == nil:
		notifyUser := s.User
		if cmd.Verb == "LAPPEND" {
			notifyUser = cmd.AppendUser
		}
		if hdr, herr := store.Status(cmd.Mailbox, nil); herr == nil {
			d.server.registry.NotifyMutation(notifyUser, hdr)
		}
		resp := okResp(cmd.Tag, verb+" completed")
		resp.withCode(CodeUidValidity, "")
		_ = uid
		return resp
	case errors.Is(err, ErrBackendNotExists), errors.Is(err, ErrBackendNotSelectable):
		return noResp(cmd.Tag, verb+" failed").withCode(CodeTryCreate, "")
	case errors.Is(err, ErrAppendTruncated):
		return noResp(cmd.Tag, "Truncated Message").transitionTo(logoutState).shouldClose()
	default:
		return noResp(cmd.Tag, verb+" failed")
	}
}

// limitedLiteralReader drip-feeds exactly `remaining` bytes from the
// session's buffered reader to the storage backend's streaming Append,
// since APPEND consumes its literal directly rather than through
// WireReader's buffer.
type limitedLiteralReader struct {
	r         *bufio.Reader
	remaining int64
}

func (lr *limitedLiteralReader) Read(p []byte) (int, error) {
	if lr.remaining <= 0 {
		return 0, errAppendEOF
	}
	if int64(len(p)) > lr.remaining {
		p = p[:lr.remaining]
	}
	n, err := lr.r.Read(p)
	lr.remaining -= int64(n)
	if err != nil {
		return n, ErrAppendTruncated
	}
	return n, nil
}

var errAppendEOF = bytes.ErrTooLarge // sentinel reused only for its identity as an io-style EOF-like marker

func (d *CommandDispatcher) handleIdle(s *Session, cmd *Command) *Response {
	s.Registry.EnterIdle(s.ID, s.User, s.resp)
	s.Idle = idleWaitingDone
	s.LastCommand = cmd
	return continuationResp("idling")
}

func (d *CommandDispatcher) handleDone(s *Session, cmd *Command) *Response {
	s.Registry.LeaveIdle(s.ID)
	s.Idle = idleOff
	idleTag := cmd.Tag
	if s.LastCommand != nil && s.LastCommand.Verb == "IDLE" {
		idleTag = s.LastCommand.Tag
	}
	return okResp(idleTag, "IDLE completed")
}

func (d *CommandDispatcher) handleClose(s *Session, cmd *Command) *Response {
	if _, err := s.Store.Expunge(); err != nil {
		return noResp(cmd.Tag, "CLOSE failed")
	}
	return okResp(cmd.Tag, "CLOSE completed").transitionTo(authenticated)
}

func (d *CommandDispatcher) handleExpunge(s *Session, cmd *Command) *Response {
	removed, err := s.Store.Expunge()
	if err != nil {
		return noResp(cmd.Tag, "EXPUNGE failed")
	}
	resp := okResp(cmd.Tag, "EXPUNGE completed")
	for _, seq := range removed {
		resp.untaggedLine(formatUint(seq) + " EXPUNGE")
	}
	if hdr, ok := s.Store.SelectedMailbox(); ok {
		d.server.registry.NotifyMutation(s.User, hdr)
	}
	return resp
}

func (d *CommandDispatcher) handleSearch(s *Session, cmd *Command) *Response {
	ids, err := s.Store.Search(cmd.SearchTree, cmd.UID)
	if err != nil {
		return noResp(cmd.Tag, "SEARCH failed")
	}
	resp := okResp(cmd.Tag, "SEARCH completed")
	if len(ids) > 0 {
		resp.untaggedLine("SEARCH " + joinUints(ids))
	} else {
		resp.untaggedLine("SEARCH")
	}
	return resp
}

func (d *CommandDispatcher) handleFetch(s *Session, cmd *Command) *Response {
	seqset, err := parseSequenceSet(cmd.SequenceSet, currentMax(s))
	if err != nil {
		return badResp(cmd.Tag, "invalid sequence set")
	}
	metas, err := s.Store.Fetch(seqset, cmd.UID, cmd.FetchAttrs)
	if err != nil {
		return noResp(cmd.Tag, "FETCH failed")
	}
	resp := okResp(cmd.Tag, "FETCH completed")
	for _, m := range metas {
		resp.untaggedLine(fmt.Sprintf("%s FETCH (%s)", formatUint(m.Seq), formatFetchResult(m, cmd.FetchAttrs)))
	}
	return resp
}

func formatFetchResult(m MessageMeta, attrs []string) string {
	var parts []string
	for _, a := range attrs {
		switch asciiUpper(a) {
		case "UID":
			parts = append(parts, "UID "+formatUint(m.Uid))
		case "FLAGS":
			parts = append(parts, "FLAGS ("+strings.Join(m.Flags, " ")+")")
		case "RFC822.SIZE":
			parts = append(parts, "RFC822.SIZE "+formatUint(m.Size))
		case "ENVELOPE":
			parts = append(parts, "ENVELOPE ("+formatImapDate(m.Date)+" "+imapString(m.Subject)+" "+imapString(m.MessageID)+")")
		}
	}
	return strings.Join(parts, " ")
}

// imapString renders s as a quoted IMAP string, or NIL when empty (the
// convention for an absent ENVELOPE field).
func imapString(s string) string {
	if s == "" {
		return "NIL"
	}
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
	return `"` + escaped + `"`
}

// formatImapDate renders t in the date-time form ENVELOPE's date field uses.
func formatImapDate(t time.Time) string {
	if t.IsZero() {
		return "NIL"
	}
	return `"` + t.Format("02-Jan-2006 15:04:05 -0700") + `"`
}

func (d *CommandDispatcher) handleStore(s *Session, cmd *Command) *Response {
	seqset, err := parseSequenceSet(cmd.SequenceSet, currentMax(s))
	if err != nil {
		return badResp(cmd.Tag, "invalid sequence set")
	}
	metas, err := s.Store.Store(seqset, cmd.UID, cmd.StoreOp, cmd.StoreFlags, cmd.Silent)
	if err != nil {
		return noResp(cmd.Tag, "STORE failed")
	}

	resp := okResp(cmd.Tag, "STORE completed")
	if !cmd.Silent {
		for _, m := range metas {
			resp.untaggedLine(fmt.Sprintf("%s FETCH (FLAGS (%s))", formatUint(m.Seq), strings.Join(m.Flags, " ")))
		}
	}
	if hdr, ok := s.Store.SelectedMailbox(); ok {
		d.server.registry.NotifyMutation(s.User, hdr)
	}
	return resp
}

func (d *CommandDispatcher) handleCopy(s *Session, cmd *Command) *Response {
	seqset, err := parseSequenceSet(cmd.SequenceSet, currentMax(s))
	if err != nil {
		return badResp(cmd.Tag, "invalid sequence set")
	}
	if err := s.Store.Copy(seqset, cmd.UID, cmd.Dest); err != nil {
		return mapSelectError(cmd.Tag, err, "COPY")
	}
	if hdr, herr := s.Store.Status(cmd.Dest, nil); herr == nil {
		d.server.registry.NotifyMutation(s.User, hdr)
	}
	return okResp(cmd.Tag, "COPY completed")
}

func currentMax(s *Session) uint32 {
	hdr, ok := s.Store.SelectedMailbox()
	if !ok {
		return 0
	}
	return hdr.Exists
}

func joinUints(ids []uint32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = formatUint(id)
	}
	return strings.Join(parts, " ")
}

// readRawLine reads one CRLF-terminated line (used for AUTHENTICATE's
// base64 continuation exchange, which is not literal-framed).
func readRawLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}
