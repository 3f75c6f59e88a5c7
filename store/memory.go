// Package store implements the MailboxStore collaborator: an in-memory
// mailbox/message table, optionally durable across restarts for
// UIDVALIDITY via a SQLite side table (sqlite.go). Subscription changes are
// written to that table too, but are not read back when mailboxes are
// recreated, so subscription state does not survive a restart.
// Message headers are parsed with github.com/emersion/go-message/mail to
// serve FETCH ENVELOPE and header-based SEARCH keys.
package store

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	emmail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"imapd"
)

// systemFlags are the flags every mailbox reports as PERMANENTFLAGS.
var systemFlags = []string{"\\Seen", "\\Answered", "\\Flagged", "\\Deleted", "\\Draft"}

type message struct {
	uid    uint32
	flags  map[string]struct{}
	size   uint32
	date   time.Time
	raw    []byte
	recent bool

	// msgID is assigned at Append time (uuid.New, wrapped in a synthetic
	// local domain) whenever the stored message carries no Message-ID
	// header of its own, so FETCH ENVELOPE always has something stable to
	// report. A real Message-ID parsed from raw takes precedence; see
	// Append and messageIDOf.
	msgID string
}

func (m *message) flagList() []string {
	out := make([]string, 0, len(m.flags))
	for f := range m.flags {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (m *message) has(flag string) bool {
	_, ok := m.flags[normalizeFlag(flag)]
	return ok
}

func normalizeFlag(f string) string {
	if strings.HasPrefix(f, "\\") {
		return "\\" + strings.Title(strings.ToLower(f[1:]))
	}
	return f
}

type mailbox struct {
	name        string
	uidValidity uint32
	uidNext     uint32
	subscribed  bool
	messages    []*message
}

func (mb *mailbox) header() imapd.MailboxHeader {
	var recent, unseen uint32
	for _, m := range mb.messages {
		if m.recent {
			recent++
		}
		if !m.has("\\Seen") {
			unseen++
		}
	}
	return imapd.MailboxHeader{
		Name:        mb.name,
		Delimiter:   '/',
		UidValidity: mb.uidValidity,
		UidNext:     mb.uidNext,
		Exists:      uint32(len(mb.messages)),
		Recent:      recent,
		Unseen:      unseen,
		Flags:       systemFlags,
		PermFlags:   append(append([]string{}, systemFlags...), "\\*"),
	}
}

// userMailboxes is the mutex-guarded mailbox table shared by every
// UserStore bound to the same user, so a mutation on one session (e.g.
// APPEND) is immediately visible to another session's SELECT/STATUS, which
// ConnectionRegistry's notification path depends on.
type userMailboxes struct {
	mu        sync.Mutex
	mailboxes map[string]*mailbox
}

// Memory is the process-wide demo MailboxStore backend: one userMailboxes
// table per username, created lazily and persisting for the process
// lifetime (or, with Persistence attached, across restarts for
// UIDVALIDITY).
type Memory struct {
	mu    sync.Mutex
	users map[string]*userMailboxes

	persist *Persistence
}

// NewMemory builds an empty Memory store. persist may be nil to disable
// the SQLite side table.
func NewMemory(persist *Persistence) *Memory {
	return &Memory{users: make(map[string]*userMailboxes), persist: persist}
}

// ForUser returns a MailboxStore bound to user, implementing
// imapd.MailboxStoreFactory (used directly by cmd/imapd for LOGIN/
// AUTHENTICATE's StoreFactory, and by the LAPPEND path via
// MailboxStoreFactory.ForUser).
func (m *Memory) ForUser(user string) (imapd.MailboxStore, error) {
	m.mu.Lock()
	um, ok := m.users[user]
	if !ok {
		um = &userMailboxes{mailboxes: make(map[string]*mailbox)}
		m.users[user] = um
		m.mu.Unlock()
		m.ensureInbox(user, um)
	} else {
		m.mu.Unlock()
	}
	return &UserStore{mem: m, user: user, mailboxes: um}, nil
}

func (m *Memory) ensureInbox(user string, um *userMailboxes) {
	um.mu.Lock()
	defer um.mu.Unlock()
	if _, ok := um.mailboxes["INBOX"]; ok {
		return
	}
	um.mailboxes["INBOX"] = &mailbox{
		name:        "INBOX",
		uidValidity: m.uidValidityFor(user, "INBOX"),
		uidNext:     1,
	}
}

func (m *Memory) uidValidityFor(user, mailboxName string) uint32 {
	if m.persist != nil {
		if v, ok := m.persist.UidValidity(user, mailboxName); ok {
			return v
		}
	}
	v := uint32(rand.Int31n(1<<31-1)) + 1
	if m.persist != nil {
		m.persist.SetUidValidity(user, mailboxName, v)
	}
	return v
}

// UserStore is the per-session view of one user's mailboxes: it adds a
// "currently selected mailbox" cursor while sharing the underlying
// mailbox table with every other UserStore for the same user.
type UserStore struct {
	mem       *Memory
	user      string
	mailboxes *userMailboxes

	selectedName string
	readOnly     bool
}

var _ imapd.MailboxStore = (*UserStore)(nil)

func canonicalName(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	return name
}

func (s *UserStore) lookup(name string) (*mailbox, bool) {
	mb, ok := s.mailboxes.mailboxes[canonicalName(name)]
	return mb, ok
}

func (s *UserStore) List(reference, pattern string) ([]imapd.MailboxHeader, error) {
	s.mailboxes.mu.Lock()
	defer s.mailboxes.mu.Unlock()

	full := reference + pattern
	var out []imapd.MailboxHeader
	names := make([]string, 0, len(s.mailboxes.mailboxes))
	for n := range s.mailboxes.mailboxes {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if matchMailboxPattern(full, n) {
			out = append(out, s.mailboxes.mailboxes[n].header())
		}
	}
	return out, nil
}

func (s *UserStore) Lsub(reference, pattern string) ([]imapd.MailboxHeader, error) {
	s.mailboxes.mu.Lock()
	defer s.mailboxes.mu.Unlock()

	full := reference + pattern
	var out []imapd.MailboxHeader
	names := make([]string, 0, len(s.mailboxes.mailboxes))
	for n := range s.mailboxes.mailboxes {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		mb := s.mailboxes.mailboxes[n]
		if mb.subscribed && matchMailboxPattern(full, n) {
			out = append(out, mb.header())
		}
	}
	return out, nil
}

// matchMailboxPattern implements IMAP LIST's "*" (any characters, including
// hierarchy delimiters) and "%" (any characters except the delimiter)
// wildcards against a mailbox name.
func matchMailboxPattern(pattern, name string) bool {
	if pattern == "" {
		return name == ""
	}
	return globMatch(pattern, name)
}

func globMatch(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	pi, ni := 0, 0
	var starIdx, matchIdx = -1, 0
	for ni < len(name) {
		if pi < len(pattern) && pattern[pi] == '%' {
			for j := ni; j <= len(name) && (j == ni || name[j-1] != '/'); j++ {
				if globMatch(pattern[pi+1:], name[j:]) {
					return true
				}
			}
			if starIdx == -1 {
				return false
			}
			pi, matchIdx = starIdx+1, matchIdx+1
			ni = matchIdx
		} else if pi < len(pattern) && pattern[pi] == name[ni] {
			pi++
			ni++
		} else if pi < len(pattern) && pattern[pi] == '*' {
			starIdx = pi
			matchIdx = ni
			pi++
		} else if starIdx != -1 {
			pi = starIdx + 1
			matchIdx++
			ni = matchIdx
		} else {
			return false
		}
	}
	for pi < len(pattern) && (pattern[pi] == '*' || pattern[pi] == '%') {
		pi++
	}
	return pi == len(pattern)
}

func (s *UserStore) Select(name string) (imapd.MailboxHeader, error) {
	return s.selectOrExamine(name, false)
}

func (s *UserStore) Examine(name string) (imapd.MailboxHeader, error) {
	return s.selectOrExamine(name, true)
}

func (s *UserStore) selectOrExamine(name string, readOnly bool) (imapd.MailboxHeader, error) {
	s.mailboxes.mu.Lock()
	defer s.mailboxes.mu.Unlock()

	mb, ok := s.lookup(name)
	if !ok {
		return imapd.MailboxHeader{}, imapd.ErrBackendNotExists
	}

	hdr := mb.header()
	for _, m := range mb.messages {
		m.recent = false
	}

	s.selectedName = mb.name
	s.readOnly = readOnly
	return hdr, nil
}

func (s *UserStore) Status(name string, items []imapd.StatusItem) (imapd.MailboxHeader, error) {
	s.mailboxes.mu.Lock()
	defer s.mailboxes.mu.Unlock()
	mb, ok := s.lookup(name)
	if !ok {
		return imapd.MailboxHeader{}, imapd.ErrBackendNotExists
	}
	return mb.header(), nil
}

func (s *UserStore) Create(name string) error {
	s.mailboxes.mu.Lock()
	defer s.mailboxes.mu.Unlock()
	n := canonicalName(name)
	if _, ok := s.mailboxes.mailboxes[n]; ok {
		return fmt.Errorf("store: mailbox %q already exists", name)
	}
	s.mailboxes.mailboxes[n] = &mailbox{
		name:        n,
		uidValidity: s.mem.uidValidityFor(s.user, n),
		uidNext:     1,
	}
	return nil
}

func (s *UserStore) Delete(name string) error {
	s.mailboxes.mu.Lock()
	defer s.mailboxes.mu.Unlock()
	n := canonicalName(name)
	if _, ok := s.mailboxes.mailboxes[n]; !ok {
		return imapd.ErrBackendNotExists
	}
	delete(s.mailboxes.mailboxes, n)
	return nil
}

func (s *UserStore) Rename(oldName, newName string) error {
	s.mailboxes.mu.Lock()
	defer s.mailboxes.mu.Unlock()
	on, nn := canonicalName(oldName), canonicalName(newName)
	mb, ok := s.mailboxes.mailboxes[on]
	if !ok {
		return imapd.ErrBackendNotExists
	}
	if _, exists := s.mailboxes.mailboxes[nn]; exists {
		return fmt.Errorf("store: mailbox %q already exists", newName)
	}
	mb.name = nn
	s.mailboxes.mailboxes[nn] = mb
	delete(s.mailboxes.mailboxes, on)
	return nil
}

func (s *UserStore) Subscribe(name string) error {
	s.mailboxes.mu.Lock()
	defer s.mailboxes.mu.Unlock()
	mb, ok := s.lookup(name)
	if !ok {
		return imapd.ErrBackendNotExists
	}
	mb.subscribed = true
	if s.mem.persist != nil {
		s.mem.persist.SetSubscribed(s.user, mb.name, true)
	}
	return nil
}

func (s *UserStore) Unsubscribe(name string) error {
	s.mailboxes.mu.Lock()
	defer s.mailboxes.mu.Unlock()
	mb, ok := s.lookup(name)
	if !ok {
		return imapd.ErrBackendNotExists
	}
	mb.subscribed = false
	if s.mem.persist != nil {
		s.mem.persist.SetSubscribed(s.user, mb.name, false)
	}
	return nil
}

func (s *UserStore) SelectedMailbox() (imapd.MailboxHeader, bool) {
	s.mailboxes.mu.Lock()
	defer s.mailboxes.mu.Unlock()
	if s.selectedName == "" {
		return imapd.MailboxHeader{}, false
	}
	mb, ok := s.mailboxes.mailboxes[s.selectedName]
	if !ok {
		return imapd.MailboxHeader{}, false
	}
	return mb.header(), true
}

// Append streams exactly size bytes from r into mailbox. Returns
// imapd.ErrAppendTruncated if r yields fewer than size bytes.
func (s *UserStore) Append(mailboxName string, flags []string, date time.Time, size uint32, r io.Reader) (uint32, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, imapd.ErrAppendTruncated
	}

	s.mailboxes.mu.Lock()
	defer s.mailboxes.mu.Unlock()

	mb, ok := s.lookup(mailboxName)
	if !ok {
		return 0, imapd.ErrBackendNotExists
	}

	if date.IsZero() {
		date = time.Now()
	}

	fset := make(map[string]struct{}, len(flags))
	for _, f := range flags {
		fset[normalizeFlag(f)] = struct{}{}
	}

	uid := mb.uidNext
	mb.uidNext++
	msg := &message{
		uid:    uid,
		flags:  fset,
		size:   size,
		date:   date,
		raw:    buf,
		recent: true,
	}
	msg.msgID = messageIDOf(msg)
	mb.messages = append(mb.messages, msg)
	return uid, nil
}

func (s *UserStore) selectedLocked() (*mailbox, error) {
	if s.selectedName == "" {
		return nil, imapd.ErrBackendNotSelectable
	}
	mb, ok := s.mailboxes.mailboxes[s.selectedName]
	if !ok {
		return nil, imapd.ErrBackendNotSelectable
	}
	return mb, nil
}

// resolve maps the sequence numbers (1-based position) or UIDs in seqset to
// message indices within mb.messages, in ascending order.
func resolve(mb *mailbox, seqset []uint32, byUID bool) []int {
	var idxs []int
	if byUID {
		byUIDIdx := make(map[uint32]int, len(mb.messages))
		for i, m := range mb.messages {
			byUIDIdx[m.uid] = i
		}
		for _, u := range seqset {
			if i, ok := byUIDIdx[u]; ok {
				idxs = append(idxs, i)
			}
		}
	} else {
		for _, seq := range seqset {
			if seq >= 1 && int(seq) <= len(mb.messages) {
				idxs = append(idxs, int(seq)-1)
			}
		}
	}
	sort.Ints(idxs)
	return idxs
}

func (s *UserStore) Fetch(seqset []uint32, byUID bool, items []string) ([]imapd.MessageMeta, error) {
	s.mailboxes.mu.Lock()
	defer s.mailboxes.mu.Unlock()

	mb, err := s.selectedLocked()
	if err != nil {
		return nil, err
	}

	wantEnvelope := false
	for _, it := range items {
		if strings.EqualFold(it, "ENVELOPE") {
			wantEnvelope = true
			break
		}
	}

	idxs := resolve(mb, seqset, byUID)
	out := make([]imapd.MessageMeta, 0, len(idxs))
	for _, i := range idxs {
		m := mb.messages[i]
		meta := imapd.MessageMeta{
			Seq:   uint32(i + 1),
			Uid:   m.uid,
			Flags: m.flagList(),
			Size:  m.size,
			Date:  m.date,
		}
		if wantEnvelope {
			meta.MessageID = m.msgID
			if h := headerOf(m); h != nil {
				if subj, err := h.Subject(); err == nil {
					meta.Subject = subj
				}
			}
		}
		out = append(out, meta)
	}
	return out, nil
}

func (s *UserStore) Store(seqset []uint32, byUID bool, op imapd.StoreOp, flags []string, silent bool) ([]imapd.MessageMeta, error) {
	s.mailboxes.mu.Lock()
	defer s.mailboxes.mu.Unlock()

	mb, err := s.selectedLocked()
	if err != nil {
		return nil, err
	}

	idxs := resolve(mb, seqset, byUID)
	out := make([]imapd.MessageMeta, 0, len(idxs))
	for _, i := range idxs {
		m := mb.messages[i]
		switch op {
		case imapd.StoreReplace:
			m.flags = make(map[string]struct{}, len(flags))
			for _, f := range flags {
				m.flags[normalizeFlag(f)] = struct{}{}
			}
		case imapd.StoreAdd:
			for _, f := range flags {
				m.flags[normalizeFlag(f)] = struct{}{}
			}
		case imapd.StoreRemove:
			for _, f := range flags {
				delete(m.flags, normalizeFlag(f))
			}
		}
		out = append(out, imapd.MessageMeta{
			Seq:   uint32(i + 1),
			Uid:   m.uid,
			Flags: m.flagList(),
			Size:  m.size,
			Date:  m.date,
		})
	}
	_ = silent // silence is purely a presentation concern, handled by the dispatcher
	return out, nil
}

func (s *UserStore) Copy(seqset []uint32, byUID bool, dest string) error {
	s.mailboxes.mu.Lock()
	defer s.mailboxes.mu.Unlock()

	mb, err := s.selectedLocked()
	if err != nil {
		return err
	}
	destMb, ok := s.lookup(dest)
	if !ok {
		return imapd.ErrBackendNotExists
	}

	idxs := resolve(mb, seqset, byUID)
	for _, i := range idxs {
		src := mb.messages[i]
		flags := make(map[string]struct{}, len(src.flags))
		for f := range src.flags {
			flags[f] = struct{}{}
		}
		raw := make([]byte, len(src.raw))
		copy(raw, src.raw)
		uid := destMb.uidNext
		destMb.uidNext++
		destMb.messages = append(destMb.messages, &message{
			uid:    uid,
			flags:  flags,
			size:   src.size,
			date:   src.date,
			raw:    raw,
			recent: true,
			msgID:  src.msgID,
		})
	}
	return nil
}

func (s *UserStore) Expunge() ([]uint32, error) {
	s.mailboxes.mu.Lock()
	defer s.mailboxes.mu.Unlock()

	mb, err := s.selectedLocked()
	if err != nil {
		return nil, err
	}

	var removedSeqs []uint32
	kept := mb.messages[:0]
	for i, m := range mb.messages {
		if m.has("\\Deleted") {
			removedSeqs = append(removedSeqs, uint32(i+1-len(removedSeqs)))
			continue
		}
		kept = append(kept, m)
	}
	mb.messages = kept
	return removedSeqs, nil
}

func (s *UserStore) Search(tree *imapd.SearchNode, byUID bool) ([]uint32, error) {
	s.mailboxes.mu.Lock()
	defer s.mailboxes.mu.Unlock()

	mb, err := s.selectedLocked()
	if err != nil {
		return nil, err
	}

	var out []uint32
	for i, m := range mb.messages {
		if evalSearch(tree, m, i+1, uint32(len(mb.messages))) {
			if byUID {
				out = append(out, m.uid)
			} else {
				out = append(out, uint32(i+1))
			}
		}
	}
	return out, nil
}

// headerOf lazily parses a message's MIME header for the SEARCH/FETCH keys
// that need it (HEADER, FROM, TO, CC, BCC, SUBJECT, BODY/TEXT, ENVELOPE).
// Parse failures (e.g. a test message with no valid header block) are
// treated as "no headers", not a hard error: SEARCH should degrade rather
// than fail the whole command over one malformed message.
func headerOf(m *message) *emmail.Header {
	r, err := emmail.CreateReader(bytes.NewReader(m.raw))
	if err != nil {
		return nil
	}
	h := r.Header
	return &h
}

// messageIDOf returns the raw message's own Message-ID header when it has
// one, generating a synthetic one otherwise so FETCH ENVELOPE always has
// something stable to report.
func messageIDOf(m *message) string {
	if h := headerOf(m); h != nil {
		if id, err := h.MessageID(); err == nil && id != "" {
			return "<" + id + ">"
		}
	}
	return "<" + uuid.New().String() + "@imapd>"
}
