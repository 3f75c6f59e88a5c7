package imapd

import (
	"io"
	"net"
	"time"
)

// MailboxHeader describes a mailbox's identity and flags, as returned by
// MailboxStore.Select/Examine/Status and enumerated by List/Lsub.
type MailboxHeader struct {
	Name        string
	Delimiter   byte
	UidValidity uint32
	UidNext     uint32
	Exists      uint32
	Recent      uint32
	Unseen      uint32
	Flags       []string
	PermFlags   []string
	Noselect    bool
	Noinferiors bool
	Marked      bool
}

// StatusItem enumerates the STATUS command's data items.
type StatusItem int

const (
	StatusMessages StatusItem = iota
	StatusRecent
	StatusUidNext
	StatusUidValidity
	StatusUnseen
)

// MessageMeta describes one stored message for FETCH/SEARCH purposes.
// MessageID and Subject are populated only when FETCH ENVELOPE was
// requested, since computing them requires parsing the stored message.
type MessageMeta struct {
	Seq   uint32
	Uid   uint32
	Flags []string
	Size  uint32
	Date  time.Time

	MessageID string
	Subject   string
}

// MailboxStore is the storage collaborator a Session talks to. One
// instance is bound to an authenticated user; SelectedMailbox reports
// which mailbox (if any) is currently open.
type MailboxStore interface {
	List(reference, pattern string) ([]MailboxHeader, error)
	Lsub(reference, pattern string) ([]MailboxHeader, error)
	Select(name string) (MailboxHeader, error)
	Examine(name string) (MailboxHeader, error)
	Status(name string, items []StatusItem) (MailboxHeader, error)
	Create(name string) error
	Delete(name string) error
	Rename(oldName, newName string) error
	Subscribe(name string) error
	Unsubscribe(name string) error

	SelectedMailbox() (MailboxHeader, bool)

	// Append streams a message of the given size into mailbox, returning
	// its assigned UID. The caller has already validated the declared size
	// against max_msg_size; Append must read exactly size bytes from r.
	Append(mailbox string, flags []string, date time.Time, size uint32, r io.Reader) (uint32, error)

	Fetch(seqset []uint32, byUID bool, items []string) ([]MessageMeta, error)
	Store(seqset []uint32, byUID bool, op StoreOp, flags []string, silent bool) ([]MessageMeta, error)
	Copy(seqset []uint32, byUID bool, dest string) error
	Expunge() ([]uint32, error)
	Search(tree *SearchNode, byUID bool) ([]uint32, error)
}

// StoreOp distinguishes the three STORE flag operations.
type StoreOp int

const (
	StoreReplace StoreOp = iota
	StoreAdd
	StoreRemove
)

// MailboxStoreFactory synthesizes a MailboxStore bound to an arbitrary
// user, needed by LAPPEND, which names a user explicitly rather than
// operating against the session's already-selected store.
type MailboxStoreFactory interface {
	ForUser(user string) (MailboxStore, error)
}

// AccountStore is the authentication collaborator LOGIN and AUTHENTICATE
// talk to.
type AccountStore interface {
	Login(user, password string) (MailboxStore, error)
	// Authenticate drives a SASL mechanism exchange. initial is the
	// optional initial-response blob from the AUTHENTICATE command line
	// (nil if the client didn't send one); challenge is called to request
	// the next piece of client data via a "+ <b64>" continuation, and
	// returns an error on client abort ("*").
	Authenticate(mechanism string, initial []byte, challenge func(challenge []byte) ([]byte, error)) (string, MailboxStore, error)
}

// TlsUpgrade is the STARTTLS collaborator. Upgrade returns a replacement
// net.Conn only once the handshake completes, so the caller can install it
// atomically relative to the next read.
type TlsUpgrade interface {
	Upgrade(conn net.Conn) (net.Conn, error)
}
