package imapd

import "time"

// pathDelimiter is the mailbox hierarchy delimiter. LIST responses print
// the Delimiter of each MailboxHeader the store returns (store.Memory
// reports the same '/'), not this constant.
const pathDelimiter = '/'

// Command is the parsed representation of one client command line. It is a
// plain data value: CommandDispatcher (dispatch.go) holds the state-gated
// table that interprets it, so state checks live in one place instead of
// being scattered across per-command-type handlers.
type Command struct {
	Tag  string
	Verb string // always upper-cased
	UID  bool   // true if parsed from a "UID <verb>" line

	// AUTHENTICATE
	Mechanism string
	Initial   []byte
	HasInitial bool

	// LOGIN
	User     string
	Password string

	// SELECT / EXAMINE / CREATE / DELETE / STATUS / SUBSCRIBE / UNSUBSCRIBE
	Mailbox string

	// RENAME / COPY
	Dest string

	// LIST / LSUB
	Reference string
	Pattern   string

	// STATUS
	Items []StatusItem

	// APPEND / LAPPEND
	AppendFlags []string
	AppendDate  time.Time
	HasDate     bool
	LiteralSize int64
	NonSync     bool
	AppendUser  string // LAPPEND only

	// STORE / FETCH / COPY / SEARCH / EXPUNGE
	SequenceSet string
	FetchAttrs  []string
	StoreOp     StoreOp
	StoreFlags  []string
	Silent      bool

	// SEARCH
	Charset    string
	SearchTree *SearchNode
}
