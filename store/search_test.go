package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"imapd"
)

func newMessage(raw string, flags []string, date time.Time, recent bool) *message {
	fset := make(map[string]struct{}, len(flags))
	for _, f := range flags {
		fset[normalizeFlag(f)] = struct{}{}
	}
	return &message{
		uid:    1,
		flags:  fset,
		size:   uint32(len(raw)),
		date:   date,
		raw:    []byte(raw),
		recent: recent,
	}
}

func TestEvalKeyFlags(t *testing.T) {
	m := newMessage("body", []string{"\\Seen", "\\Flagged"}, time.Now(), true)

	cases := []struct {
		atom string
		args []string
		want bool
	}{
		{"SEEN", nil, true},
		{"UNSEEN", nil, false},
		{"FLAGGED", nil, true},
		{"UNFLAGGED", nil, false},
		{"ANSWERED", nil, false},
		{"UNANSWERED", nil, true},
		{"DELETED", nil, false},
		{"UNDELETED", nil, true},
		{"DRAFT", nil, false},
		{"UNDRAFT", nil, true},
		{"RECENT", nil, true},
		{"NEW", nil, false}, // \Seen is set
		{"OLD", nil, false}, // recent
		{"ALL", nil, true},
	}
	for _, c := range cases {
		t.Run(c.atom, func(t *testing.T) {
			n := &imapd.SearchNode{Kind: imapd.NodeKey, Atom: c.atom, Args: c.args}
			assert.Equal(t, c.want, evalKey(n, m, 1))
		})
	}
}

func TestEvalKeyKeyword(t *testing.T) {
	m := newMessage("body", []string{"CustomFlag"}, time.Now(), false)

	assert.True(t, evalKey(&imapd.SearchNode{Atom: "KEYWORD", Args: []string{"CustomFlag"}}, m, 1))
	assert.False(t, evalKey(&imapd.SearchNode{Atom: "UNKEYWORD", Args: []string{"CustomFlag"}}, m, 1))
}

func TestEvalKeySizeAndSubject(t *testing.T) {
	m := newMessage("Subject: invoice due\r\n\r\nbody text\r\n", nil, time.Now(), false)

	assert.True(t, evalKey(&imapd.SearchNode{Atom: "LARGER", Args: []string{"1"}}, m, 1))
	assert.False(t, evalKey(&imapd.SearchNode{Atom: "SMALLER", Args: []string{"1"}}, m, 1))
	assert.True(t, evalKey(&imapd.SearchNode{Atom: "SUBJECT", Args: []string{"invoice"}}, m, 1))
	assert.False(t, evalKey(&imapd.SearchNode{Atom: "SUBJECT", Args: []string{"newsletter"}}, m, 1))
	assert.True(t, evalKey(&imapd.SearchNode{Atom: "BODY", Args: []string{"body text"}}, m, 1))
}

func TestEvalKeyDate(t *testing.T) {
	m := newMessage("body", nil, time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC), false)

	assert.True(t, evalKey(&imapd.SearchNode{Atom: "ON", Args: []string{"15-Mar-2026"}}, m, 1))
	assert.True(t, evalKey(&imapd.SearchNode{Atom: "SINCE", Args: []string{"14-Mar-2026"}}, m, 1))
	assert.True(t, evalKey(&imapd.SearchNode{Atom: "BEFORE", Args: []string{"16-Mar-2026"}}, m, 1))
	assert.False(t, evalKey(&imapd.SearchNode{Atom: "BEFORE", Args: []string{"14-Mar-2026"}}, m, 1))
}

func TestEvalKeyUidAndSeqset(t *testing.T) {
	m := newMessage("body", nil, time.Now(), false)
	m.uid = 7

	assert.True(t, evalKey(&imapd.SearchNode{Atom: "UID", Args: []string{"5:10"}}, m, 3))
	assert.False(t, evalKey(&imapd.SearchNode{Atom: "UID", Args: []string{"1:3"}}, m, 3))
	assert.True(t, evalKey(&imapd.SearchNode{Atom: "SEQSET", Args: []string{"3"}}, m, 3))
}

func TestEvalSearchCombinators(t *testing.T) {
	m := newMessage("body", []string{"\\Seen"}, time.Now(), false)

	seen := &imapd.SearchNode{Kind: imapd.NodeKey, Atom: "SEEN"}
	deleted := &imapd.SearchNode{Kind: imapd.NodeKey, Atom: "DELETED"}

	and := &imapd.SearchNode{Kind: imapd.NodeKeyList, Children: []*imapd.SearchNode{seen, deleted}}
	assert.False(t, evalSearch(and, m, 1, 1), "AND of seen+deleted should fail: not deleted")

	or := &imapd.SearchNode{Kind: imapd.NodeOr, Left: seen, Right: deleted}
	assert.True(t, evalSearch(or, m, 1, 1))

	not := &imapd.SearchNode{Kind: imapd.NodeNot, Left: deleted}
	assert.True(t, evalSearch(not, m, 1, 1))

	assert.True(t, evalSearch(nil, m, 1, 1), "nil node matches everything")
}

func TestMatchesSequenceArgWithStar(t *testing.T) {
	assert.True(t, matchesSequenceArg("1:*", 9))
	assert.True(t, matchesSequenceArg("*", 9))
	assert.False(t, matchesSequenceArg("1:3", 9))
}
