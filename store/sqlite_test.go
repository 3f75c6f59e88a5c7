package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPersistence(t *testing.T) *Persistence {
	t.Helper()
	p, err := OpenPersistence(filepath.Join(t.TempDir(), "imapd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestUidValidityRoundtrip(t *testing.T) {
	p := newTestPersistence(t)

	_, ok := p.UidValidity("alice", "INBOX")
	assert.False(t, ok, "no row yet")

	p.SetUidValidity("alice", "INBOX", 12345)
	v, ok := p.UidValidity("alice", "INBOX")
	require.True(t, ok)
	assert.Equal(t, uint32(12345), v)

	p.SetUidValidity("alice", "INBOX", 99999)
	v, ok = p.UidValidity("alice", "INBOX")
	require.True(t, ok)
	assert.Equal(t, uint32(99999), v)
}

func TestSetSubscribedPreservesUidValidity(t *testing.T) {
	p := newTestPersistence(t)

	p.SetUidValidity("bob", "Archive", 42)
	p.SetSubscribed("bob", "Archive", true)

	v, ok := p.UidValidity("bob", "Archive")
	require.True(t, ok)
	assert.Equal(t, uint32(42), v, "subscribing must not clobber a previously stored uidvalidity")
}

func TestUidValidityIsolatedPerUserAndMailbox(t *testing.T) {
	p := newTestPersistence(t)

	p.SetUidValidity("alice", "INBOX", 1)
	p.SetUidValidity("bob", "INBOX", 2)
	p.SetUidValidity("alice", "Work", 3)

	v, _ := p.UidValidity("alice", "INBOX")
	assert.Equal(t, uint32(1), v)
	v, _ = p.UidValidity("bob", "INBOX")
	assert.Equal(t, uint32(2), v)
	v, _ = p.UidValidity("alice", "Work")
	assert.Equal(t, uint32(3), v)
}
