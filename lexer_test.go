package imapd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizerAtom(t *testing.T) {
	tok := newTokenizer([]byte("a0001)\r\n"), nil)
	got, err := tok.next()
	require.NoError(t, err)
	assert.Equal(t, "a0001", got)
}

func TestTokenizerQuotedString(t *testing.T) {
	tok := newTokenizer([]byte("\"A12312\"\r\n"), nil)
	got, err := tok.next()
	require.NoError(t, err)
	assert.Equal(t, "A12312", got)
}

func TestTokenizerQuotedStringEscape(t *testing.T) {
	tok := newTokenizer([]byte("\"a\\\"b\"\r\n"), nil)
	got, err := tok.next()
	require.NoError(t, err)
	assert.Equal(t, "a\"b", got)
}

func TestTokenizerLiteralSpan(t *testing.T) {
	// Buffer with the {11} marker already stripped and the literal bytes
	// "FRED FOOBAR" spliced in directly after "LOGIN ", with the span
	// recording where they start.
	buf := []byte("a1 LOGIN FRED FOOBAR {7}\r\n")
	spans := []literalSpan{{offset: 9, length: 11}}
	tok := newTokenizer(buf, spans)

	first, err := tok.next()
	require.NoError(t, err)
	assert.Equal(t, "a1", first)

	second, err := tok.next()
	require.NoError(t, err)
	assert.Equal(t, "LOGIN", second)

	third, err := tok.next()
	require.NoError(t, err)
	assert.Equal(t, "FRED FOOBAR", third)
}

func TestTokenizerParenList(t *testing.T) {
	tok := newTokenizer([]byte("(ELEM1 ELEM2)\r\n"), nil)
	elems, err := tok.parenList()
	require.NoError(t, err)
	assert.Equal(t, []string{"ELEM1", "ELEM2"}, elems)
}

func TestTokenizerNestedParenList(t *testing.T) {
	tok := newTokenizer([]byte("(FLAGS (\\Seen \\Answered) UID)\r\n"), nil)
	first, err := tok.next()
	require.NoError(t, err)
	assert.Equal(t, "(", first)

	second, err := tok.next()
	require.NoError(t, err)
	assert.Equal(t, "FLAGS", second)

	inner, err := tok.parenList()
	require.NoError(t, err)
	assert.Equal(t, []string{"\\Seen", "\\Answered"}, inner)

	last, err := tok.next()
	require.NoError(t, err)
	assert.Equal(t, "UID", last)
}

func TestSearchBuilderFlatKeys(t *testing.T) {
	b := newSearchBuilder([]string{"KEYWORD", "DELETED"})
	tree, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, "KEYWORD", tree.Atom)
	assert.Equal(t, []string{"DELETED"}, tree.Args)
}

func TestSearchBuilderOrNot(t *testing.T) {
	b := newSearchBuilder([]string{"OR", "SEEN", "NOT", "ANSWERED"})
	tree, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, NodeOr, tree.Kind)
	assert.Equal(t, "SEEN", tree.Left.Atom)
	assert.Equal(t, NodeNot, tree.Right.Kind)
	assert.Equal(t, "ANSWERED", tree.Right.Left.Atom)
}

func TestSearchBuilderHeaderArity(t *testing.T) {
	_, err := newSearchBuilder([]string{"HEADER", "KEYONLY"}).Build()
	assert.Error(t, err)
}
