package imapd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSequenceSetInvalid(t *testing.T) {
	for _, input := range []string{":", "1:", ":1", "x"} {
		_, err := parseSequenceSet(input, 100)
		assert.Errorf(t, err, "expected failure for %q", input)
	}
}

func TestParseSequenceSetValid(t *testing.T) {
	cases := []struct {
		input    string
		max      uint32
		expected []uint32
	}{
		{"1", 100, []uint32{1}},
		{"4,7", 100, []uint32{4, 7}},
		{"2:6", 100, []uint32{2, 3, 4, 5, 6}},
		{"4:1", 100, []uint32{1, 2, 3, 4}},
		{"1,*", 10, []uint32{1, 10}},
		{"1:3,5:7", 100, []uint32{1, 2, 3, 5, 6, 7}},
		{"2:*,6:4", 7, []uint32{2, 3, 4, 5, 6, 7}},
		{"*:4,5:7", 10, []uint32{4, 5, 6, 7, 8, 9, 10}},
	}

	for _, c := range cases {
		actual, err := parseSequenceSet(c.input, c.max)
		require.NoError(t, err, c.input)
		assert.Equal(t, c.expected, actual, c.input)
	}
}
