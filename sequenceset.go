package imapd

import (
	"sort"
	"strconv"
	"strings"
)

// parseSequenceSet expands an IMAP sequence-set ("1:5,9,12:*") into a sorted,
// deduplicated list of numbers, with "*" resolved to max. Shared by FETCH,
// STORE, COPY and UID-prefixed variants.
func parseSequenceSet(sequenceSet string, max uint32) ([]uint32, error) {
	parts := strings.Split(sequenceSet, ",")
	all := make(map[uint32]struct{})

	for _, part := range parts {
		if colon := strings.Index(part, ":"); colon > 0 {
			leftStr := part[:colon]
			rightStr := part[colon+1:]

			if leftStr == "*" {
				leftStr = strconv.FormatUint(uint64(max), 10)
			}
			if rightStr == "*" {
				rightStr = strconv.FormatUint(uint64(max), 10)
			}

			left, err := strconv.ParseUint(leftStr, 10, 32)
			if err != nil {
				return nil, parseErrorf("bad sequence number %q", leftStr)
			}
			right, err := strconv.ParseUint(rightStr, 10, 32)
			if err != nil {
				return nil, parseErrorf("bad sequence number %q", rightStr)
			}

			from, to := uint32(left), uint32(right)
			if from > to {
				from, to = to, from
			}
			if from > max && to > max {
				continue
			}
			if to > max {
				to = max
			}

			for i := from; i <= to; i++ {
				all[i] = struct{}{}
			}
		} else if part == "*" {
			all[max] = struct{}{}
		} else {
			i, err := strconv.ParseUint(part, 10, 32)
			if err != nil {
				return nil, parseErrorf("bad sequence number %q", part)
			}
			all[uint32(i)] = struct{}{}
		}
	}

	out := make([]uint32, 0, len(all))
	for k := range all {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
