package store

import (
	"strconv"
	"strings"
	"time"

	"imapd"
)

// evalSearch walks a SearchNode tree directly against one message's flags
// and (lazily) parsed headers. seq is the message's 1-based sequence
// number, count the mailbox's current EXISTS, both needed for
// NEW/OLD/bare-sequence-set keys.
func evalSearch(n *imapd.SearchNode, m *message, seq int, count uint32) bool {
	if n == nil {
		return true
	}
	switch n.Kind {
	case imapd.NodeKeyList:
		for _, c := range n.Children {
			if !evalSearch(c, m, seq, count) {
				return false
			}
		}
		return true
	case imapd.NodeNot:
		return !evalSearch(n.Left, m, seq, count)
	case imapd.NodeOr:
		return evalSearch(n.Left, m, seq, count) || evalSearch(n.Right, m, seq, count)
	default:
		return evalKey(n, m, seq)
	}
}

func evalKey(n *imapd.SearchNode, m *message, seq int) bool {
	switch n.Atom {
	case "ALL":
		return true
	case "ANSWERED":
		return m.has("\\Answered")
	case "UNANSWERED":
		return !m.has("\\Answered")
	case "DELETED":
		return m.has("\\Deleted")
	case "UNDELETED":
		return !m.has("\\Deleted")
	case "DRAFT":
		return m.has("\\Draft")
	case "UNDRAFT":
		return !m.has("\\Draft")
	case "FLAGGED":
		return m.has("\\Flagged")
	case "UNFLAGGED":
		return !m.has("\\Flagged")
	case "SEEN":
		return m.has("\\Seen")
	case "UNSEEN":
		return !m.has("\\Seen")
	case "NEW":
		return m.recent && !m.has("\\Seen")
	case "OLD":
		return !m.recent
	case "RECENT":
		return m.recent

	case "KEYWORD":
		return m.has(n.Args[0])
	case "UNKEYWORD":
		return !m.has(n.Args[0])

	case "LARGER":
		n2, err := strconv.ParseUint(n.Args[0], 10, 32)
		return err == nil && uint64(m.size) > n2
	case "SMALLER":
		n2, err := strconv.ParseUint(n.Args[0], 10, 32)
		return err == nil && uint64(m.size) < n2

	case "BEFORE":
		return dateCompare(n.Args[0], m.date, -1)
	case "ON":
		return dateCompare(n.Args[0], m.date, 0)
	case "SINCE":
		return dateCompare(n.Args[0], m.date, 1)
	case "SENTBEFORE":
		return dateCompare(n.Args[0], sentDate(m), -1)
	case "SENTON":
		return dateCompare(n.Args[0], sentDate(m), 0)
	case "SENTSINCE":
		return dateCompare(n.Args[0], sentDate(m), 1)

	case "FROM":
		return headerContains(m, "From", n.Args[0])
	case "TO":
		return headerContains(m, "To", n.Args[0])
	case "CC":
		return headerContains(m, "Cc", n.Args[0])
	case "BCC":
		return headerContains(m, "Bcc", n.Args[0])
	case "SUBJECT":
		return headerContains(m, "Subject", n.Args[0])
	case "HEADER":
		return headerContains(m, n.Args[0], n.Args[1])
	case "BODY", "TEXT":
		return strings.Contains(strings.ToLower(string(m.raw)), strings.ToLower(n.Args[0]))

	case "UID":
		return matchesSequenceArg(n.Args[0], m.uid)
	case "SEQSET":
		return matchesSequenceArg(n.Args[0], uint32(seq))

	default:
		return false
	}
}

func sentDate(m *message) time.Time {
	h := headerOf(m)
	if h == nil {
		return m.date
	}
	if t, err := h.Date(); err == nil {
		return t
	}
	return m.date
}

func headerContains(m *message, field, needle string) bool {
	h := headerOf(m)
	if h == nil {
		return false
	}
	var value string
	switch strings.ToLower(field) {
	case "from", "to", "cc", "bcc":
		addrs, err := h.AddressList(field)
		if err != nil {
			return false
		}
		var parts []string
		for _, a := range addrs {
			parts = append(parts, a.Address, a.Name)
		}
		value = strings.Join(parts, " ")
	case "subject":
		s, err := h.Subject()
		if err != nil {
			return false
		}
		value = s
	default:
		value = h.Get(field)
	}
	return strings.Contains(strings.ToLower(value), strings.ToLower(needle))
}

// dateCompare compares an IMAP SEARCH date key ("02-Jan-2006") against t,
// truncated to whole days, per sign: -1 before, 0 same day, 1 since
// (inclusive).
func dateCompare(dateKey string, t time.Time, sign int) bool {
	d, err := time.Parse("2-Jan-2006", dateKey)
	if err != nil {
		d, err = time.Parse("02-Jan-2006", dateKey)
		if err != nil {
			return false
		}
	}
	ty, tm, td := t.Date()
	tDay := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	switch sign {
	case -1:
		return tDay.Before(d)
	case 1:
		return tDay.After(d) || tDay.Equal(d)
	default:
		return tDay.Equal(d)
	}
}

// matchesSequenceArg reports whether val appears in a sequence-set literal
// like "1:5,9,12:*", with "*" treated as val itself so a trailing open
// range always matches (used by SEARCH UID <set> and bare sequence-set
// keys).
func matchesSequenceArg(set string, val uint32) bool {
	ids, err := parseSequenceSetForSearch(set, val)
	if err != nil {
		return false
	}
	for _, id := range ids {
		if id == val {
			return true
		}
	}
	return false
}

// parseSequenceSetForSearch is a small local copy of the sequence-set
// grammar (colon ranges, "*" meaning max, comma-separated) used only by
// SEARCH's UID/bare-sequence-set keys; sequenceset.go's parseSequenceSet stays
// unexported in the root package, so SEARCH evaluation (which lives in
// store, a separate package) needs its own.
func parseSequenceSetForSearch(set string, max uint32) ([]uint32, error) {
	var out []uint32
	for _, part := range strings.Split(set, ",") {
		if colon := strings.Index(part, ":"); colon > 0 {
			left, right := part[:colon], part[colon+1:]
			if left == "*" {
				left = strconv.FormatUint(uint64(max), 10)
			}
			if right == "*" {
				right = strconv.FormatUint(uint64(max), 10)
			}
			lo, err := strconv.ParseUint(left, 10, 32)
			if err != nil {
				return nil, err
			}
			hi, err := strconv.ParseUint(right, 10, 32)
			if err != nil {
				return nil, err
			}
			if lo > hi {
				lo, hi = hi, lo
			}
			for i := lo; i <= hi; i++ {
				out = append(out, uint32(i))
			}
			continue
		}
		if part == "*" {
			out = append(out, max)
			continue
		}
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, uint32(v))
	}
	return out, nil
}
