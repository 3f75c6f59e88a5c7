package imapd

import (
	"encoding/base64"
	"strings"
	"time"
)

// ParseCommand parses one logical command buffer into a Command: tag, then
// verb (with an optional UID prefix), then verb-specific arguments.
// Supports the full command set: AUTHENTICATE, LOGIN, CREATE/DELETE/
// RENAME/SUBSCRIBE/UNSUBSCRIBE, LIST/LSUB, STATUS, APPEND/LAPPEND, STORE,
// COPY, FETCH, SEARCH, IDLE/DONE, CLOSE, EXPUNGE. SEARCH's CHARSET argument
// is recorded in Command.Charset but not applied to argument bytes.
func ParseCommand(buf []byte, spans []literalSpan) (*Command, error) {
	tok := newTokenizer(buf, spans)

	tag, err := tok.next()
	if err != nil {
		return nil, err
	}

	// The IDLE continuation response is the bare line "DONE", with no tag
	// of its own; its tag is recovered from the IDLE command it closes.
	if strings.EqualFold(tag, "DONE") && tok.atEnd() {
		return &Command{Tag: "", Verb: "DONE"}, nil
	}

	verbTok, err := tok.next()
	if err != nil {
		return nil, err
	}
	verb := asciiUpper(verbTok)

	uid := false
	if verb == "UID" {
		uid = true
		verbTok, err = tok.next()
		if err != nil {
			return nil, err
		}
		verb = asciiUpper(verbTok)
	}

	cmd := &Command{Tag: tag, Verb: verb, UID: uid}

	switch verb {
	case "NOOP", "CHECK", "CAPABILITY", "LOGOUT", "STARTTLS", "IDLE", "DONE", "CLOSE", "EXPUNGE":
		// no arguments

	case "AUTHENTICATE":
		mech, err := tok.next()
		if err != nil {
			return nil, err
		}
		cmd.Mechanism = asciiUpper(mech)
		if b, ok := tok.peekByte(); ok && b != '\r' {
			initial, err := tok.next()
			if err != nil {
				return nil, err
			}
			decoded, err := base64.StdEncoding.DecodeString(initial)
			if err != nil {
				return nil, parseErrorf("invalid base64 initial response")
			}
			cmd.Initial = decoded
			cmd.HasInitial = true
		}

	case "LOGIN":
		user, err := tok.next()
		if err != nil {
			return nil, err
		}
		pass, err := tok.next()
		if err != nil {
			return nil, err
		}
		cmd.User, cmd.Password = user, pass

	case "SELECT", "EXAMINE", "CREATE", "DELETE", "SUBSCRIBE", "UNSUBSCRIBE":
		mbox, err := tok.next()
		if err != nil {
			return nil, err
		}
		cmd.Mailbox = mbox

	case "RENAME":
		from, err := tok.next()
		if err != nil {
			return nil, err
		}
		to, err := tok.next()
		if err != nil {
			return nil, err
		}
		cmd.Mailbox, cmd.Dest = from, to

	case "LIST", "LSUB":
		ref, err := tok.next()
		if err != nil {
			return nil, err
		}
		pat, err := tok.next()
		if err != nil {
			return nil, err
		}
		cmd.Reference, cmd.Pattern = ref, pat

	case "STATUS":
		mbox, err := tok.next()
		if err != nil {
			return nil, err
		}
		items, err := tok.parenList()
		if err != nil {
			return nil, err
		}
		parsed, err := parseStatusItems(items)
		if err != nil {
			return nil, err
		}
		cmd.Mailbox = mbox
		cmd.Items = parsed

	case "APPEND", "LAPPEND":
		if verb == "LAPPEND" {
			user, err := tok.next()
			if err != nil {
				return nil, err
			}
			cmd.AppendUser = user
		}
		mbox, err := tok.next()
		if err != nil {
			return nil, err
		}
		cmd.Mailbox = mbox

		if b, ok := tok.peekByte(); ok && b == '(' {
			flags, err := tok.parenList()
			if err != nil {
				return nil, err
			}
			cmd.AppendFlags = flags
		}

		if b, ok := tok.peekByte(); ok && b == '"' {
			dateTok, err := tok.next()
			if err != nil {
				return nil, err
			}
			date, err := parseImapDate(dateTok)
			if err != nil {
				return nil, err
			}
			cmd.AppendDate = date
			cmd.HasDate = true
		}

		size, nonSync, err := parseTrailingLiteralMarker(tok.restOfLine())
		if err != nil {
			return nil, err
		}
		cmd.LiteralSize = size
		cmd.NonSync = nonSync

	case "STORE":
		seqset, err := tok.next()
		if err != nil {
			return nil, err
		}
		opTok, err := tok.next()
		if err != nil {
			return nil, err
		}
		op, silent := parseStoreOp(opTok)

		var flags []string
		if b, ok := tok.peekByte(); ok && b == '(' {
			flags, err = tok.parenList()
		} else {
			flags = strings.Fields(tok.restOfLine())
		}
		if err != nil {
			return nil, err
		}

		cmd.SequenceSet = seqset
		cmd.StoreOp = op
		cmd.Silent = silent
		cmd.StoreFlags = flags

	case "COPY":
		seqset, err := tok.next()
		if err != nil {
			return nil, err
		}
		dest, err := tok.next()
		if err != nil {
			return nil, err
		}
		cmd.SequenceSet = seqset
		cmd.Dest = dest

	case "FETCH":
		seqset, err := tok.next()
		if err != nil {
			return nil, err
		}
		var attrs []string
		if b, ok := tok.peekByte(); ok && b == '(' {
			attrs, err = tok.parenList()
		} else {
			tok2, err2 := tok.next()
			if err2 != nil {
				return nil, err2
			}
			attrs = []string{tok2}
		}
		if err != nil {
			return nil, err
		}
		cmd.SequenceSet = seqset
		cmd.FetchAttrs = attrs

	case "SEARCH":
		rest := strings.Fields(tok.restOfLine())
		if len(rest) > 0 && asciiUpper(rest[0]) == "CHARSET" && len(rest) > 1 {
			cmd.Charset = rest[1]
			rest = rest[2:]
		}
		tree, err := newSearchBuilder(rest).Build()
		if err != nil {
			return nil, err
		}
		cmd.SearchTree = tree

	default:
		return nil, parseErrorf("unknown command %q", verb)
	}

	return cmd, nil
}

// peekTag best-effort recovers a command's tag from a buffer that failed
// somewhere past the tag during WireReader or ParseCommand (e.g. a
// too-long literal, or a syntax error in the arguments), so a tagged BAD
// response can still be written against the right tag. Falls back to "*"
// (an untagged-looking tag, accepted by clients as "server couldn't
// identify the command") when even the tag token can't be read.
func peekTag(buf []byte) string {
	tok := newTokenizer(buf, nil)
	tag, err := tok.next()
	if err != nil || tag == "" {
		return "*"
	}
	return tag
}

// parseStatusItems maps STATUS's paren-list tokens to StatusItem values.
func parseStatusItems(items []string) ([]StatusItem, error) {
	out := make([]StatusItem, 0, len(items))
	for _, it := range items {
		switch asciiUpper(it) {
		case "MESSAGES":
			out = append(out, StatusMessages)
		case "RECENT":
			out = append(out, StatusRecent)
		case "UIDNEXT":
			out = append(out, StatusUidNext)
		case "UIDVALIDITY":
			out = append(out, StatusUidValidity)
		case "UNSEEN":
			out = append(out, StatusUnseen)
		default:
			return nil, parseErrorf("unknown STATUS item %q", it)
		}
	}
	return out, nil
}

// parseStoreOp recognizes "+FLAGS", "-FLAGS", "FLAGS", each optionally
// suffixed with ".SILENT".
func parseStoreOp(tok string) (StoreOp, bool) {
	upper := asciiUpper(tok)
	silent := strings.HasSuffix(upper, ".SILENT")
	if silent {
		upper = strings.TrimSuffix(upper, ".SILENT")
	}
	switch upper {
	case "+FLAGS":
		return StoreAdd, silent
	case "-FLAGS":
		return StoreRemove, silent
	default:
		return StoreReplace, silent
	}
}

// parseTrailingLiteralMarker recognizes a "{N}" or "{N+}" marker left at
// the end of an APPEND/LAPPEND command line by WireReader (which re-embeds
// the marker for these two verbs instead of splicing the payload, since
// the literal is streamed straight to the backend instead of buffered).
func parseTrailingLiteralMarker(rest string) (int64, bool, error) {
	rest = strings.TrimSpace(rest)
	n, nonSync, _, ok := parseLiteralSuffix([]byte(rest))
	if !ok {
		return 0, false, parseErrorf("expected literal marker, got %q", rest)
	}
	return n, nonSync, nil
}

// parseImapDate parses the date-time form used by APPEND's optional date
// argument ("02-Jan-2006 15:04:05 -0700") and the simpler SEARCH date keys
// ("02-Jan-2006").
func parseImapDate(s string) (time.Time, error) {
	if t, err := time.Parse("02-Jan-2006 15:04:05 -0700", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2-Jan-2006 15:04:05 -0700", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("02-Jan-2006", s); err == nil {
		return t, nil
	}
	return time.Time{}, parseErrorf("invalid date %q", s)
}
