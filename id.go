package imapd

import "sync/atomic"

// connIDCounter hands out monotonically increasing connection identifiers,
// unique for the lifetime of the process.
var connIDCounter atomic.Int64

// nextConnID returns the next connection identifier.
func nextConnID() int64 {
	return connIDCounter.Add(1)
}
