package xsaga

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

var idSeq uint64

// newID returns a unique saga instance id: 8 random bytes plus a process
// counter, hex-encoded. Collision-safe across processes without coordination
// and cheap enough for the dispatch path.
func newID(now time.Time) string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failure is effectively fatal elsewhere; fall back
		// to a time-seeded id rather than blocking dispatch.
		return fmt.Sprintf("%x-%d", now.UnixNano(), atomic.AddUint64(&idSeq, 1))
	}
	return hex.EncodeToString(buf[:]) + fmt.Sprintf("-%d", atomic.AddUint64(&idSeq, 1))
}
