// Package idgen generates monotonic, sortable, collision-free identifiers
// for requests, plans, and clients using ULIDs, the same approach as the
// teacher's generateID helper (opencode's internal/server/handlers_session.go),
// generalized to a shared package so every broker component uses one
// consistent scheme.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new ULID string, safe for concurrent use.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
