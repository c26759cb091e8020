package escrow

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator hands out monotonic, time-ordered transaction ids.
type IDGenerator struct {
	mu      sync.Mutex
	entropy io.Reader
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// New returns a ULID for the given instant. Ids generated within the same
// millisecond still sort in generation order.
func (g *IDGenerator) New(at time.Time) TransactionID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return TransactionID(ulid.MustNew(ulid.Timestamp(at), g.entropy).String())
}
