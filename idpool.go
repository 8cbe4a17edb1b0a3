package spanz

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	mrand "math/rand/v2"
	"strings"
	"sync"
)

// Identifier widths in hex characters.
const (
	TraceIDLength = 32
	SpanIDLength  = 16
)

// NewTraceID returns a random 128-bit trace identifier as 32 lowercase hex characters.
func NewTraceID() string {
	return randomHex(TraceIDLength / 2)
}

// NewSpanID returns a random 64-bit span identifier as 16 lowercase hex characters.
func NewSpanID() string {
	return randomHex(SpanIDLength / 2)
}

// PadID left-pads id with zeros up to width characters.
// Identifiers received from the wire may be shorter than ours.
func PadID(id string, width int) string {
	if len(id) >= width {
		return id
	}
	return strings.Repeat("0", width-len(id)) + id
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand should never fail on supported platforms.
		for i := 0; i < n; i += 8 {
			var word [8]byte
			binary.LittleEndian.PutUint64(word[:], mrand.Uint64())
			copy(buf[i:], word[:])
		}
	}
	return hex.EncodeToString(buf)
}

// IDPool keeps a channel of pre-generated IDs to amortize crypto/rand overhead
// on the span start path.
type IDPool struct {
	factory func() string
	ids     chan string
	stopCh  chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewIDPool creates a pool holding up to capacity IDs produced by factory.
func NewIDPool(capacity int, factory func() string) *IDPool {
	if capacity < 1 {
		capacity = 1
	}
	pool := &IDPool{
		ids:     make(chan string, capacity),
		factory: factory,
		stopCh:  make(chan struct{}),
	}
	go pool.refill()
	return pool
}

// Get returns a pooled ID, generating one inline when the pool is drained.
func (p *IDPool) Get() string {
	select {
	case id := <-p.ids:
		return id
	default:
		return p.factory()
	}
}

func (p *IDPool) refill() {
	for {
		id := p.factory()
		select {
		case p.ids <- id:
		case <-p.stopCh:
			return
		}
	}
}

// Close stops the refill goroutine. Get keeps working after Close.
func (p *IDPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		close(p.stopCh)
		p.closed = true
	}
}
