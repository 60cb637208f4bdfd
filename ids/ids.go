// Package ids mints string identifiers whose lexicographic order matches
// their creation order. The client inserts sessions, messages, and parts
// into order-sensitive structures by comparing IDs alone, so two IDs minted
// within the same millisecond must still sort by issuance order.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Kind is the ID namespace tag. The prefix is part of the wire format and
// must match the encoding the client uses for IDs it mints itself.
type Kind string

const (
	KindSession Kind = "ses"
	KindMessage Kind = "msg"
	KindPart    Kind = "prt"
)

// subTickSlots reserves space below each millisecond tick for a monotonic
// counter, so IDs issued within the same tick still sort by issuance order.
const subTickSlots = 1 << 12

// timeWidth is the fixed hex width of the timestamp*subTickSlots+counter
// value. 14 hex digits hold millisecond timestamps well past year 4000.
const timeWidth = 14

// suffixLen is the fixed length of the random (or index) suffix.
const suffixLen = 12

// Generator issues ascending IDs. The zero value is not usable; construct
// with NewGenerator.
type Generator struct {
	now      func() time.Time
	mu       sync.Mutex
	lastTick int64
	counter  int64
}

// NewGenerator creates a Generator using the wall clock.
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// newGeneratorWithClock is used by tests to control the tick.
func newGeneratorWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// Ascending returns the next ID for kind. It never fails. IDs of the same
// kind compare lexicographically in issuance order even when the clock does
// not advance between calls; a clock regression is clamped to the last
// observed tick so ordering is preserved.
func (g *Generator) Ascending(kind Kind) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	tick := g.now().UnixMilli()
	if tick < g.lastTick {
		tick = g.lastTick
	}
	if tick == g.lastTick {
		g.counter++
		if g.counter >= subTickSlots {
			// Counter exhausted within one tick; borrow the next tick
			// rather than wrap and sort backwards.
			g.lastTick++
			g.counter = 0
		}
	} else {
		g.lastTick = tick
		g.counter = 0
	}
	return encode(kind, g.lastTick, g.counter, randomSuffix())
}

// Deterministic reconstructs an ID from a persisted log position. The random
// suffix is replaced with a zero-padded index so identical inputs always
// yield identical IDs, and entries replayed within one timestamp still sort
// by index.
func Deterministic(kind Kind, timestamp time.Time, index int) string {
	if index < 0 {
		index = 0
	}
	suffix := fmt.Sprintf("%0*d", suffixLen, index)
	if len(suffix) > suffixLen {
		suffix = suffix[len(suffix)-suffixLen:]
	}
	return encode(kind, timestamp.UnixMilli(), int64(index)%subTickSlots, suffix)
}

func encode(kind Kind, tick, counter int64, suffix string) string {
	return fmt.Sprintf("%s_%0*x%s", kind, timeWidth, tick*subTickSlots+counter%subTickSlots, suffix)
}

func randomSuffix() string {
	b := make([]byte, suffixLen/2)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
