// Package id produces 64-bit, time-ordered, machine-scoped unique
// identifiers used as primary keys for every persisted record.
//
// Layout (most to least significant): 41 bits of milliseconds since the
// project epoch, 10 bits of node id, 12 bits of per-millisecond sequence.
// Sorting ids therefore recovers creation order without a separate
// sequence column.
package id

import (
	"hash/fnv"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/teranos/loom/errors"
)

const (
	nodeBits = 10
	seqBits  = 12

	nodeMax = (1 << nodeBits) - 1
	seqMask = (1 << seqBits) - 1

	timeShift = nodeBits + seqBits
	nodeShift = seqBits
)

// Epoch is the project epoch: 2024-01-01T00:00:00Z in Unix milliseconds.
// 41 bits of milliseconds from here last until ~2093.
const Epoch int64 = 1704067200000

// Generator produces time-ordered identifiers for a single node.
// Safe for concurrent use.
type Generator struct {
	mu     sync.Mutex
	node   int64
	lastMs int64
	seq    int64
	now    func() time.Time // injectable clock for tests
}

// NewGenerator creates a generator for the given node id (0..1023).
func NewGenerator(node int64) (*Generator, error) {
	if node < 0 || node > nodeMax {
		return nil, errors.Newf("node id %d out of range [0, %d]", node, nodeMax)
	}
	return &Generator{node: node, now: time.Now}, nil
}

// NewHostGenerator creates a generator whose node id is derived from the
// hostname and pid, so independent worker processes on the same store get
// distinct id spaces without coordination.
func NewHostGenerator() *Generator {
	hostname, _ := os.Hostname()
	h := fnv.New32a()
	h.Write([]byte(hostname))
	h.Write([]byte(strconv.Itoa(os.Getpid())))
	g, _ := NewGenerator(int64(h.Sum32()) & nodeMax)
	return g
}

// Next returns the next identifier. It never returns the same value twice
// for one generator: within a millisecond the sequence increments, and on
// sequence exhaustion or clock regression it waits for the clock to advance.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.millis()
	if ms < g.lastMs {
		// Clock went backwards; hold until it catches up rather than
		// risk emitting an out-of-order id.
		for ms < g.lastMs {
			time.Sleep(time.Duration(g.lastMs-ms) * time.Millisecond)
			ms = g.millis()
		}
	}

	if ms == g.lastMs {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			// Sequence exhausted within this millisecond; spin to the next.
			for ms <= g.lastMs {
				ms = g.millis()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastMs = ms

	return ms<<timeShift | g.node<<nodeShift | g.seq
}

// Node returns the generator's node id.
func (g *Generator) Node() int64 {
	return g.node
}

// Millis extracts the millisecond timestamp (since Epoch) embedded in an id.
func Millis(id int64) int64 {
	return id >> timeShift
}

// Time extracts the creation time embedded in an id.
func Time(id int64) time.Time {
	return time.UnixMilli(Millis(id) + Epoch)
}

func (g *Generator) millis() int64 {
	return g.now().UnixMilli() - Epoch
}

var (
	defaultGen  *Generator
	defaultOnce sync.Once
)

// Next returns the next identifier from the process-wide default generator.
func Next() int64 {
	defaultOnce.Do(func() {
		defaultGen = NewHostGenerator()
	})
	return defaultGen.Next()
}
