// Package id implements the lock-free 64-bit Snowflake IdGenerator:
// timestamp, worker, and sequence packed into a single atomic word and
// advanced purely by compare-and-swap, following the packed-word style of
// internal/common/tsid but with a CAS-only update loop and an explicit
// worker field instead of a random component.
package id

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultEpochMilli is 2020-01-01T00:00:00Z in Unix milliseconds, matching
// the teacher's TSID epoch.
const DefaultEpochMilli = 1577836800000

// Layout describes how the 63 usable bits (the sign bit is reserved) of a
// generated id are split between timestamp, worker, and sequence fields.
// TimestampBits+WorkerBits+SequenceBits must equal 63.
type Layout struct {
	TimestampBits uint
	WorkerBits    uint
	SequenceBits  uint
	EpochMilli    int64
}

// DefaultLayout allocates 42 timestamp bits (~139 years from the epoch,
// widened from the classic Snowflake split of 41 bits for ~69 years),
// 10 worker bits (1024 workers), and 11 sequence bits (2048 ids/ms/worker).
func DefaultLayout() Layout {
	return Layout{
		TimestampBits: 42,
		WorkerBits:    10,
		SequenceBits:  11,
		EpochMilli:    DefaultEpochMilli,
	}
}

// SequenceMask is (1<<SequenceBits)-1, the maximum sequence value before a
// generator must roll to the next millisecond.
func (l Layout) SequenceMask() uint64 {
	return (uint64(1) << l.SequenceBits) - 1
}

// MaxWorkerId is the largest worker id representable by this layout.
func (l Layout) MaxWorkerId() uint64 {
	return (uint64(1) << l.WorkerBits) - 1
}

func (l Layout) validate() {
	if l.TimestampBits+l.WorkerBits+l.SequenceBits != 63 {
		panic("id: layout bits must sum to 63")
	}
}

// Decoded is the result of Parse: the three fields packed into an id.
type Decoded struct {
	TimestampMilli int64
	Worker         uint64
	Sequence       uint64
}

// Generator is a lock-free Snowflake id source. The zero value is not
// usable; construct with New. A Generator is safe for concurrent use by
// many goroutines — the only synchronization is a single atomic word
// advanced by CAS.
//
// The state word packs (lastTimestampMs-relative-to-epoch, sequence) using
// the layout's own bit widths so the same atomic word can be read and
// written in a single CAS regardless of configured layout.
type Generator struct {
	layout   Layout
	workerId uint64

	_pad0 [64]byte // cache-line isolation so state doesn't share a line with the fields above

	state atomic.Uint64 // packed (timestamp<<SequenceBits | sequence)

	_pad1 [64]byte // cache-line isolation so neighboring allocations don't false-share state

	now func() int64 // overridable for tests; defaults to wall clock
}

// Option configures a Generator at construction.
type Option func(*Generator)

// WithLayout overrides the default bit layout.
func WithLayout(l Layout) Option {
	return func(g *Generator) { g.layout = l }
}

// WithClock overrides the millisecond clock source; used by tests to
// simulate clock regression deterministically.
func WithClock(now func() int64) Option {
	return func(g *Generator) { g.now = now }
}

// New constructs a Generator for the given worker id. workerId must fit
// within the layout's WorkerBits (DefaultLayout allows 0..1023). Per spec
// §4.1, workerId must be supplied explicitly by the host in any clustered
// deployment; New does not fall back to a random id — a host that wants a
// single-node development default must construct that explicitly and log
// it, which is the builder's responsibility, not this package's.
func New(workerId uint64, opts ...Option) *Generator {
	g := &Generator{layout: DefaultLayout(), workerId: workerId}
	for _, opt := range opts {
		opt(g)
	}
	g.layout.validate()
	if g.workerId > g.layout.MaxWorkerId() {
		panic("id: workerId exceeds layout's worker bit width")
	}
	if g.now == nil {
		g.now = func() int64 { return time.Now().UnixMilli() }
	}
	return g
}

func (g *Generator) nowRelative() int64 {
	return g.now() - g.layout.EpochMilli
}

func (g *Generator) pack(ts int64, seq uint64) uint64 {
	return (uint64(ts) << g.layout.SequenceBits) | seq
}

func (g *Generator) unpack(state uint64) (ts int64, seq uint64) {
	mask := g.layout.SequenceMask()
	seq = state & mask
	ts = int64(state >> g.layout.SequenceBits)
	return
}

func (g *Generator) assemble(ts int64, seq uint64) uint64 {
	return (uint64(ts) << (g.layout.WorkerBits + g.layout.SequenceBits)) |
		(g.workerId << g.layout.SequenceBits) | seq
}

// TryNextId generates the next id, returning ok=false without mutating
// state if the wall clock has moved backwards relative to the generator's
// last observed timestamp.
func (g *Generator) TryNextId() (uint64, bool) {
	for {
		old := g.state.Load()
		lastTs, seq := g.unpack(old)
		now := g.nowRelative()

		var newState uint64
		var newTs int64
		var newSeq uint64

		switch {
		case now > lastTs:
			newTs, newSeq = now, 0
		case now == lastTs && seq < g.layout.SequenceMask():
			newTs, newSeq = lastTs, seq+1
		case now == lastTs:
			// Sequence exhausted for this millisecond: spin until the clock ticks.
			for g.nowRelative() <= lastTs {
				time.Sleep(time.Microsecond * 100)
			}
			continue
		default:
			// now < lastTs: backward clock motion.
			slog.Warn("id: clock moved backwards", "lastTimestampMs", lastTs, "observedMs", now)
			return 0, false
		}

		newState = g.pack(newTs, newSeq)
		if g.state.CompareAndSwap(old, newState) {
			return g.assemble(newTs, newSeq), true
		}
	}
}

// NextId generates the next id, panicking on detected clock regression.
// Hosts that want a non-panicking path should use TryNextId; NextId exists
// for callers in a context where clock regression is treated as a fatal
// configuration error (e.g. a misconfigured NTP-less container).
func (g *Generator) NextId() uint64 {
	id, ok := g.TryNextId()
	if !ok {
		panic("id: clock moved backwards, refusing to generate a duplicate timestamp")
	}
	return id
}

// NextIds fills dest with a contiguous, strictly increasing run of ids and
// returns the count actually written. It reserves the whole run in a
// single CAS when the remaining sequence space within the current
// millisecond covers len(dest); otherwise it falls back to one CAS per
// element via TryNextId. Per the "all-or-nothing" policy recorded in
// DESIGN.md, a clock regression detected at any point aborts the entire
// call and returns 0 — it never returns a partial prefix, since callers
// have no contract-defined way to tell which prefix is valid.
func (g *Generator) NextIds(dest []uint64) int {
	if len(dest) == 0 {
		return 0
	}

	if n := uint64(len(dest)); n <= g.layout.SequenceMask()+1 {
		for {
			old := g.state.Load()
			lastTs, seq := g.unpack(old)
			now := g.nowRelative()

			var baseTs int64
			var baseSeq uint64
			switch {
			case now > lastTs:
				baseTs, baseSeq = now, 0
			case now == lastTs:
				baseTs, baseSeq = lastTs, seq+1
			default:
				slog.Warn("id: clock moved backwards during NextIds", "lastTimestampMs", lastTs, "observedMs", now)
				return 0
			}

			if baseSeq+n-1 > g.layout.SequenceMask() {
				// Not enough sequence space left in this millisecond for a
				// single reserved run; fall through to per-element CAS below.
				break
			}

			newState := g.pack(baseTs, baseSeq+n-1)
			if g.state.CompareAndSwap(old, newState) {
				for i := uint64(0); i < n; i++ {
					dest[i] = g.assemble(baseTs, baseSeq+i)
				}
				return len(dest)
			}
		}
	}

	for i := range dest {
		v, ok := g.TryNextId()
		if !ok {
			return 0
		}
		dest[i] = v
	}
	return len(dest)
}

// Parse decodes an id produced by this Generator's layout back into its
// timestamp, worker, and sequence components.
func (g *Generator) Parse(v uint64) Decoded {
	seq := v & g.layout.SequenceMask()
	rest := v >> g.layout.SequenceBits
	worker := rest & g.layout.MaxWorkerId()
	ts := int64(rest >> g.layout.WorkerBits)
	return Decoded{
		TimestampMilli: ts + g.layout.EpochMilli,
		Worker:         worker,
		Sequence:       seq,
	}
}

// WorkerId returns the worker id this generator was constructed with.
func (g *Generator) WorkerId() uint64 { return g.workerId }

// Layout returns the generator's bit layout.
func (g *Generator) Layout() Layout { return g.layout }
