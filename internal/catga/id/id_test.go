package id

import (
	"sync"
	"testing"
)

func TestNextIdMonotonicSingleThread(t *testing.T) {
	g := New(1)
	prev, ok := g.TryNextId()
	if !ok {
		t.Fatalf("TryNextId() returned ok=false")
	}
	for i := 0; i < 10000; i++ {
		next, ok := g.TryNextId()
		if !ok {
			t.Fatalf("TryNextId() returned ok=false on iteration %d", i)
		}
		if next <= prev {
			t.Fatalf("ids not strictly increasing: prev=%d next=%d", prev, next)
		}
		prev = next
	}
}

func TestNextIdConcurrentDistinct(t *testing.T) {
	g := New(1)
	const goroutines = 8
	const perGoroutine = 1250 // 10,000 total, matching the spec's scenario size

	var wg sync.WaitGroup
	ids := sync.Map{}

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				v, ok := g.TryNextId()
				if !ok {
					t.Errorf("TryNextId() returned ok=false")
					return
				}
				if _, loaded := ids.LoadOrStore(v, true); loaded {
					t.Errorf("duplicate id observed: %d", v)
				}
			}
		}()
	}
	wg.Wait()

	count := 0
	decodedWorker := map[uint64]bool{}
	ids.Range(func(k, _ any) bool {
		count++
		d := g.Parse(k.(uint64))
		decodedWorker[d.Worker] = true
		return true
	})

	if count != goroutines*perGoroutine {
		t.Fatalf("expected %d distinct ids, got %d", goroutines*perGoroutine, count)
	}
	if len(decodedWorker) != 1 || !decodedWorker[1] {
		t.Fatalf("expected all ids to decode to worker 1, got workers %v", decodedWorker)
	}
}

func TestParseRoundTrip(t *testing.T) {
	g := New(7)
	v := g.NextId()
	d := g.Parse(v)
	if d.Worker != 7 {
		t.Fatalf("Parse().Worker = %d, want 7", d.Worker)
	}
	if d.TimestampMilli <= 0 {
		t.Fatalf("Parse().TimestampMilli = %d, want a plausible positive timestamp", d.TimestampMilli)
	}
}

func TestSequenceExhaustionRollsToNextMillisecond(t *testing.T) {
	layout := Layout{TimestampBits: 42, WorkerBits: 10, SequenceBits: 11, EpochMilli: DefaultEpochMilli}
	mask := layout.SequenceMask()
	// The clock stays at 1000 long enough to use up every sequence value of
	// that millisecond (and to observe exhaustion once), then ticks to 1001.
	calls := uint64(0)
	g := New(1, WithLayout(layout), WithClock(func() int64 {
		calls++
		if calls <= mask+2 {
			return 1000 + DefaultEpochMilli
		}
		return 1001 + DefaultEpochMilli
	}))

	type slot struct {
		ts  int64
		seq uint64
	}
	seen := map[slot]bool{}
	var last Decoded
	for i := uint64(0); i <= mask+1; i++ {
		v, ok := g.TryNextId()
		if !ok {
			t.Fatalf("TryNextId() ok=false filling sequence space (i=%d)", i)
		}
		d := g.Parse(v)
		k := slot{d.TimestampMilli, d.Sequence}
		if seen[k] {
			t.Fatalf("sequence %d reused within millisecond %d", d.Sequence, d.TimestampMilli)
		}
		seen[k] = true
		last = d
	}
	if last.TimestampMilli != 1001+DefaultEpochMilli || last.Sequence != 0 {
		t.Fatalf("after exhausting millisecond 1000 got ts=%d seq=%d, want ts=%d seq=0",
			last.TimestampMilli, last.Sequence, 1001+DefaultEpochMilli)
	}
}

func TestClockBackwardsFailsWithoutMutatingState(t *testing.T) {
	calls := 0
	g := New(1, WithClock(func() int64 {
		calls++
		if calls == 1 {
			return DefaultEpochMilli + 2000
		}
		return DefaultEpochMilli + 1000 // moves backwards on the second call
	}))

	first, ok := g.TryNextId()
	if !ok {
		t.Fatalf("first TryNextId() ok=false")
	}
	stateBefore := g.state.Load()

	_, ok = g.TryNextId()
	if ok {
		t.Fatalf("TryNextId() should fail on backward clock motion")
	}
	if g.state.Load() != stateBefore {
		t.Fatalf("state mutated despite failed TryNextId()")
	}

	third, ok := g.TryNextId()
	if ok {
		t.Fatalf("generator should keep failing while the clock source reports the regressed time")
	}
	_ = first
	_ = third
}

func TestNextIdsContiguousRun(t *testing.T) {
	g := New(3)
	dest := make([]uint64, 500)
	n := g.NextIds(dest)
	if n != len(dest) {
		t.Fatalf("NextIds() returned %d, want %d", n, len(dest))
	}

	seenSeq := map[int64]map[uint64]bool{}
	for _, v := range dest {
		d := g.Parse(v)
		if d.Worker != 3 {
			t.Fatalf("decoded worker = %d, want 3", d.Worker)
		}
		if seenSeq[d.TimestampMilli] == nil {
			seenSeq[d.TimestampMilli] = map[uint64]bool{}
		}
		if seenSeq[d.TimestampMilli][d.Sequence] {
			t.Fatalf("duplicate sequence %d within timestamp %d", d.Sequence, d.TimestampMilli)
		}
		seenSeq[d.TimestampMilli][d.Sequence] = true
	}
}

func TestNextIdsAllOrNothingOnClockRegression(t *testing.T) {
	calls := 0
	g := New(1, WithClock(func() int64 {
		calls++
		return DefaultEpochMilli - int64(calls) // strictly regressing every call
	}))

	dest := make([]uint64, 10)
	n := g.NextIds(dest)
	if n != 0 {
		t.Fatalf("NextIds() = %d, want 0 on clock regression", n)
	}
	for _, v := range dest {
		if v != 0 {
			t.Fatalf("NextIds() left a partial id %d in dest on failure", v)
		}
	}
}

func TestNextIdPanicsOnClockRegression(t *testing.T) {
	calls := 0
	g := New(1, WithClock(func() int64 {
		calls++
		if calls == 1 {
			return DefaultEpochMilli + 5000
		}
		return DefaultEpochMilli + 1000
	}))

	g.NextId()

	defer func() {
		if recover() == nil {
			t.Fatalf("NextId() should panic on clock regression")
		}
	}()
	g.NextId()
}
