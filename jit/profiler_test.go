package jit

import "testing"

func TestHotnessPostIncrement(t *testing.T) {
	h := NewHotness()

	for want := uint64(0); want < 5; want++ {
		if got := h.Next(9); got != want {
			t.Fatalf("Next = %d, want %d", got, want)
		}
	}
	if h.Count(9) != 5 {
		t.Errorf("Count = %d, want 5", h.Count(9))
	}
	if h.Count(10) != 0 {
		t.Errorf("untouched method Count = %d, want 0", h.Count(10))
	}
}

func TestHotnessFlushIsAdditive(t *testing.T) {
	p := NewProfiler()
	a, b := NewHotness(), NewHotness()

	for i := 0; i < 3; i++ {
		a.Next(1)
	}
	for i := 0; i < 4; i++ {
		b.Next(1)
	}
	b.Next(2)

	a.Flush(p)
	b.Flush(p)
	if got := p.Count(1); got != 7 {
		t.Errorf("merged count = %d, want 7", got)
	}

	// Nothing new counted: flushing again must not double count.
	a.Flush(p)
	if got := p.Count(1); got != 7 {
		t.Errorf("count after idle flush = %d, want 7", got)
	}

	a.Next(1)
	a.Flush(p)
	if got := p.Count(1); got != 8 {
		t.Errorf("count after second flush = %d, want 8", got)
	}

	stats := p.Stats()
	if stats.Methods != 2 || stats.Invocations != 9 {
		t.Errorf("stats = %+v, want 2 methods / 9 invocations", stats)
	}
	if stats.Flushes != 3 {
		t.Errorf("flushes = %d, want 3", stats.Flushes)
	}
}

func TestProfilerTop(t *testing.T) {
	p := NewProfiler()
	p.Add(1, 10)
	p.Add(2, 30)
	p.Add(3, 20)
	p.Add(4, 0)

	top := p.Top(2)
	if len(top) != 2 {
		t.Fatalf("Top(2) returned %d methods", len(top))
	}
	if top[0].Method != 2 || top[1].Method != 3 {
		t.Errorf("Top(2) = %v, want m2 then m3", top)
	}
	if all := p.Top(10); len(all) != 3 {
		t.Errorf("Top(10) = %d methods, want 3", len(all))
	}
}
