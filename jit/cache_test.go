package jit

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func TestCachePromoteMonotonic(t *testing.T) {
	c := NewArtifactCache()
	m := MethodID(1)

	if _, ok := c.Get(m); ok {
		t.Fatal("new cache should have no entry")
	}
	if c.Level(m) != Interpreted {
		t.Errorf("absent entry level = %v, want interpreted", c.Level(m))
	}

	if !c.Promote(m, &fakeArtifact{m, L1}, L1) {
		t.Fatal("first L1 promotion should succeed")
	}
	if c.Promote(m, &fakeArtifact{m, L1}, L1) {
		t.Error("promotion to the stored tier should be a no-op")
	}
	if !c.Promote(m, &fakeArtifact{m, L2}, L2) {
		t.Fatal("L1 -> L2 promotion should succeed")
	}
	if c.Promote(m, &fakeArtifact{m, L1}, L1) {
		t.Error("promotion to a lower tier should be a no-op")
	}

	e, ok := c.Get(m)
	if !ok || e.Level != L2 {
		t.Fatalf("entry = %+v, want L2", e)
	}
	if e.Artifact.(*fakeArtifact).level != L2 {
		t.Error("stored artifact should be the L2 artifact")
	}

	stats := c.Stats()
	if stats.Promotions != 2 || stats.Rejected != 2 {
		t.Errorf("promotions/rejected = %d/%d, want 2/2", stats.Promotions, stats.Rejected)
	}
	if stats.AtL2 != 1 || stats.AtL1 != 0 || stats.Methods != 1 {
		t.Errorf("tier counts = %+v", stats)
	}
}

func TestCachePromoteSkipsL1(t *testing.T) {
	c := NewArtifactCache()
	if !c.Promote(7, &fakeArtifact{7, L2}, L2) {
		t.Fatal("absent -> L2 should promote")
	}
	if c.Promote(7, &fakeArtifact{7, L1}, L1) {
		t.Error("L1 after L2 should be rejected")
	}
}

func TestCachePromoteRejectsInvalid(t *testing.T) {
	c := NewArtifactCache()
	if c.Promote(1, &fakeArtifact{1, Interpreted}, Interpreted) {
		t.Error("Interpreted is never stored")
	}
	if c.Promote(1, nil, L1) {
		t.Error("nil artifact should be rejected")
	}
	if c.Promote(1, &fakeArtifact{1, L2}, Level(9)) {
		t.Error("unknown level should be rejected")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestCacheWaitWakesOnPromotion(t *testing.T) {
	c := NewArtifactCache()
	ctx := testContext(t)

	got := make(chan Entry, 1)
	go func() {
		e, err := c.Wait(ctx, 3, L2)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		got <- e
	}()

	c.Promote(3, &fakeArtifact{3, L1}, L1)
	select {
	case e := <-got:
		t.Fatalf("Wait returned at %v before L2 was published", e.Level)
	case <-time.After(20 * time.Millisecond):
	}

	c.Promote(3, &fakeArtifact{3, L2}, L2)
	select {
	case e := <-got:
		if e.Level != L2 {
			t.Errorf("Wait returned level %v, want L2", e.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait was not woken by the L2 promotion")
	}
}

func TestCacheWaitHonoursContext(t *testing.T) {
	c := NewArtifactCache()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := c.Wait(ctx, 1, L1); err != context.DeadlineExceeded {
		t.Errorf("Wait err = %v, want deadline exceeded", err)
	}
}

// Readers racing with promotions at random tiers must never see a method's
// tier go down.
func TestCacheConcurrentReadersSeeMonotonicTiers(t *testing.T) {
	c := NewArtifactCache()
	const methods = 8

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 2000; i++ {
				m := MethodID(r.Intn(methods))
				lvl := Level(1 + r.Intn(2))
				c.Promote(m, &fakeArtifact{m, lvl}, lvl)
			}
		}(int64(w))
	}

	var readers sync.WaitGroup
	for rd := 0; rd < 4; rd++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			var seen [methods]Level
			for {
				select {
				case <-stop:
					return
				default:
				}
				for m := 0; m < methods; m++ {
					lvl := c.Level(MethodID(m))
					if lvl < seen[m] {
						t.Errorf("method %d went from %v to %v", m, seen[m], lvl)
						return
					}
					seen[m] = lvl
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	readers.Wait()
}
