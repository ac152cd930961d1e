package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemStore_GetAbsent(t *testing.T) {
	s := NewMemStore()
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemStore_PutGetRoundTrip(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.Put(ctx, "k", []byte("hello"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Get = %q, want %q", got, "hello")
	}
}

func TestMemStore_ExpiryBehavesAsAbsent(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := NewMemStore(WithClock(func() time.Time { return clock() }))
	ctx := context.Background()

	if err := s.Put(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Advance past the TTL.
	later := now.Add(2 * time.Minute)
	clock = func() time.Time { return later }

	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after expiry: err = %v, want ErrNotFound", err)
	}

	// Update on an expired key must see nil current.
	_, err := s.Update(ctx, "k", time.Minute, func(current []byte) ([]byte, error) {
		if current != nil {
			t.Errorf("mutate received %q, want nil for expired key", current)
		}
		return []byte("fresh"), nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestMemStore_GetDoesNotRenewTTL(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := NewMemStore(WithClock(func() time.Time { return clock() }))
	ctx := context.Background()

	if err := s.Put(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Read at 59s — alive. The read must not push expiry out.
	later := now.Add(59 * time.Second)
	clock = func() time.Time { return later }
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("Get at 59s: %v", err)
	}

	expired := now.Add(61 * time.Second)
	clock = func() time.Time { return expired }
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get at 61s: err = %v, want ErrNotFound (read must not renew TTL)", err)
	}
}

func TestMemStore_UpdateRenewsTTL(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := NewMemStore(WithClock(func() time.Time { return clock() }))
	ctx := context.Background()

	if err := s.Put(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Write at 50s resets the expiry clock.
	later := now.Add(50 * time.Second)
	clock = func() time.Time { return later }
	if _, err := s.Update(ctx, "k", time.Minute, func(current []byte) ([]byte, error) {
		return current, nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	at90s := now.Add(90 * time.Second)
	clock = func() time.Time { return at90s }
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("Get at 90s after write at 50s: %v (write should renew TTL)", err)
	}
}

func TestMemStore_UpdateMutateErrorWritesNothing(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	errBoom := errors.New("boom")

	if err := s.Put(ctx, "k", []byte("original"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, err := s.Update(ctx, "k", time.Minute, func(current []byte) ([]byte, error) {
		return nil, errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Update err = %v, want errBoom passed through", err)
	}

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "original" {
		t.Errorf("value = %q, want %q (failed mutate must not write)", got, "original")
	}
}

func TestMemStore_ConcurrentUpdatesSameKeyLoseNothing(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "counter", time.Minute, func(current []byte) ([]byte, error) {
				// Single-byte counter is enough for 50 writers.
				if current == nil {
					return []byte{1}, nil
				}
				return []byte{current[0] + 1}, nil
			})
			if err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "counter")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got[0] != writers {
		t.Errorf("counter = %d, want %d (lost update)", got[0], writers)
	}
}

func TestMemStore_Sweep(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := NewMemStore(WithClock(func() time.Time { return clock() }))
	ctx := context.Background()

	_ = s.Put(ctx, "live", []byte("v"), time.Hour)
	_ = s.Put(ctx, "dead", []byte("v"), time.Minute)

	later := now.Add(2 * time.Minute)
	clock = func() time.Time { return later }

	if removed := s.Sweep(); removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if _, err := s.Get(ctx, "live"); err != nil {
		t.Errorf("live key gone after sweep: %v", err)
	}
}

func TestMemStore_UpdateSurvivesConcurrentSweep(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	// A sweeper that races every update: if Update commits into an entry
	// Sweep just unlinked, the committed value silently disappears.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				s.Sweep()
			}
		}
	}()

	const rounds = 5000
	for i := 0; i < rounds; i++ {
		key := "call"
		if _, err := s.Update(ctx, key, time.Minute, func(current []byte) ([]byte, error) {
			return []byte("v"), nil
		}); err != nil {
			t.Fatalf("Update round %d: %v", i, err)
		}
		if _, err := s.Get(ctx, key); err != nil {
			t.Fatalf("round %d: committed update lost to sweep: %v", i, err)
		}
		// Expire the key so the sweeper has something to remove next round.
		if err := s.Delete(ctx, key); err != nil {
			t.Fatalf("Delete round %d: %v", i, err)
		}
	}
	close(done)
	wg.Wait()
}
