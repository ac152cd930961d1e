package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

// newTestBreaker returns a breaker with a controllable clock.
func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker(BreakerConfig{Name: "test", Threshold: threshold, Cooldown: cooldown})
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func failTimes(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := b.Do(func() error { return errBackend }); !errors.Is(err, errBackend) {
			t.Fatalf("failure %d: err = %v, want errBackend", i, err)
		}
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	failTimes(t, b, 3)
	if !b.Open() {
		t.Fatal("breaker still closed after threshold failures")
	}

	err := b.Do(func() error {
		t.Error("fn called while open")
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	failTimes(t, b, 2)
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	// Two more failures should not open (counter was reset).
	failTimes(t, b, 2)
	if b.Open() {
		t.Fatal("breaker opened despite interleaved success")
	}
}

func TestBreaker_ProbeClosesOnSuccess(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	failTimes(t, b, 1)
	if !b.Open() {
		t.Fatal("breaker not open")
	}

	*now = now.Add(2 * time.Minute)
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.Open() {
		t.Error("breaker still open after successful probe")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	failTimes(t, b, 1)
	*now = now.Add(2 * time.Minute)

	if err := b.Do(func() error { return errBackend }); !errors.Is(err, errBackend) {
		t.Fatalf("probe err = %v", err)
	}
	if !b.Open() {
		t.Error("breaker closed after failed probe")
	}
	// Cooldown restarts from the failed probe.
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen during fresh cooldown", err)
	}
}

func TestBreaker_SingleProbeSlot(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	failTimes(t, b, 1)
	*now = now.Add(2 * time.Minute)

	// First caller claims the probe slot and holds it.
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(func() error {
			<-release
			return nil
		})
	}()

	// Wait for the probe to be in flight.
	deadline := time.After(2 * time.Second)
	for {
		b.mu.Lock()
		probing := b.probing
		b.mu.Unlock()
		if probing {
			break
		}
		select {
		case <-deadline:
			t.Fatal("probe never started")
		default:
		}
	}

	// Second caller is rejected while the probe is outstanding.
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("concurrent call err = %v, want ErrOpen", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	failTimes(t, b, 1)
	b.Reset()
	if b.Open() {
		t.Fatal("breaker open after Reset")
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do after Reset: %v", err)
	}
}
