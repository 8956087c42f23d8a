package clock

import (
	"sync"
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}

	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Clock time %v outside [%v, %v]", now, before, after)
	}
}

func TestMockClock_Now_Consistent(t *testing.T) {
	fixedTime := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := &MockClock{CurrentTime: fixedTime}

	if !clock.Now().Equal(fixedTime) || !clock.Now().Equal(clock.Now()) {
		t.Errorf("Mock clock should return the fixed time, got %v", clock.Now())
	}
}

func TestMockClock_AdvanceAndSet(t *testing.T) {
	initialTime := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := &MockClock{CurrentTime: initialTime}

	testCases := []struct {
		name     string
		duration time.Duration
		expected time.Time
	}{
		{name: "advance by 1 hour", duration: time.Hour, expected: initialTime.Add(time.Hour)},
		{name: "advance by 30 minutes more", duration: 30 * time.Minute, expected: initialTime.Add(90 * time.Minute)},
		{name: "advance by zero", duration: 0, expected: initialTime.Add(90 * time.Minute)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clock.Advance(tc.duration)
			if !clock.Now().Equal(tc.expected) {
				t.Errorf("expected %v, got %v", tc.expected, clock.Now())
			}
		})
	}

	later := initialTime.Add(24 * time.Hour)
	clock.Set(later)
	if !clock.Now().Equal(later) {
		t.Errorf("Set: expected %v, got %v", later, clock.Now())
	}
}

func TestMockClock_ConcurrentAccess(t *testing.T) {
	clock := &MockClock{CurrentTime: time.Unix(0, 0)}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); clock.Advance(time.Second) }()
		go func() { defer wg.Done(); _ = clock.Now() }()
	}
	wg.Wait()
	if got := clock.Now(); !got.Equal(time.Unix(50, 0)) {
		t.Errorf("expected 50s after epoch, got %v", got)
	}
}
