package schema

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduleDue(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		interval time.Duration
		elapsed  time.Duration
		want     bool
	}{
		{"disabled", 0, time.Hour, false},
		{"not yet", time.Minute, 59 * time.Second, false},
		{"exactly", time.Minute, time.Minute, true},
		{"overdue", time.Minute, time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Schedule{Interval: tt.interval}
			assert.Equal(t, tt.want, s.Due(base, base.Add(tt.elapsed)))
		})
	}
}

func TestScheduleRun(t *testing.T) {
	t.Run("disabled returns immediately", func(t *testing.T) {
		done := make(chan struct{})
		go func() {
			Schedule{}.Run(context.Background(), func(context.Context) error { return nil }, nil)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Run did not return")
		}
	})

	t.Run("refreshes on interval", func(t *testing.T) {
		var n atomic.Int32
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go Schedule{Interval: 20 * time.Millisecond}.Run(ctx, func(context.Context) error {
			n.Add(1)
			return nil
		}, nil)

		assert.Eventually(t, func() bool { return n.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	})
}
