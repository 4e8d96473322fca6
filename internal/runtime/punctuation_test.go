package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
)

func TestStreamTimePunctuation(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("fires once the interval has passed", func(t *testing.T) {
		m := NewPunctuationManager()
		assert.NoError(t, m.AdvanceStreamTime(ctx, base))

		var fired []time.Time
		m.Schedule(10*time.Second, PunctuateByStreamTime, func(_ context.Context, now time.Time) error {
			fired = append(fired, now)
			return nil
		})

		assert.NoError(t, m.AdvanceStreamTime(ctx, base.Add(5*time.Second)))
		assert.Equal(t, 0, len(fired))

		assert.NoError(t, m.AdvanceStreamTime(ctx, base.Add(10*time.Second)))
		assert.Equal(t, 1, len(fired))
		assert.Equal(t, base.Add(10*time.Second), fired[0])
	})

	t.Run("armed before the first record", func(t *testing.T) {
		// Registered at Init, before any stream time exists: the first
		// observed timestamp is already past the deadline.
		m := NewPunctuationManager()

		var fired int
		m.Schedule(10*time.Second, PunctuateByStreamTime, func(context.Context, time.Time) error {
			fired++
			return nil
		})

		assert.NoError(t, m.AdvanceStreamTime(ctx, base))
		assert.Equal(t, 1, fired)

		assert.NoError(t, m.AdvanceStreamTime(ctx, base.Add(5*time.Second)))
		assert.Equal(t, 1, fired)
	})

	t.Run("rearms relative to the firing time", func(t *testing.T) {
		m := NewPunctuationManager()
		assert.NoError(t, m.AdvanceStreamTime(ctx, base))

		var fired []time.Time
		m.Schedule(10*time.Second, PunctuateByStreamTime, func(_ context.Context, now time.Time) error {
			fired = append(fired, now)
			return nil
		})

		// A late record jumps stream time well past the deadline. The
		// next deadline is 10s after the observed time, not after the
		// original one.
		assert.NoError(t, m.AdvanceStreamTime(ctx, base.Add(25*time.Second)))
		assert.Equal(t, 1, len(fired))
		assert.NoError(t, m.AdvanceStreamTime(ctx, base.Add(34*time.Second)))
		assert.Equal(t, 1, len(fired))
		assert.NoError(t, m.AdvanceStreamTime(ctx, base.Add(35*time.Second)))
		assert.Equal(t, 2, len(fired))
		assert.Equal(t, base.Add(35*time.Second), fired[1])
	})

	t.Run("stream time never moves backwards", func(t *testing.T) {
		m := NewPunctuationManager()
		assert.NoError(t, m.AdvanceStreamTime(ctx, base.Add(time.Minute)))
		assert.NoError(t, m.AdvanceStreamTime(ctx, base))
		assert.Equal(t, base.Add(time.Minute), m.StreamTime())
	})

	t.Run("callback error stops the sweep", func(t *testing.T) {
		m := NewPunctuationManager()
		assert.NoError(t, m.AdvanceStreamTime(ctx, base))

		boom := errors.New("flush failed")
		m.Schedule(time.Second, PunctuateByStreamTime, func(context.Context, time.Time) error {
			return boom
		})
		err := m.AdvanceStreamTime(ctx, base.Add(2*time.Second))
		assert.IsError(t, err, boom)
	})
}

func TestPunctuationCancel(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	m := NewPunctuationManager()
	assert.NoError(t, m.AdvanceStreamTime(ctx, base))

	var a, b int
	sa := m.Schedule(time.Second, PunctuateByStreamTime, func(context.Context, time.Time) error {
		a++
		return nil
	})
	m.Schedule(time.Second, PunctuateByStreamTime, func(context.Context, time.Time) error {
		b++
		return nil
	})

	assert.NoError(t, m.AdvanceStreamTime(ctx, base.Add(time.Second)))
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)

	sa.Cancel()
	assert.NoError(t, m.AdvanceStreamTime(ctx, base.Add(2*time.Second)))
	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)

	// The firing sweep drops cancelled schedules.
	assert.Equal(t, 1, len(m.schedules))
}

func TestWallClockPunctuation(t *testing.T) {
	ctx := context.Background()

	t.Run("has wall clock tracks live schedules", func(t *testing.T) {
		m := NewPunctuationManager()
		assert.False(t, m.HasWallClock())

		m.Schedule(time.Hour, PunctuateByStreamTime, func(context.Context, time.Time) error { return nil })
		assert.False(t, m.HasWallClock())

		s := m.Schedule(time.Hour, PunctuateByWallClock, func(context.Context, time.Time) error { return nil })
		assert.True(t, m.HasWallClock())

		s.Cancel()
		assert.False(t, m.HasWallClock())
	})

	t.Run("fires after the interval elapses", func(t *testing.T) {
		m := NewPunctuationManager()

		var fired int
		m.Schedule(5*time.Millisecond, PunctuateByWallClock, func(context.Context, time.Time) error {
			fired++
			return nil
		})

		assert.NoError(t, m.CheckWallClock(ctx))
		assert.Equal(t, 0, fired)

		time.Sleep(10 * time.Millisecond)
		assert.NoError(t, m.CheckWallClock(ctx))
		assert.Equal(t, 1, fired)
	})

	t.Run("stream time advance does not fire wall clock", func(t *testing.T) {
		m := NewPunctuationManager()

		var fired int
		m.Schedule(time.Nanosecond, PunctuateByWallClock, func(context.Context, time.Time) error {
			fired++
			return nil
		})
		time.Sleep(time.Millisecond)
		assert.NoError(t, m.AdvanceStreamTime(ctx, time.Now()))
		assert.Equal(t, 0, fired)
	})
}
