package runtime

import (
	"context"
	"time"
)

type PunctuationType int

const (
	PunctuateByStreamTime PunctuationType = iota
	PunctuateByWallClock
)

// Punctuator is a callback fired on a schedule. now is stream time for
// stream-time schedules and wall-clock time otherwise.
type Punctuator func(ctx context.Context, now time.Time) error

// PunctuationSchedule is a registered punctuator. Cancel stops future
// firings. Schedules belong to one task and are only touched by its worker
// goroutine, so no locking is involved.
type PunctuationSchedule struct {
	interval  time.Duration
	ptype     PunctuationType
	callback  Punctuator
	nextTime  time.Time
	cancelled bool
}

func (s *PunctuationSchedule) Cancel() {
	s.cancelled = true
}

// PunctuationManager tracks a task's stream time and fires due punctuators.
// Stream time is the maximum record timestamp the task has seen; a
// stream-time punctuation at T acts as the task's watermark: no record with
// a smaller timestamp will advance it again.
type PunctuationManager struct {
	schedules  []*PunctuationSchedule
	streamTime time.Time
}

func NewPunctuationManager() *PunctuationManager {
	return &PunctuationManager{}
}

func (m *PunctuationManager) Schedule(interval time.Duration, ptype PunctuationType, callback Punctuator) *PunctuationSchedule {
	var next time.Time
	if ptype == PunctuateByStreamTime {
		next = m.streamTime.Add(interval)
	} else {
		next = time.Now().Add(interval)
	}

	s := &PunctuationSchedule{
		interval: interval,
		ptype:    ptype,
		callback: callback,
		nextTime: next,
	}
	m.schedules = append(m.schedules, s)
	return s
}

// AdvanceStreamTime moves stream time forward to the given timestamp if it
// is later than the current maximum and fires due stream-time punctuators.
func (m *PunctuationManager) AdvanceStreamTime(ctx context.Context, timestamp time.Time) error {
	if timestamp.After(m.streamTime) {
		m.streamTime = timestamp
	}
	return m.check(ctx, PunctuateByStreamTime, m.streamTime)
}

// CheckWallClock fires due wall-clock punctuators.
func (m *PunctuationManager) CheckWallClock(ctx context.Context) error {
	return m.check(ctx, PunctuateByWallClock, time.Now())
}

// HasWallClock reports whether any live wall-clock schedule exists. The
// worker only polls with a timeout when one does.
func (m *PunctuationManager) HasWallClock() bool {
	for _, s := range m.schedules {
		if !s.cancelled && s.ptype == PunctuateByWallClock {
			return true
		}
	}
	return false
}

func (m *PunctuationManager) check(ctx context.Context, ptype PunctuationType, now time.Time) error {
	fired := false
	for _, s := range m.schedules {
		if s.cancelled || s.ptype != ptype {
			continue
		}
		if now.Before(s.nextTime) {
			continue
		}
		if err := s.callback(ctx, now); err != nil {
			return err
		}
		s.nextTime = now.Add(s.interval)
		fired = true
	}
	if fired {
		m.compact()
	}
	return nil
}

func (m *PunctuationManager) compact() {
	live := m.schedules[:0]
	for _, s := range m.schedules {
		if !s.cancelled {
			live = append(live, s)
		}
	}
	clear(m.schedules[len(live):])
	m.schedules = live
}

func (m *PunctuationManager) StreamTime() time.Time {
	return m.streamTime
}
