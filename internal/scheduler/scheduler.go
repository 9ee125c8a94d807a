package scheduler

import (
	"context"
	"time"

	"gridtrade/internal/logger"
)

// AlignedScheduler fires a task on wall-clock boundaries of Interval, plus
// Offset. Interval=24h aligned to UTC midnight drives the daily rollover;
// a few-second interval drives slice-due checks.
type AlignedScheduler struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAlignedScheduler(ctx context.Context, interval, offset time.Duration) *AlignedScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedScheduler{
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start blocks, running task on each aligned boundary until ctx is done.
func (s *AlignedScheduler) Start(task func()) {
	if s == nil {
		return
	}
	prefix := "AlignedScheduler"
	if s.Name != "" {
		prefix = prefix + "[" + s.Name + "]"
	}
	if task == nil {
		logger.Warnf("%s: task is nil, exit", prefix)
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("%s: invalid interval=%s, exit", prefix, s.Interval)
		return
	}
	if s.Offset < 0 {
		logger.Warnf("%s: negative offset=%s, clamp to 0", prefix, s.Offset)
		s.Offset = 0
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("%s: started interval=%s offset=%s run_immediately=%v at=%s",
		prefix, s.Interval, s.Offset, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		logger.Infof("%s: RunImmediately=true, execute once before alignment loop", prefix)
		task()
	}

	for {
		now := s.nowFn().UTC()
		wakeAt, wait := s.nextTimes(now)

		if wait <= 0 {
			task()
			continue
		}

		logger.Debugf("%s: 下一次执行=%s (in %s) | uptime=%s",
			prefix,
			wakeAt.Format(time.RFC3339),
			wait.Truncate(time.Second),
			now.Sub(startAt).Truncate(time.Second),
		)

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("%s: ctx done, exit", prefix)
			return
		case <-timer.C:
		}
		task()
	}
}

func (s *AlignedScheduler) nextTimes(now time.Time) (wakeAt time.Time, wait time.Duration) {
	now = now.UTC()
	wakeAt = now.Truncate(s.Interval).Add(s.Interval).Add(s.Offset)
	wait = wakeAt.Sub(now)
	return wakeAt, wait
}
