package scheduler

import (
	"time"

	logx "gamenight/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs at most once per key per throttle window; queue
// pressure tends to arrive in bursts.
func (s *Service) reportEnqueueError(key string, err error) {
	if err == nil {
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[key]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[key] = now
	s.enqMu.Unlock()

	s.log.Warn("scheduler failed to enqueue task", logx.String("key", key), logx.Err(err))
}
