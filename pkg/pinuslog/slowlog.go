package pinuslog

import "time"

// SlowOpLogger reports coordination store operations that took longer than
// a configured threshold. A negative threshold disables reporting.
type SlowOpLogger struct {
	threshold time.Duration
}

func NewSlowOpLogger(threshold time.Duration) *SlowOpLogger {
	return &SlowOpLogger{
		threshold: threshold,
	}
}

func (s *SlowOpLogger) shouldLog(t time.Duration) bool {
	return s != nil && s.threshold >= 0 && t > s.threshold
}

func (s *SlowOpLogger) Report(op string, path string, t time.Duration) {
	if s.shouldLog(t) {
		Zero.Warn().Str("op", op).Str("path", path).Dur("duration", t).Msg("slow coordination operation")
	}
}
