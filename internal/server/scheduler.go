package server

import (
	"context"
	"time"
)

// StartRetryScheduler launches the background task that retries failed
// webhook deliveries: once immediately at startup, then daily at local
// midnight. One dedicated goroutine owns the schedule; the retry job itself
// is not guarded against overlapping runs, which this schedule cannot
// produce.
func StartRetryScheduler(s *Server) {
	go func() {
		logger := s.Logger.With().Str("component", "scheduler").Logger()

		logger.Info().Msg("Running startup retry cycle")
		s.Retrier.Run(context.Background())

		for {
			next := nextMidnight(time.Now())
			logger.Info().Time("next_run", next).Msg("Scheduled next retry cycle")

			timer := time.NewTimer(time.Until(next))
			<-timer.C

			s.Retrier.Run(context.Background())
		}
	}()
}

func nextMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}
