package schedule

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// RetryScheduler re-attempts delivery of messages that failed with the
// temporary status on a cron schedule. Permanent failures and delivered
// messages are never retried.
type RetryScheduler struct {
	relay  *Relay
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	pending []*Message
}

// NewRetryScheduler builds a scheduler around the relay with the given cron
// spec, e.g. "@every 5m".
func NewRetryScheduler(relay *Relay, spec string, logger *slog.Logger) (*RetryScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RetryScheduler{
		relay:  relay,
		cron:   cron.New(),
		logger: logger,
	}
	if _, err := s.cron.AddFunc(spec, s.flush); err != nil {
		return nil, err
	}
	return s, nil
}

// Enqueue registers a message for retry. Messages in any state other than
// the temporary failure status are ignored.
func (s *RetryScheduler) Enqueue(msg *Message) {
	if msg.ScheduleStatus != StatusFailTemporary {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, msg)
	s.mu.Unlock()
}

// Pending reports how many messages await retry.
func (s *RetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Start begins running retries on the configured schedule.
func (s *RetryScheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running flush to finish.
func (s *RetryScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Flush retries every pending message once, keeping the ones that fail
// temporarily again.
func (s *RetryScheduler) Flush() {
	s.flush()
}

func (s *RetryScheduler) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	s.logger.Debug("retrying scheduling messages", "count", len(batch))
	var still []*Message
	for _, msg := range batch {
		s.relay.Schedule(context.Background(), msg)
		if msg.ScheduleStatus == StatusFailTemporary {
			still = append(still, msg)
		}
	}
	if len(still) > 0 {
		s.mu.Lock()
		s.pending = append(still, s.pending...)
		s.mu.Unlock()
	}
}
