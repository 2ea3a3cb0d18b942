package services

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Poller is satisfied by *market.Service.
type Poller interface {
	PollLoop(ctx context.Context, interval time.Duration) error
}

// RefreshSchedulerService refreshes the quote cache immediately and then every
// interval. It returns only when ctx is cancelled.
type RefreshSchedulerService struct {
	poller   Poller
	interval time.Duration
	name     string
}

func NewRefreshSchedulerService(poller Poller, interval time.Duration) *RefreshSchedulerService {
	return &RefreshSchedulerService{
		poller:   poller,
		interval: interval,
		name:     "refresh-scheduler",
	}
}

func (s *RefreshSchedulerService) Serve(ctx context.Context) error {
	err := s.poller.PollLoop(ctx, s.interval)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("refresh loop: %w", err)
	}
	return err
}

func (s *RefreshSchedulerService) String() string {
	return s.name
}
