package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type mockServer struct {
	runErr   error
	stopCh   chan struct{}
	stopOnce sync.Once
	shutdown atomic.Int32
}

func newMockServer() *mockServer {
	return &mockServer{stopCh: make(chan struct{})}
}

func (m *mockServer) Run() error {
	if m.runErr != nil {
		return m.runErr
	}
	<-m.stopCh
	return nil
}

func (m *mockServer) Shutdown(context.Context) error {
	m.shutdown.Add(1)
	m.stopOnce.Do(func() { close(m.stopCh) })
	return nil
}

func TestHTTPServerServiceShutsDownOnCancel(t *testing.T) {
	var built atomic.Int32
	srv := newMockServer()
	svc := NewHTTPServerService(func() HTTPServer {
		built.Add(1)
		return srv
	}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if srv.shutdown.Load() != 1 || built.Load() != 1 {
		t.Fatalf("shutdown=%d built=%d", srv.shutdown.Load(), built.Load())
	}
	if svc.String() != "http-server" {
		t.Fatalf("unexpected name %q", svc.String())
	}
}

func TestHTTPServerServiceReportsRunError(t *testing.T) {
	srv := newMockServer()
	srv.runErr = errors.New("address in use")
	svc := NewHTTPServerService(func() HTTPServer { return srv }, 0)

	err := svc.Serve(context.Background())
	if err == nil || !errors.Is(err, srv.runErr) {
		t.Fatalf("expected wrapped run error, got %v", err)
	}
}

type mockPoller struct {
	interval time.Duration
	err      error
}

func (m *mockPoller) PollLoop(ctx context.Context, interval time.Duration) error {
	m.interval = interval
	if m.err != nil {
		return m.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRefreshSchedulerService(t *testing.T) {
	p := &mockPoller{}
	svc := NewRefreshSchedulerService(p, 15*time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := svc.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if p.interval != 15*time.Minute {
		t.Fatalf("interval not passed through: %v", p.interval)
	}

	failing := NewRefreshSchedulerService(&mockPoller{err: errors.New("boom")}, time.Minute)
	if err := failing.Serve(context.Background()); err == nil || err.Error() != "refresh loop: boom" {
		t.Fatalf("unexpected error %v", err)
	}
}

type mockCleaner struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (m *mockCleaner) CleanupPriceHistory(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, before)
	return 3, nil
}

func (m *mockCleaner) calls() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.cutoffs...)
}

func TestRetentionServiceRunsAtStartAndOnTick(t *testing.T) {
	cleaner := &mockCleaner{}
	svc := NewRetentionService(cleaner, 30*24*time.Hour, 10*time.Millisecond)
	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	_ = svc.Serve(ctx)

	got := cleaner.calls()
	if len(got) < 2 {
		t.Fatalf("expected cleanup at start and on tick, got %d calls", len(got))
	}
	if want := now.AddDate(0, 0, -30); !got[0].Equal(want) {
		t.Fatalf("cutoff = %v, want %v", got[0], want)
	}
}

func TestRetentionServiceDisabled(t *testing.T) {
	cleaner := &mockCleaner{}
	svc := NewRetentionService(cleaner, 0, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = svc.Serve(ctx)
	if len(cleaner.calls()) != 0 {
		t.Fatal("cleanup should not run with zero retention")
	}
}
