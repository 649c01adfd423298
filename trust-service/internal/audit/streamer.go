package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// StreamerConfig configures the DB-first streamer.
type StreamerConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxConcurrency int
	// MaxAttempts bounds retries of failed events.
	MaxAttempts int
	// LeaseTimeout is how long a claimed event may stay in progress before
	// another run reclaims it.
	LeaseTimeout time.Duration
}

// markTimeout bounds the write that records an event's outcome. That write
// runs even after the streamer's context is cancelled.
const markTimeout = 5 * time.Second

// Streamer claims pending events from the Store, produces them to Kafka,
// archives them to S3 and records the outcome back in the Store. Either
// sink may be nil.
type Streamer struct {
	store    Store
	producer Producer
	archiver Archiver
	cfg      StreamerConfig

	// OnResult, when set, observes each processed event.
	OnResult func(ev *Event, err error)

	wg sync.WaitGroup
}

func NewStreamer(store Store, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 5 * time.Minute
	}
	return &Streamer{store: store, producer: producer, archiver: archiver, cfg: cfg}
}

// Run polls until ctx is cancelled, then waits for in-flight events.
func (s *Streamer) Run(ctx context.Context) error {
	slog.Info("[audit.streamer] starting", "batch", s.cfg.BatchSize, "concurrency", s.cfg.MaxConcurrency)
	defer slog.Info("[audit.streamer] stopped")

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := s.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("[audit.streamer] fetch pending", "error", err)
		}
		if n == s.cfg.BatchSize && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce processes a single batch and returns how many events it claimed.
func (s *Streamer) RunOnce(ctx context.Context) (int, error) {
	staleBefore := time.Now().UTC().Add(-s.cfg.LeaseTimeout)
	events, err := s.store.FetchPending(ctx, s.cfg.BatchSize, s.cfg.MaxAttempts, staleBefore)
	if err != nil {
		return 0, err
	}
	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	for _, ev := range events {
		sem <- struct{}{}
		s.wg.Add(1)
		go func(ev *Event) {
			defer func() {
				<-sem
				s.wg.Done()
			}()
			err := s.processEvent(ctx, ev)
			if err != nil {
				slog.Warn("[audit.streamer] process event", "event_id", ev.ID, "error", err)
			}
			if s.OnResult != nil {
				s.OnResult(ev, err)
			}
		}(ev)
	}
	s.wg.Wait()
	return len(events), nil
}

func (s *Streamer) processEvent(parent context.Context, ev *Event) error {
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()

	body, err := json.Marshal(ev)
	if err != nil {
		return s.markFailed(parent, ev, fmt.Errorf("encode envelope: %w", err))
	}

	if s.producer != nil {
		if _, err := s.producer.Produce(ctx, []byte(ev.Subject), body); err != nil {
			return s.markFailed(parent, ev, fmt.Errorf("kafka produce: %w", err))
		}
	}

	var key string
	if s.archiver != nil {
		key, err = s.archiver.Archive(ctx, ev, body)
		if err != nil {
			return s.markFailed(parent, ev, fmt.Errorf("s3 archive: %w", err))
		}
	}

	if err := s.mark(parent, ev.ID, key, nil); err != nil {
		return fmt.Errorf("mark event streamed: %w", err)
	}
	slog.Debug("[audit.streamer] event streamed", "event_id", ev.ID, "type", ev.EventType, "object_key", key)
	return nil
}

// markFailed records streamErr on the event and returns it.
func (s *Streamer) markFailed(parent context.Context, ev *Event, streamErr error) error {
	if err := s.mark(parent, ev.ID, "", streamErr); err != nil {
		slog.Error("[audit.streamer] mark event failed", "event_id", ev.ID, "error", err)
	}
	return streamErr
}

// mark writes the outcome detached from parent's cancellation, so a
// shutdown mid-stream still leaves the row retryable.
func (s *Streamer) mark(parent context.Context, id, objectKey string, streamErr error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), markTimeout)
	defer cancel()
	return s.store.MarkStreamResult(ctx, id, objectKey, streamErr)
}
