package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// StreamerConfig tunes the journal streamer.
type StreamerConfig struct {
	// BatchSize is how many journal rows to claim per poll.
	BatchSize int

	// PollInterval between polls when there is no work.
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent produce+archive work per batch.
	MaxConcurrency int
}

// Streamer drains the telemetry journal: it claims pending rows, produces
// each event to Kafka, archives it to object storage, and marks the row so
// the journal remains the source of truth for retries. The archiver is
// optional.
type Streamer struct {
	journal  Journal
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
	wg       sync.WaitGroup
}

func NewStreamer(journal Journal, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{
		journal:  journal,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
	}
}

// Run polls until ctx is cancelled; safe to run in a goroutine.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[telemetry.streamer] started (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[telemetry.streamer] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		default:
		}

		entries, err := s.journal.FetchPending(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[telemetry.streamer] fetch pending: %v", err)
			s.sleep(ctx)
			continue
		}
		if len(entries) == 0 {
			s.sleep(ctx)
			continue
		}

		for _, entry := range entries {
			sem <- struct{}{}
			s.wg.Add(1)
			go func(entry JournalEntry) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processEntry(ctx, entry); err != nil {
					log.Printf("[telemetry.streamer] entry %s: %v", entry.ID, err)
				}
			}(entry)
		}
		// Drain the batch before claiming more, keeping per-batch ordering.
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			sem <- struct{}{}
		}
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			<-sem
		}
	}
}

func (s *Streamer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.cfg.PollInterval):
	}
}

func (s *Streamer) processEntry(parentCtx context.Context, entry JournalEntry) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	value, err := json.Marshal(entry.Event)
	if err != nil {
		_ = s.journal.MarkResult(parentCtx, entry.ID, "", false, fmt.Sprintf("marshal: %v", err))
		return fmt.Errorf("marshal event: %w", err)
	}

	// Key by resource so per-resource ordering survives partitioning.
	key := []byte(entry.Event.ResourceKey)
	if len(key) == 0 {
		key = []byte(entry.ID)
	}
	if err := s.producer.Produce(ctx, key, value); err != nil {
		_ = s.journal.MarkResult(parentCtx, entry.ID, "", false, fmt.Sprintf("produce: %v", err))
		return fmt.Errorf("produce: %w", err)
	}

	archivedKey := ""
	if s.archiver != nil {
		archivedKey, err = s.archiver.Archive(ctx, entry.Event)
		if err != nil {
			_ = s.journal.MarkResult(parentCtx, entry.ID, "", false, fmt.Sprintf("archive: %v", err))
			return fmt.Errorf("archive: %w", err)
		}
	}

	if err := s.journal.MarkResult(parentCtx, entry.ID, archivedKey, true, ""); err != nil {
		return fmt.Errorf("mark streamed: %w", err)
	}
	return nil
}
