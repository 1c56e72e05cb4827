package telemetry

import (
	"context"
	"log"
	"time"
)

// Journal is durable storage for emitted events. The DB is the source of
// truth for downstream streaming: rows start pending and are marked once
// produced and archived.
type Journal interface {
	Append(ctx context.Context, ev Event) error
	FetchPending(ctx context.Context, limit int) ([]JournalEntry, error)
	MarkResult(ctx context.Context, id string, archivedKey string, ok bool, errMsg string) error
	Ping(ctx context.Context) error
}

// JournalEntry is one journal row claimed for streaming.
type JournalEntry struct {
	ID       string
	Event    Event
	Attempts int
}

// journalQueueSize bounds the events waiting on the append worker.
const journalQueueSize = 256

// JournalSink adapts a Journal to the Sink interface so the coordinator and
// router stay unaware of persistence. Emit only enqueues; a single worker
// goroutine does the appends, so emitters never wait on the database. When
// the queue is full the event is dropped and logged rather than blocking
// an allocation, and append failures are logged, never surfaced.
type JournalSink struct {
	journal Journal
	queue   chan Event
	done    chan struct{}
}

func NewJournalSink(journal Journal) *JournalSink {
	s := &JournalSink{
		journal: journal,
		queue:   make(chan Event, journalQueueSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *JournalSink) Emit(ev Event) {
	select {
	case s.queue <- ev:
	default:
		log.Printf("[telemetry] journal queue full, dropping %s %s", ev.Type, ev.ID)
	}
}

func (s *JournalSink) run() {
	defer close(s.done)
	for ev := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.journal.Append(ctx, ev); err != nil {
			log.Printf("[telemetry] journal append %s: %v", ev.Type, err)
		}
		cancel()
	}
}

// Close drains the queue and stops the worker. No Emit may follow Close.
func (s *JournalSink) Close() {
	close(s.queue)
	<-s.done
}
