package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeJournal struct {
	mu      sync.Mutex
	pending []JournalEntry
	results map[string]markCall
}

type markCall struct {
	ArchivedKey string
	OK          bool
	ErrMsg      string
}

func newFakeJournal(entries ...JournalEntry) *fakeJournal {
	return &fakeJournal{pending: entries, results: map[string]markCall{}}
}

func (f *fakeJournal) Append(ctx context.Context, ev Event) error { return nil }

func (f *fakeJournal) FetchPending(ctx context.Context, limit int) ([]JournalEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	out := f.pending[:limit]
	f.pending = f.pending[limit:]
	return out, nil
}

func (f *fakeJournal) MarkResult(ctx context.Context, id, archivedKey string, ok bool, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[id] = markCall{ArchivedKey: archivedKey, OK: ok, ErrMsg: errMsg}
	return nil
}

func (f *fakeJournal) Ping(ctx context.Context) error { return nil }

func (f *fakeJournal) result(id string) (markCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[id]
	return r, ok
}

type fakeProducer struct {
	mu       sync.Mutex
	messages map[string][]byte
	err      error
	closed   bool
}

func (p *fakeProducer) Produce(ctx context.Context, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.messages == nil {
		p.messages = map[string][]byte{}
	}
	p.messages[string(key)] = value
	return nil
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeArchiver struct {
	err error
}

func (a *fakeArchiver) Archive(ctx context.Context, ev Event) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "telemetry/2025/06/01/" + ev.ID.String() + ".json", nil
}

func entryFor(ev Event) JournalEntry {
	return JournalEntry{ID: ev.ID.String(), Event: ev, Attempts: 1}
}

func TestProcessEntryProducesArchivesAndMarks(t *testing.T) {
	ev := New(AllocationGranted)
	ev.ResourceKey = "browser/studio:9222"
	journal := newFakeJournal()
	producer := &fakeProducer{}
	archiver := &fakeArchiver{}
	s := NewStreamer(journal, producer, archiver, StreamerConfig{})

	require.NoError(t, s.processEntry(context.Background(), entryFor(ev)))

	value, ok := producer.messages[ev.ResourceKey]
	require.True(t, ok, "message keyed by resource key")
	var decoded Event
	require.NoError(t, json.Unmarshal(value, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)

	result, ok := journal.result(ev.ID.String())
	require.True(t, ok)
	assert.True(t, result.OK)
	assert.Equal(t, "telemetry/2025/06/01/"+ev.ID.String()+".json", result.ArchivedKey)
}

func TestProcessEntryProduceFailureLeavesPending(t *testing.T) {
	ev := New(CircuitOpened)
	journal := newFakeJournal()
	producer := &fakeProducer{err: errors.New("broker down")}
	s := NewStreamer(journal, producer, nil, StreamerConfig{})

	err := s.processEntry(context.Background(), entryFor(ev))
	require.Error(t, err)

	result, ok := journal.result(ev.ID.String())
	require.True(t, ok)
	assert.False(t, result.OK)
	assert.Contains(t, result.ErrMsg, "produce")
}

func TestProcessEntryArchiveFailureLeavesPending(t *testing.T) {
	ev := New(ResourceReclaimed)
	ev.ResourceKey = "browser/studio:9222"
	journal := newFakeJournal()
	producer := &fakeProducer{}
	archiver := &fakeArchiver{err: errors.New("bucket unavailable")}
	s := NewStreamer(journal, producer, archiver, StreamerConfig{})

	err := s.processEntry(context.Background(), entryFor(ev))
	require.Error(t, err)

	result, ok := journal.result(ev.ID.String())
	require.True(t, ok)
	assert.False(t, result.OK)
	assert.Contains(t, result.ErrMsg, "archive")
}

func TestProcessEntryWithoutArchiverMarksStreamed(t *testing.T) {
	ev := New(TierFallback)
	journal := newFakeJournal()
	producer := &fakeProducer{}
	s := NewStreamer(journal, producer, nil, StreamerConfig{})

	require.NoError(t, s.processEntry(context.Background(), entryFor(ev)))

	result, ok := journal.result(ev.ID.String())
	require.True(t, ok)
	assert.True(t, result.OK)
	assert.Empty(t, result.ArchivedKey)
}

func TestProcessEntryFallsBackToEntryIDAsKey(t *testing.T) {
	ev := New(RouteFailed) // no resource key on route failures
	journal := newFakeJournal()
	producer := &fakeProducer{}
	s := NewStreamer(journal, producer, nil, StreamerConfig{})

	require.NoError(t, s.processEntry(context.Background(), entryFor(ev)))
	_, ok := producer.messages[ev.ID.String()]
	assert.True(t, ok)
}

func TestRunDrainsBatchThenStops(t *testing.T) {
	ev1 := New(AllocationGranted)
	ev1.ResourceKey = "browser/studio:9222"
	ev2 := New(ResourceReleased)
	ev2.ResourceKey = "browser/scraper:9223"
	journal := newFakeJournal(entryFor(ev1), entryFor(ev2))
	producer := &fakeProducer{}
	s := NewStreamer(journal, producer, nil, StreamerConfig{BatchSize: 2, MaxConcurrency: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		r1, ok1 := journal.result(ev1.ID.String())
		r2, ok2 := journal.result(ev2.ID.String())
		return ok1 && ok2 && r1.OK && r2.OK
	}, waitFor, tick)

	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	producer.mu.Lock()
	closed := producer.closed
	producer.mu.Unlock()
	assert.True(t, closed, "producer closed on shutdown")
}
