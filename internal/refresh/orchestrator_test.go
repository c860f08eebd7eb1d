package refresh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abelbrown/syndicate/internal/feed"
	"github.com/abelbrown/syndicate/internal/store"
)

const testRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Test Feed</title>
    <link>https://example.com</link>
    <item>
      <guid>item-1</guid>
      <title>Article 1</title>
      <link>https://example.com/article1</link>
      <description>First article</description>
    </item>
    <item>
      <guid>item-2</guid>
      <title>Article 2</title>
      <link>https://example.com/article2</link>
      <description>Second article</description>
    </item>
  </channel>
</rss>`

// fakeFetcher serves canned payloads keyed by URL. A nil entry blocks
// until the context is cancelled, simulating a hung source.
type fakeFetcher struct {
	payloads map[string][]byte
	errs     map[string]error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, _ map[string]string) ([]byte, error) {
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	body, ok := f.payloads[url]
	if !ok || body == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return body, nil
}

// fakeStore is an in-memory Persistence for orchestrator tests.
type fakeStore struct {
	mu       sync.Mutex
	sources  []store.Source
	outcomes map[int64]store.Outcome
	guids    map[int64]map[string]bool
}

func newFakeStore(sources ...store.Source) *fakeStore {
	return &fakeStore{
		sources:  sources,
		outcomes: make(map[int64]store.Outcome),
		guids:    make(map[int64]map[string]bool),
	}
}

func (s *fakeStore) LoadSources(filter store.SourceFilter) ([]store.Source, error) {
	if len(filter.IDs) == 0 {
		return s.sources, nil
	}
	var out []store.Source
	for _, id := range filter.IDs {
		for _, src := range s.sources {
			if src.ID == id {
				out = append(out, src)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertArticles(sourceID int64, articles []feed.Article) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := s.guids[sourceID]
	if seen == nil {
		seen = make(map[string]bool)
		s.guids[sourceID] = seen
	}
	n := 0
	for _, a := range articles {
		if !seen[a.GUID] {
			seen[a.GUID] = true
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) RecordOutcome(sourceID int64, o store.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[sourceID] = o
	return nil
}

func (s *fakeStore) SetMeta(int64, string, string, string) error { return nil }

func testSources(n int) []store.Source {
	out := make([]store.Source, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, store.Source{
			ID:             int64(i),
			URL:            fmt.Sprintf("https://feed%d.example.com/rss", i),
			Title:          fmt.Sprintf("Feed %d", i),
			CadenceMinutes: 60,
		})
	}
	return out
}

func allOK(sources []store.Source) *fakeFetcher {
	f := &fakeFetcher{payloads: make(map[string][]byte), errs: make(map[string]error)}
	for _, src := range sources {
		f.payloads[src.URL] = []byte(testRSS)
	}
	return f
}

func newTestOrchestrator(st Persistence, f fetcher, cfg Config) *Orchestrator {
	return New(st, f, feed.NewParser(), feed.NewNormalizer(500), nil, cfg)
}

// drain collects every event until the channel closes.
func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream did not close; got %d events", len(out))
		}
	}
}

func TestRunEmptyTargetSetRejected(t *testing.T) {
	st := newFakeStore()
	o := newTestOrchestrator(st, &fakeFetcher{}, Config{})

	_, err := o.Run(context.Background(), store.SourceFilter{})
	if !errors.Is(err, ErrNoSources) {
		t.Fatalf("expected ErrNoSources, got %v", err)
	}
}

func TestEventOrdering(t *testing.T) {
	sources := testSources(7)
	st := newFakeStore(sources...)
	o := newTestOrchestrator(st, allOK(sources), Config{BatchSize: 3})

	events, err := o.Run(context.Background(), store.SourceFilter{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	all := drain(t, events)

	if len(all) == 0 {
		t.Fatal("no events")
	}

	start, ok := all[0].(Start)
	if !ok {
		t.Fatalf("first event is %T, want Start", all[0])
	}
	if start.TotalFeeds != 7 {
		t.Errorf("expected total_feeds 7, got %d", start.TotalFeeds)
	}

	last, ok := all[len(all)-1].(Complete)
	if !ok {
		t.Fatalf("last event is %T, want Complete", all[len(all)-1])
	}
	if last.Stats.Success != 7 || last.Stats.Errors != 0 {
		t.Errorf("unexpected stats: %+v", last.Stats)
	}

	// Exactly one refreshing and one terminal per source, refreshing first.
	refreshing := make(map[int64]int)
	terminal := make(map[int64]int)
	completes := 0
	for _, ev := range all {
		switch ev := ev.(type) {
		case FeedRefreshing:
			refreshing[ev.ID]++
			if terminal[ev.ID] > 0 {
				t.Errorf("source %d: refreshing after terminal event", ev.ID)
			}
		case FeedComplete:
			terminal[ev.ID]++
			if refreshing[ev.ID] == 0 {
				t.Errorf("source %d: terminal event before refreshing", ev.ID)
			}
		case FeedError:
			terminal[ev.ID]++
		case Complete:
			completes++
		}
	}
	if completes != 1 {
		t.Errorf("expected exactly one complete, got %d", completes)
	}
	for _, src := range sources {
		if refreshing[src.ID] != 1 {
			t.Errorf("source %d: %d refreshing events", src.ID, refreshing[src.ID])
		}
		if terminal[src.ID] != 1 {
			t.Errorf("source %d: %d terminal events", src.ID, terminal[src.ID])
		}
	}
}

func TestFailureIsolation(t *testing.T) {
	sources := testSources(3)
	f := allOK(sources)
	f.errs[sources[1].URL] = errors.New("connection refused")

	st := newFakeStore(sources...)
	o := newTestOrchestrator(st, f, Config{BatchSize: 3})

	events, err := o.Run(context.Background(), store.SourceFilter{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	all := drain(t, events)

	last := all[len(all)-1].(Complete)
	if last.Stats.Success != 2 || last.Stats.Errors != 1 {
		t.Errorf("unexpected stats: %+v", last.Stats)
	}
	if len(last.Stats.FailedFeeds) != 1 {
		t.Fatalf("expected 1 failed feed, got %d", len(last.Stats.FailedFeeds))
	}
	failed := last.Stats.FailedFeeds[0]
	if failed.ID != sources[1].ID || !strings.Contains(failed.Error, "connection refused") {
		t.Errorf("unexpected failed feed: %+v", failed)
	}

	// The failing source's outcome is recorded as a failure.
	if o := st.outcomes[sources[1].ID]; o.Success {
		t.Error("failed source recorded as success")
	}
	if o := st.outcomes[sources[0].ID]; !o.Success || o.NewArticles != 2 {
		t.Errorf("unexpected outcome for healthy source: %+v", o)
	}
}

func TestPerSourceTimeoutDoesNotBlockBatch(t *testing.T) {
	sources := testSources(3)
	f := allOK(sources)
	f.payloads[sources[0].URL] = nil // hangs until context cancelled

	st := newFakeStore(sources...)
	o := newTestOrchestrator(st, f, Config{
		BatchSize:     3,
		SourceTimeout: 100 * time.Millisecond,
	})

	events, err := o.Run(context.Background(), store.SourceFilter{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	all := drain(t, events)

	last := all[len(all)-1].(Complete)
	if last.Stats.Success != 2 || last.Stats.Errors != 1 {
		t.Errorf("unexpected stats: %+v", last.Stats)
	}
	if !strings.Contains(last.Stats.FailedFeeds[0].Error, "timed out") {
		t.Errorf("expected timeout message, got %q", last.Stats.FailedFeeds[0].Error)
	}
}

func TestGlobalTimeoutStillCompletes(t *testing.T) {
	sources := testSources(4)
	f := &fakeFetcher{} // every fetch hangs

	st := newFakeStore(sources...)
	o := newTestOrchestrator(st, f, Config{
		BatchSize:     2,
		SourceTimeout: 10 * time.Second,
		GlobalTimeout: 150 * time.Millisecond,
	})

	events, err := o.Run(context.Background(), store.SourceFilter{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	all := drain(t, events)

	last, ok := all[len(all)-1].(Complete)
	if !ok {
		t.Fatalf("last event is %T, want Complete", all[len(all)-1])
	}
	if last.Stats.Success != 0 {
		t.Errorf("expected no successes, got %d", last.Stats.Success)
	}
	// The first batch fails on the operation deadline; the second batch is
	// never scheduled and shows up as the aggregate entry.
	foundAggregate := false
	for _, fd := range last.Stats.FailedFeeds {
		if strings.Contains(fd.Error, "global timeout") {
			foundAggregate = true
		}
	}
	if !foundAggregate {
		t.Errorf("expected aggregate global-timeout entry, got %+v", last.Stats.FailedFeeds)
	}
}

func TestCallerCancelClosesStream(t *testing.T) {
	sources := testSources(2)
	f := &fakeFetcher{} // every fetch hangs until cancelled

	st := newFakeStore(sources...)
	o := newTestOrchestrator(st, f, Config{BatchSize: 2, SourceTimeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	events, err := o.Run(ctx, store.SourceFilter{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Consume the start event, then walk away mid-operation.
	if _, ok := (<-events).(Start); !ok {
		t.Fatal("expected start event first")
	}
	cancel()

	// The stream must still drain to a close; at most one complete.
	completes := 0
	for _, ev := range drain(t, events) {
		if _, ok := ev.(Complete); ok {
			completes++
		}
	}
	if completes > 1 {
		t.Errorf("expected at most one complete after cancel, got %d", completes)
	}
}

func TestExplicitIDs(t *testing.T) {
	sources := testSources(3)
	st := newFakeStore(sources...)
	o := newTestOrchestrator(st, allOK(sources), Config{})

	events, err := o.Run(context.Background(), store.SourceFilter{IDs: []int64{2}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	all := drain(t, events)

	start := all[0].(Start)
	if start.TotalFeeds != 1 {
		t.Errorf("expected total_feeds 1, got %d", start.TotalFeeds)
	}
}

func TestReingestIsIdempotent(t *testing.T) {
	// Real store end to end: the second pass over an identical payload
	// must insert nothing.
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	id, err := st.AddSource("https://feed1.example.com/rss", "Feed 1", 60)
	if err != nil {
		t.Fatalf("add source: %v", err)
	}

	f := &fakeFetcher{payloads: map[string][]byte{
		"https://feed1.example.com/rss": []byte(testRSS),
	}}
	o := newTestOrchestrator(st, f, Config{})

	for pass, want := range []int{2, 0} {
		events, err := o.Run(context.Background(), store.SourceFilter{IDs: []int64{id}})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		var got int
		for _, ev := range drain(t, events) {
			if fc, ok := ev.(FeedComplete); ok {
				got = fc.NewArticles
			}
		}
		if got != want {
			t.Errorf("pass %d: expected %d new articles, got %d", pass, want, got)
		}
	}
}
