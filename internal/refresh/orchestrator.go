// Package refresh orchestrates bulk feed refreshes: batched concurrency
// over the fetch→parse→normalize→persist pipeline, with per-source and
// whole-operation timeouts and an ordered progress-event stream.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/syndicate/internal/feed"
	"github.com/abelbrown/syndicate/internal/logging"
	"github.com/abelbrown/syndicate/internal/store"
)

// ErrNoSources means the caller's target set resolved to nothing. This is
// rejected before the operation starts; an empty stream is never produced.
var ErrNoSources = errors.New("no sources to refresh")

// fetcher retrieves raw feed bytes. Interface for dependency injection (testing).
type fetcher interface {
	Fetch(ctx context.Context, url string, headers map[string]string) ([]byte, error)
}

// iconResolver resolves a source icon, best-effort. Never errors.
type iconResolver interface {
	Resolve(ctx context.Context, sourceURL string, typ feed.Type) string
}

// Persistence is the narrow store surface the pipeline consumes.
type Persistence interface {
	LoadSources(filter store.SourceFilter) ([]store.Source, error)
	UpsertArticles(sourceID int64, articles []feed.Article) (int, error)
	RecordOutcome(sourceID int64, o store.Outcome) error
	SetMeta(id int64, typ, title, icon string) error
}

// Config holds the orchestrator knobs.
type Config struct {
	BatchSize     int           // sources refreshed concurrently
	SourceTimeout time.Duration // budget for one source
	GlobalTimeout time.Duration // budget for the whole operation
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = 30 * time.Second
	}
	if c.GlobalTimeout <= 0 {
		c.GlobalTimeout = 5 * time.Minute
	}
	return c
}

// Orchestrator runs bulk refreshes. Safe for concurrent use; every Run call
// is an independent operation with its own event stream.
type Orchestrator struct {
	store      Persistence
	fetcher    fetcher
	parser     *feed.Parser
	normalizer *feed.Normalizer
	icons      iconResolver
	cfg        Config
}

// New creates an Orchestrator. icons may be nil to disable icon resolution.
func New(st Persistence, f fetcher, parser *feed.Parser, norm *feed.Normalizer, icons iconResolver, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:      st,
		fetcher:    f,
		parser:     parser,
		normalizer: norm,
		icons:      icons,
		cfg:        cfg.withDefaults(),
	}
}

// Run starts a bulk refresh over the filtered source set and returns the
// event stream. The stream always carries: one start, then for every source
// one feed_refreshing followed by exactly one terminal event, then exactly
// one complete, and is then closed. An empty target set is a caller error
// and returns ErrNoSources without starting anything.
func (o *Orchestrator) Run(ctx context.Context, filter store.SourceFilter) (<-chan Event, error) {
	sources, err := o.store.LoadSources(filter)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	if len(sources) == 0 {
		return nil, ErrNoSources
	}

	out := make(chan Event, o.cfg.BatchSize*2)
	go o.run(ctx, sources, out)
	return out, nil
}

// run drives one operation to completion. ctx is the caller's context;
// cancellation stops scheduling but the terminal complete event is still
// emitted and the channel always closed.
func (o *Orchestrator) run(ctx context.Context, sources []store.Source, out chan<- Event) {
	defer close(out)

	opID := uuid.NewString()
	log := logging.WithPrefix("refresh")
	if log != nil {
		log.Info("bulk refresh starting", "op", opID, "sources", len(sources))
	}

	// Work runs under the global deadline; event delivery only gives up
	// when the caller itself is gone.
	opCtx, cancel := context.WithTimeout(ctx, o.cfg.GlobalTimeout)
	defer cancel()

	emit(ctx, out, newStart(opID, len(sources)))

	var (
		mu    sync.Mutex
		stats Stats
	)
	attempted := 0

	for start := 0; start < len(sources); start += o.cfg.BatchSize {
		if opCtx.Err() != nil {
			break
		}
		end := start + o.cfg.BatchSize
		if end > len(sources) {
			end = len(sources)
		}

		var g errgroup.Group
		for _, src := range sources[start:end] {
			g.Go(func() error {
				res := o.refreshOne(opCtx, src, out, ctx)
				mu.Lock()
				if res.ok {
					stats.Success++
				} else {
					stats.Errors++
					stats.FailedFeeds = append(stats.FailedFeeds, FailedFeed{
						ID: src.ID, Title: sourceTitle(src), Error: res.errMsg,
					})
				}
				mu.Unlock()
				return nil
			})
		}
		// Workers never return errors; failures are reported per-source.
		_ = g.Wait()
		attempted = end
	}

	if opCtx.Err() != nil && attempted < len(sources) {
		stats.Errors++
		stats.FailedFeeds = append(stats.FailedFeeds, FailedFeed{
			Title: "operation",
			Error: fmt.Sprintf("global timeout: %d of %d sources not attempted", len(sources)-attempted, len(sources)),
		})
	}

	emit(ctx, out, newComplete(stats))
	if log != nil {
		log.Info("bulk refresh done", "op", opID, "success", stats.Success, "errors", stats.Errors)
	}
}

// result of one source refresh.
type result struct {
	ok     bool
	errMsg string
}

// refreshOne runs the pipeline for a single source under its own timeout.
// All failures are isolated here: converted to a feed_error event and an
// outcome record, never propagated to siblings.
func (o *Orchestrator) refreshOne(opCtx context.Context, src store.Source, out chan<- Event, callerCtx context.Context) result {
	title := sourceTitle(src)
	emit(callerCtx, out, newFeedRefreshing(src.ID, title))

	ctx, cancel := context.WithTimeout(opCtx, o.cfg.SourceTimeout)
	defer cancel()

	newArticles, nextFetch, err := o.refreshSource(ctx, src)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("timed out after %s", o.cfg.SourceTimeout)
		}
		if rerr := o.store.RecordOutcome(src.ID, store.Outcome{Error: msg}); rerr != nil {
			logging.Warn("record outcome failed", "source", src.ID, "err", rerr)
		}
		emit(callerCtx, out, newFeedError(src.ID, title, msg))
		return result{errMsg: msg}
	}

	outcome := store.Outcome{Success: true, NewArticles: newArticles, NextFetchAt: nextFetch}
	if rerr := o.store.RecordOutcome(src.ID, outcome); rerr != nil {
		logging.Warn("record outcome failed", "source", src.ID, "err", rerr)
	}
	emit(callerCtx, out, newFeedComplete(src.ID, title, newArticles, nextFetch.UTC().Format(time.RFC3339)))
	return result{ok: true}
}

// refreshSource is the fetch→parse→detect→normalize→persist pipeline for
// one source.
func (o *Orchestrator) refreshSource(ctx context.Context, src store.Source) (int, time.Time, error) {
	body, err := o.fetcher.Fetch(ctx, src.URL, nil)
	if err != nil {
		return 0, time.Time{}, err
	}

	parsed, err := o.parser.Parse(body, src.URL)
	if err != nil {
		return 0, time.Time{}, err
	}

	typ := feed.Detect(src.URL, parsed)

	// Best-effort metadata updates. Icon resolution runs inside the same
	// per-source budget but can only improve the source record; it cannot
	// fail the refresh.
	icon := ""
	if o.icons != nil && src.Icon == "" {
		icon = o.icons.Resolve(ctx, src.URL, typ)
	}
	if icon == "" && src.Icon == "" {
		icon = parsed.Favicon
	}
	metaTitle := ""
	if src.Title == "" {
		metaTitle = parsed.Title
	}
	if err := o.store.SetMeta(src.ID, string(typ), metaTitle, icon); err != nil {
		logging.Warn("set source meta failed", "source", src.ID, "err", err)
	}

	articles := make([]feed.Article, 0, len(parsed.Items))
	for _, raw := range parsed.Items {
		articles = append(articles, o.normalizer.Normalize(raw, typ, src.ID))
	}

	newCount, err := o.store.UpsertArticles(src.ID, articles)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("persist articles: %w", err)
	}

	cadence := time.Duration(src.CadenceMinutes) * time.Minute
	if cadence <= 0 {
		cadence = time.Hour
	}
	return newCount, time.Now().Add(cadence), nil
}

// emit delivers an event unless the caller has gone away. A final
// non-blocking attempt still runs after caller cancellation so a buffered
// reader can observe the terminal event.
func emit(callerCtx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
	case <-callerCtx.Done():
		select {
		case out <- ev:
		default:
		}
	}
}

func sourceTitle(src store.Source) string {
	if src.Title != "" {
		return src.Title
	}
	return src.URL
}
