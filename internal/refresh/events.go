package refresh

// Event is one unit of the progress protocol for a bulk refresh.
// Concrete types marshal directly to the wire payloads; the "type" tag is
// fixed by the constructor so consumers can dispatch on it.
type Event interface {
	event()
}

// Start opens the stream. Exactly one per operation, before any
// per-source event.
type Start struct {
	Type        string `json:"type"`
	OperationID string `json:"operation_id"`
	TotalFeeds  int    `json:"total_feeds"`
}

// FeedRefreshing announces that work on a source has begun.
type FeedRefreshing struct {
	Type  string `json:"type"`
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// FeedComplete is the terminal event for a source that refreshed cleanly.
type FeedComplete struct {
	Type        string `json:"type"`
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	NewArticles int    `json:"new_articles"`
	NextFetchAt string `json:"next_fetch_at,omitempty"`
}

// FeedError is the terminal event for a source whose refresh failed.
type FeedError struct {
	Type  string `json:"type"`
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Error string `json:"error"`
}

// Complete closes the stream. Exactly one per operation, after all
// per-source events, on every exit path.
type Complete struct {
	Type  string `json:"type"`
	Stats Stats  `json:"stats"`
}

// Stats aggregates one bulk refresh.
type Stats struct {
	Success     int          `json:"success"`
	Errors      int          `json:"errors"`
	FailedFeeds []FailedFeed `json:"failed_feeds"`
}

// FailedFeed names one failed source and why.
type FailedFeed struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Error string `json:"error"`
}

func (Start) event()          {}
func (FeedRefreshing) event() {}
func (FeedComplete) event()   {}
func (FeedError) event()      {}
func (Complete) event()       {}

func newStart(opID string, total int) Start {
	return Start{Type: "start", OperationID: opID, TotalFeeds: total}
}

func newFeedRefreshing(id int64, title string) FeedRefreshing {
	return FeedRefreshing{Type: "feed_refreshing", ID: id, Title: title}
}

func newFeedComplete(id int64, title string, newArticles int, nextFetchAt string) FeedComplete {
	return FeedComplete{Type: "feed_complete", ID: id, Title: title, NewArticles: newArticles, NextFetchAt: nextFetchAt}
}

func newFeedError(id int64, title, msg string) FeedError {
	return FeedError{Type: "feed_error", ID: id, Title: title, Error: msg}
}

func newComplete(stats Stats) Complete {
	if stats.FailedFeeds == nil {
		stats.FailedFeeds = []FailedFeed{}
	}
	return Complete{Type: "complete", Stats: stats}
}
