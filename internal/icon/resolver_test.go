package icon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/abelbrown/syndicate/internal/feed"
)

const testChannelID = "UCabcdefghijklmnopqrstuv"

func testResolver(base string) *Resolver {
	r := New(Config{Timeout: 2 * time.Second, Retries: 1})
	r.youtubeBase = base
	r.redditBase = base
	return r
}

func TestYouTubeAvatarFromJSONBlob(t *testing.T) {
	page := `<html><script>var ytInitialData = {"header":{"avatar":{"thumbnails":[{"url":"https://yt3.example.com/photo=s88-c-k-c0x00ffffff-no-rj","width":88}]}}};</script></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/channel/") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(page))
	}))
	defer srv.Close()

	r := testResolver(srv.URL)
	got := r.Resolve(context.Background(), "https://www.youtube.com/feeds/videos.xml?channel_id="+testChannelID, feed.TypeYouTube)
	if got != "https://yt3.example.com/photo=s512-c-k-c0x00ffffff-no-rj" {
		t.Errorf("unexpected avatar: %q", got)
	}
}

func TestYouTubeAvatarFromMetaFallback(t *testing.T) {
	page := `<html><head><meta property="og:image" content="https://yt3.example.com/meta=s900"></head></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(page))
	}))
	defer srv.Close()

	r := testResolver(srv.URL)
	got := r.Resolve(context.Background(), "https://www.youtube.com/feeds/videos.xml?channel_id="+testChannelID, feed.TypeYouTube)
	if !strings.Contains(got, "=s512") {
		t.Errorf("expected high-res variant, got %q", got)
	}
}

func TestYouTubeBadChannelID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("resolver should not fetch for a malformed channel id")
	}))
	defer srv.Close()

	r := testResolver(srv.URL)
	if got := r.Resolve(context.Background(), "https://www.youtube.com/feeds/videos.xml?channel_id=notachannel", feed.TypeYouTube); got != "" {
		t.Errorf("expected empty result, got %q", got)
	}
}

func TestYouTubeFetchFailureReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := testResolver(srv.URL)
	if got := r.Resolve(context.Background(), "https://www.youtube.com/feeds/videos.xml?channel_id="+testChannelID, feed.TypeYouTube); got != "" {
		t.Errorf("expected empty result on fetch failure, got %q", got)
	}
}

func TestSubredditIcon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/r/golang/about.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"data":{"community_icon":"https://styles.example.com/icon.png?width=256&amp;s=expiring","icon_img":""}}`))
	}))
	defer srv.Close()

	r := testResolver(srv.URL)
	got := r.Resolve(context.Background(), "https://www.reddit.com/r/golang/.rss", feed.TypeReddit)
	if got != "https://styles.example.com/icon.png" {
		t.Errorf("expected cleaned icon URL, got %q", got)
	}
}

func TestSubredditIconImgFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"community_icon":"","icon_img":"https://b.example.com/img.png?x=1"}}`))
	}))
	defer srv.Close()

	r := testResolver(srv.URL)
	got := r.Resolve(context.Background(), "https://www.reddit.com/r/golang/.rss", feed.TypeReddit)
	if got != "https://b.example.com/img.png" {
		t.Errorf("unexpected icon: %q", got)
	}
}

func TestResolveRSSIsNoop(t *testing.T) {
	r := testResolver("http://127.0.0.1:1") // must never be contacted
	if got := r.Resolve(context.Background(), "https://example.com/feed.xml", feed.TypeRSS); got != "" {
		t.Errorf("expected empty result for rss, got %q", got)
	}
}

func TestCleanRedditIcon(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://a.example.com/i.png?width=256&amp;s=abc", "https://a.example.com/i.png"},
		{"https://a.example.com/i.png", "https://a.example.com/i.png"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := cleanRedditIcon(tc.in); got != tc.want {
			t.Errorf("cleanRedditIcon(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
