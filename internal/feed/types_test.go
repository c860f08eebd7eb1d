package feed

import "testing"

func TestDetectVideoHostWinsOverPodcast(t *testing.T) {
	// A video-platform feed that happens to carry an audio enclosure must
	// still classify as youtube.
	parsed := &ParsedFeed{IsPodcast: true}
	got := Detect("https://www.youtube.com/feeds/videos.xml?channel_id=UCabcdefghijklmnopqrstuv", parsed)
	if got != TypeYouTube {
		t.Errorf("expected youtube, got %s", got)
	}
}

func TestDetectBySiteLink(t *testing.T) {
	parsed := &ParsedFeed{Link: "https://www.reddit.com/r/golang/"}
	if got := Detect("https://example.com/some-feed.rss", parsed); got != TypeReddit {
		t.Errorf("expected reddit, got %s", got)
	}
}

func TestDetectPodcast(t *testing.T) {
	parsed := &ParsedFeed{IsPodcast: true}
	if got := Detect("https://example.com/podcast.xml", parsed); got != TypePodcast {
		t.Errorf("expected podcast, got %s", got)
	}
}

func TestDetectAudioEnclosureAloneIsNotPodcast(t *testing.T) {
	// IsPodcast false: the parser only sets it for audio enclosures or
	// iTunes tags; an ordinary feed stays rss.
	parsed := &ParsedFeed{}
	if got := Detect("https://example.com/feed.xml", parsed); got != TypeRSS {
		t.Errorf("expected rss, got %s", got)
	}
}

func TestDetectSubdomains(t *testing.T) {
	cases := []struct {
		url  string
		want Type
	}{
		{"https://old.reddit.com/r/news/.rss", TypeReddit},
		{"https://m.youtube.com/feeds/videos.xml?channel_id=x", TypeYouTube},
		{"https://youtu.be/abc", TypeYouTube},
		{"https://notreddit.com/feed", TypeRSS},
		{"https://myredditfake.com/reddit.com/feed", TypeRSS},
	}
	for _, tc := range cases {
		if got := Detect(tc.url, &ParsedFeed{}); got != tc.want {
			t.Errorf("Detect(%s) = %s, want %s", tc.url, got, tc.want)
		}
	}
}

func TestDetectNilParsed(t *testing.T) {
	if got := Detect("https://example.com/feed", nil); got != TypeRSS {
		t.Errorf("expected rss for nil parsed feed, got %s", got)
	}
}
