// Package feed holds the domain types for feed ingestion: the ephemeral
// parsed shapes coming off the wire, the canonical normalized article, and
// the feed type classification they hang off.
package feed

import (
	"net/url"
	"strings"
	"time"
)

// Type classifies the origin of a feed. Closed set: adding a type means
// adding a normalizer strategy, nothing dispatches on raw strings.
type Type string

const (
	TypeRSS     Type = "rss"
	TypeYouTube Type = "youtube"
	TypeReddit  Type = "reddit"
	TypePodcast Type = "podcast"
)

// ParsedFeed is the structural result of one fetch. Ephemeral: consumed by
// the detector and normalizer, never persisted.
type ParsedFeed struct {
	Title       string
	Description string
	Link        string // canonical site link
	Favicon     string // best-effort, may be empty
	IsPodcast   bool   // any item carried an audio enclosure or iTunes tags
	Items       []RawArticle
}

// RawArticle is one feed item as decoded, before normalization.
type RawArticle struct {
	GUID       string // may be empty, normalizer synthesizes one
	Title      string
	Link       string
	Author     string
	Summary    string // unprocessed description
	Content    string // full content block if the feed carried one
	Enclosures []Enclosure
	Thumbnail  string // structured hint (media:thumbnail, itunes image)
	Published  *time.Time
}

// Enclosure is an attached media reference.
type Enclosure struct {
	URL    string
	Type   string
	Length string
}

// Article is the canonical, deduplicated record the pipeline produces.
// (SourceID, GUID) is the uniqueness key the store enforces.
type Article struct {
	SourceID     int64
	GUID         string
	Title        string
	URL          string // may be empty
	Author       string
	Summary      string // entity-decoded, HTML-stripped, bounded
	Content      string // raw HTML kept for the reader view
	EnclosureURL string
	EnclosureTyp string
	Thumbnail    string
	PublishedAt  *time.Time
}

// videoHosts are hosts whose feeds classify as youtube regardless of
// anything else the payload says.
var videoHosts = []string{"youtube.com", "youtu.be"}

// discussionHosts are hosts whose feeds classify as reddit.
var discussionHosts = []string{"reddit.com"}

// Detect classifies a parsed feed. First match wins: the URL and resolved
// site link are checked before the podcast flag, so a video-platform feed
// that happens to carry an audio enclosure still classifies as youtube.
func Detect(feedURL string, parsed *ParsedFeed) Type {
	link := ""
	if parsed != nil {
		link = parsed.Link
	}
	if matchesHost(feedURL, videoHosts) || matchesHost(link, videoHosts) {
		return TypeYouTube
	}
	if matchesHost(feedURL, discussionHosts) || matchesHost(link, discussionHosts) {
		return TypeReddit
	}
	if parsed != nil && parsed.IsPodcast {
		return TypePodcast
	}
	return TypeRSS
}

// matchesHost reports whether raw's host is one of hosts or a subdomain of one.
func matchesHost(raw string, hosts []string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	h := strings.ToLower(u.Hostname())
	for _, want := range hosts {
		if h == want || strings.HasSuffix(h, "."+want) {
			return true
		}
	}
	return false
}
