// Package icon resolves source icons as a best-effort side channel. Every
// path in here returns an empty string on failure; nothing is allowed to
// fail or delay a refresh.
package icon

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/abelbrown/syndicate/internal/feed"
	"github.com/abelbrown/syndicate/internal/fetch"
	"github.com/abelbrown/syndicate/internal/logging"
)

// channelIDRe matches a YouTube channel id: UC plus 22 id characters.
var channelIDRe = regexp.MustCompile(`^UC[A-Za-z0-9_-]{22}$`)

// avatarJSONRe pulls the avatar URL out of the ytInitialData blob embedded
// in channel pages. Tried before any HTML fallback because the markup
// churns far more often than the JSON shape.
var avatarJSONRe = regexp.MustCompile(`"avatar":\s*\{"thumbnails":\s*\[\{"url":\s*"([^"]+)"`)

// avatarSizeRe matches the trailing size directive on a yt3 avatar URL.
var avatarSizeRe = regexp.MustCompile(`=s\d+[^"]*$`)

// channelPathRe matches a channel id embedded in a feed URL path.
var channelPathRe = regexp.MustCompile(`/channel/(UC[A-Za-z0-9_-]{22})`)

// subredditRe extracts the subreddit name from a feed URL path.
var subredditRe = regexp.MustCompile(`/r/([A-Za-z0-9_]+)`)

// Config holds the resolver's independent (and deliberately small)
// network budget.
type Config struct {
	Timeout time.Duration
	Retries int
}

// Resolver fetches source icons. Safe for concurrent use.
type Resolver struct {
	fetcher *fetch.Fetcher

	// endpoint bases, swappable in tests
	youtubeBase string
	redditBase  string
}

// New creates a Resolver with its own bounded fetcher.
func New(cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	return &Resolver{
		fetcher: fetch.New(fetch.Config{
			Timeout: cfg.Timeout,
			Retries: cfg.Retries,
		}),
		youtubeBase: "https://www.youtube.com",
		redditBase:  "https://www.reddit.com",
	}
}

// Resolve returns an icon URL for the source, or "" when none could be
// found. It never returns an error.
func (r *Resolver) Resolve(ctx context.Context, sourceURL string, typ feed.Type) string {
	switch typ {
	case feed.TypeYouTube:
		return r.youtubeAvatar(ctx, sourceURL)
	case feed.TypeReddit:
		return r.subredditIcon(ctx, sourceURL)
	default:
		return ""
	}
}

// youtubeAvatar scrapes the channel page for the avatar image. Extraction
// patterns are tried in order: structured JSON first, HTML meta/img last.
func (r *Resolver) youtubeAvatar(ctx context.Context, sourceURL string) string {
	id := channelID(sourceURL)
	if id == "" {
		return ""
	}

	body, err := r.fetcher.Fetch(ctx, r.youtubeBase+"/channel/"+id, nil)
	if err != nil {
		logging.Debug("youtube avatar fetch failed", "channel", id, "err", err)
		return ""
	}

	if m := avatarJSONRe.FindSubmatch(body); m != nil {
		return normalizeAvatar(string(m[1]))
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return ""
	}
	if u, ok := doc.Find(`meta[property="og:image"]`).Attr("content"); ok && u != "" {
		return normalizeAvatar(u)
	}
	if u, ok := doc.Find(`link[rel="image_src"]`).Attr("href"); ok && u != "" {
		return normalizeAvatar(u)
	}
	if u, ok := doc.Find("img#img").Attr("src"); ok && u != "" {
		return normalizeAvatar(u)
	}
	return ""
}

// normalizeAvatar rewrites the size directive to a fixed high-resolution
// variant so stored icons don't depend on whatever size the page embedded.
func normalizeAvatar(u string) string {
	u = strings.ReplaceAll(u, "&amp;", "&")
	if avatarSizeRe.MatchString(u) {
		return avatarSizeRe.ReplaceAllString(u, "=s512-c-k-c0x00ffffff-no-rj")
	}
	return u
}

// channelID extracts and validates the channel id from a feed URL.
func channelID(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return ""
	}
	id := u.Query().Get("channel_id")
	if id == "" {
		if m := channelPathRe.FindStringSubmatch(u.Path); m != nil {
			id = m[1]
		}
	}
	if !channelIDRe.MatchString(id) {
		return ""
	}
	return id
}

// subredditIcon asks the subreddit about endpoint for its icon.
func (r *Resolver) subredditIcon(ctx context.Context, sourceURL string) string {
	m := subredditRe.FindStringSubmatch(sourceURL)
	if m == nil {
		return ""
	}
	sub := m[1]

	body, err := r.fetcher.Fetch(ctx, r.redditBase+"/r/"+sub+"/about.json", nil)
	if err != nil {
		logging.Debug("subreddit icon fetch failed", "subreddit", sub, "err", err)
		return ""
	}

	var about struct {
		Data struct {
			CommunityIcon string `json:"community_icon"`
			IconImg       string `json:"icon_img"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &about); err != nil {
		return ""
	}

	icon := about.Data.CommunityIcon
	if icon == "" {
		icon = about.Data.IconImg
	}
	return cleanRedditIcon(icon)
}

// cleanRedditIcon decodes escaped ampersands and strips the signed query
// parameters, which expire and would rot in storage.
func cleanRedditIcon(icon string) string {
	if icon == "" {
		return ""
	}
	icon = strings.ReplaceAll(icon, "&amp;", "&")
	if i := strings.IndexByte(icon, '?'); i >= 0 {
		icon = icon[:i]
	}
	return icon
}
