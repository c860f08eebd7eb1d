package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// htmlTagRe matches HTML tags.
var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// whitespaceRe matches runs of whitespace.
var whitespaceRe = regexp.MustCompile(`\s+`)

// youtubeIDRe matches an 11-character video id.
var youtubeIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// normalizer applies the type-specific half of normalization, after the
// shared cleanup has run.
type normalizer interface {
	normalize(raw RawArticle, art *Article)
}

// Normalizer maps raw feed items into canonical articles.
type Normalizer struct {
	summaryMax int
	strategies map[Type]normalizer
}

// NewNormalizer creates a Normalizer. summaryMax caps summaries in runes;
// values <= 0 fall back to 500.
func NewNormalizer(summaryMax int) *Normalizer {
	if summaryMax <= 0 {
		summaryMax = 500
	}
	return &Normalizer{
		summaryMax: summaryMax,
		strategies: map[Type]normalizer{
			TypeRSS:     passthrough{},
			TypePodcast: passthrough{},
			TypeYouTube: youtubeNormalizer{},
			TypeReddit:  redditNormalizer{},
		},
	}
}

// Normalize produces the canonical article for one raw item. It is pure:
// ingesting the same item twice yields an identical article, which is what
// makes the (source_id, guid) dedup key work.
func (n *Normalizer) Normalize(raw RawArticle, typ Type, sourceID int64) Article {
	art := Article{
		SourceID:    sourceID,
		Title:       html.UnescapeString(raw.Title),
		URL:         raw.Link,
		Author:      raw.Author,
		Content:     raw.Content,
		Thumbnail:   raw.Thumbnail,
		PublishedAt: raw.Published,
	}

	if len(raw.Enclosures) > 0 {
		art.EnclosureURL = raw.Enclosures[0].URL
		art.EnclosureTyp = raw.Enclosures[0].Type
	}

	if strat, ok := n.strategies[typ]; ok {
		strat.normalize(raw, &art)
	}

	if art.Summary == "" {
		src := raw.Summary
		if src == "" {
			src = art.Content
		}
		art.Summary = StripHTML(src)
	}
	art.Summary = truncate(art.Summary, n.summaryMax)

	if art.Thumbnail == "" && art.Content != "" {
		art.Thumbnail = firstImage(art.Content)
	}

	art.GUID = guidFor(raw)
	return art
}

// guidFor picks the dedup key: the feed's guid, else the link, else a
// deterministic hash so repeated ingestion of a malformed item can't fork
// into duplicates.
func guidFor(raw RawArticle) string {
	if raw.GUID != "" {
		return raw.GUID
	}
	if raw.Link != "" {
		return raw.Link
	}
	key := raw.Title + "|" + raw.Link
	if raw.Published != nil {
		key += "|" + raw.Published.UTC().Format("2006-01-02T15:04:05Z")
	}
	sum := sha256.Sum256([]byte(key))
	return "generated-" + hex.EncodeToString(sum[:8])
}

// passthrough covers plain rss and podcast items: the shared cleanup is all
// they need, the enclosure selection above already carried the audio ref.
type passthrough struct{}

func (passthrough) normalize(RawArticle, *Article) {}

// youtubeNormalizer derives the video id and synthesizes the watch URL and
// thumbnail when the feed omitted them.
type youtubeNormalizer struct{}

func (youtubeNormalizer) normalize(raw RawArticle, art *Article) {
	id := youtubeVideoID(raw)
	if id == "" {
		return
	}
	if art.URL == "" {
		art.URL = "https://www.youtube.com/watch?v=" + id
	}
	if art.Thumbnail == "" {
		art.Thumbnail = fmt.Sprintf("https://i.ytimg.com/vi/%s/hqdefault.jpg", id)
	}
}

// youtubeVideoID extracts the 11-character video id from the guid
// (yt:video:ID form) or from the link.
func youtubeVideoID(raw RawArticle) string {
	if rest, ok := strings.CutPrefix(raw.GUID, "yt:video:"); ok && youtubeIDRe.MatchString(rest) {
		return rest
	}
	if raw.Link == "" {
		return ""
	}
	u, err := url.Parse(raw.Link)
	if err != nil {
		return ""
	}
	if v := u.Query().Get("v"); youtubeIDRe.MatchString(v) {
		return v
	}
	path := strings.Trim(u.Path, "/")
	if strings.EqualFold(u.Hostname(), "youtu.be") && youtubeIDRe.MatchString(path) {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "embed/"); ok && youtubeIDRe.MatchString(rest) {
		return rest
	}
	return ""
}

// redditNormalizer strips the boilerplate footer reddit appends to every
// item and upgrades preview thumbnails to their full-size variant.
type redditNormalizer struct{}

func (redditNormalizer) normalize(raw RawArticle, art *Article) {
	cleaned := stripRedditFooter(art.Content)
	if cleaned == "" {
		cleaned = stripRedditFooter(raw.Summary)
	}
	art.Content = cleaned
	// Regenerate from the cleaned content so "submitted by" boilerplate
	// never leaks into the summary.
	art.Summary = StripHTML(cleaned)

	if art.Author != "" && !strings.HasPrefix(art.Author, "u/") && !strings.HasPrefix(art.Author, "/u/") {
		art.Author = "u/" + art.Author
	}

	art.Thumbnail = upgradeRedditThumbnail(art.Thumbnail)
}

// stripRedditFooter removes the trailing "submitted by /u/… to /r/…" table.
func stripRedditFooter(content string) string {
	if content == "" || !strings.Contains(content, "<table") {
		return content
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return content
	}
	doc.Find("table").Each(func(_ int, sel *goquery.Selection) {
		if strings.Contains(sel.Text(), "submitted by") {
			sel.Remove()
		}
	})
	out, err := doc.Find("body").Html()
	if err != nil {
		return content
	}
	return strings.TrimSpace(out)
}

// upgradeRedditThumbnail drops the size-limiting query parameters from
// preview URLs. Direct i.redd.it links pass through unchanged.
func upgradeRedditThumbnail(thumb string) string {
	if thumb == "" {
		return thumb
	}
	u, err := url.Parse(thumb)
	if err != nil {
		return thumb
	}
	host := strings.ToLower(u.Hostname())
	if host == "preview.redd.it" || host == "external-preview.redd.it" {
		u.RawQuery = ""
		return u.String()
	}
	return thumb
}

// StripHTML reduces an HTML fragment to entity-decoded plain text with
// collapsed whitespace.
func StripHTML(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// firstImage returns the src of the first <img> in an HTML fragment.
func firstImage(content string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return ""
	}
	src, _ := doc.Find("img").First().Attr("src")
	return src
}

// truncate shortens a string to maxLen runes, adding "..." if truncated.
// Rune-aware so UTF-8 characters never get split.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
