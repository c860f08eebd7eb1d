package feed

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"
)

// ErrMissingMetadata means the payload decoded but carried no usable
// feed-level metadata.
var ErrMissingMetadata = errors.New("feed missing metadata")

// platform favicon defaults, used when the feed declares no image of its own.
const (
	youtubeFavicon = "https://www.youtube.com/s/desktop/favicon.ico"
	redditFavicon  = "https://www.redditstatic.com/desktop2x/img/favicon/favicon-96x96.png"
	faviconService = "https://www.google.com/s2/favicons?sz=64&domain="
)

// Parser decodes raw feed payloads into ParsedFeed. gofeed streams the XML
// through an incremental pull parser, so oversized or sloppy feeds don't
// force a DOM into memory.
type Parser struct {
	inner *gofeed.Parser
}

// NewParser creates a Parser.
func NewParser() *Parser {
	return &Parser{inner: gofeed.NewParser()}
}

// Parse decodes body into a ParsedFeed. sourceURL is only used for favicon
// derivation, never fetched.
func (p *Parser) Parse(body []byte, sourceURL string) (*ParsedFeed, error) {
	f, err := p.inner.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	if f.Title == "" && f.Link == "" {
		return nil, ErrMissingMetadata
	}

	parsed := &ParsedFeed{
		Title:       f.Title,
		Description: f.Description,
		Link:        f.Link,
		IsPodcast:   f.ITunesExt != nil,
	}

	for _, item := range f.Items {
		raw := convertItem(item)
		for _, enc := range raw.Enclosures {
			if strings.HasPrefix(enc.Type, "audio/") {
				parsed.IsPodcast = true
			}
		}
		if item.ITunesExt != nil {
			parsed.IsPodcast = true
		}
		parsed.Items = append(parsed.Items, raw)
	}

	parsed.Favicon = resolveFavicon(f, sourceURL)
	return parsed, nil
}

// convertItem maps one gofeed item to a RawArticle with best-effort field
// coalescing: structured fields first, alternates as fallback.
func convertItem(item *gofeed.Item) RawArticle {
	raw := RawArticle{
		GUID:      item.GUID,
		Title:     item.Title,
		Link:      item.Link,
		Summary:   item.Description,
		Content:   item.Content,
		Published: item.PublishedParsed,
	}

	if raw.Published == nil {
		raw.Published = item.UpdatedParsed
	}
	if raw.Link == "" {
		raw.Link = extensionValue(item, "feedburner", "origLink")
	}
	if raw.Summary == "" {
		raw.Summary = item.Content
	}
	if item.Author != nil {
		raw.Author = item.Author.Name
	}
	if raw.Author == "" && len(item.Authors) > 0 {
		raw.Author = item.Authors[0].Name
	}

	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		raw.Enclosures = append(raw.Enclosures, Enclosure{
			URL:    enc.URL,
			Type:   enc.Type,
			Length: enc.Length,
		})
	}

	if item.Image != nil {
		raw.Thumbnail = item.Image.URL
	}
	if raw.Thumbnail == "" {
		raw.Thumbnail = extensionAttr(item, "media", "thumbnail", "url")
	}
	if raw.Thumbnail == "" {
		raw.Thumbnail = extensionAttr(item, "media", "content", "url")
	}

	return raw
}

// resolveFavicon walks a fixed priority chain. It never fails; the worst
// case is a third-party favicon service URL derived from the host.
func resolveFavicon(f *gofeed.Feed, sourceURL string) string {
	if f.Image != nil && f.Image.URL != "" {
		return f.Image.URL
	}
	if f.ITunesExt != nil && f.ITunesExt.Image != "" {
		return f.ITunesExt.Image
	}

	switch Detect(sourceURL, &ParsedFeed{Link: f.Link}) {
	case TypeYouTube:
		return youtubeFavicon
	case TypeReddit:
		return redditFavicon
	}

	host := hostOf(f.Link)
	if host == "" {
		host = hostOf(sourceURL)
	}
	if host == "" {
		return ""
	}
	if u, err := url.Parse(f.Link); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Scheme + "://" + u.Host + "/favicon.ico"
	}
	return faviconService + host
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// extensionValue pulls the text value of the first extension element under
// the given namespace prefix and name.
func extensionValue(item *gofeed.Item, prefix, name string) string {
	ns, ok := item.Extensions[prefix]
	if !ok {
		return ""
	}
	for _, ext := range ns[name] {
		if ext.Value != "" {
			return ext.Value
		}
	}
	return ""
}

// extensionAttr pulls an attribute off the first extension element under
// the given namespace prefix and name.
func extensionAttr(item *gofeed.Item, prefix, name, attr string) string {
	ns, ok := item.Extensions[prefix]
	if !ok {
		return ""
	}
	for _, ext := range ns[name] {
		if v := ext.Attrs[attr]; v != "" {
			return v
		}
	}
	return ""
}
