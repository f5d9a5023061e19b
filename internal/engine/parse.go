package engine

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/cespare/xxhash/v2"
	"github.com/gobwas/glob"
	whatwg "github.com/nlnwa/whatwg-url/url"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
)

const maxSnippetRunes = 280

var urlParser = whatwg.NewParser(whatwg.WithPercentEncodeSinglePercentSign())

// citationExtractor turns anchors into ordered, de-duplicated citations.
type citationExtractor struct {
	base    string
	own     []glob.Glob
	rewrite func(*url.URL) bool
	seen    map[uint64]struct{}
	out     []crawler.Citation
}

func newCitationExtractor(base string, own []glob.Glob, rewrite func(*url.URL) bool) *citationExtractor {
	return &citationExtractor{base: base, own: own, rewrite: rewrite, seen: make(map[uint64]struct{})}
}

func (c *citationExtractor) add(s *goquery.Selection, withSnippet bool) {
	href, ok := s.Attr("href")
	if !ok {
		return
	}
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return
	}
	resolved, err := urlParser.ParseRef(c.base, href)
	if err != nil {
		return
	}
	u, err := url.Parse(resolved.Href(true))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return
	}
	if c.rewrite != nil && !c.rewrite(u) {
		return
	}
	host := strings.ToLower(u.Hostname())
	for _, g := range c.own {
		if g.Match(host) {
			return
		}
	}
	normalized := u.String()
	key := xxhash.Sum64String(normalized)
	if _, dup := c.seen[key]; dup {
		return
	}
	c.seen[key] = struct{}{}

	title := collapseSpace(s.AttrOr("title", ""))
	if title == "" {
		title = collapseSpace(s.Text())
	}
	cit := crawler.Citation{
		Position: len(c.out) + 1,
		URL:      normalized,
		Title:    title,
		Domain:   registrableDomain(host),
	}
	if withSnippet {
		if parent := collapseSpace(s.Parent().Text()); utf8.RuneCountInString(parent) > utf8.RuneCountInString(title) {
			cit.Snippet = truncateRunes(parent, maxSnippetRunes)
		}
	}
	c.out = append(c.out, cit)
}

// parseDocument extracts the newest answer and its citations. Structured
// source panels win; inline anchors in the answer are the fallback.
func parseDocument(html string, p Profile, own []glob.Glob) (Parsed, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Parsed{}, err
	}
	container := responseContainer(doc, p.ResponseSelectors)
	if container == nil {
		return Parsed{}, ErrNoResponse
	}

	extractor := newCitationExtractor(p.EntryURL, own, p.RewriteCitation)
	for _, sel := range p.SourceSelectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			extractor.add(s, true)
		})
	}
	if len(extractor.out) == 0 {
		container.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			extractor.add(s, false)
		})
	}
	return Parsed{ResponseText: collapseSpace(container.Text()), Citations: extractor.out}, nil
}

func responseContainer(doc *goquery.Document, selectors []string) *goquery.Selection {
	for _, sel := range selectors {
		if found := doc.Find(sel); found.Length() > 0 {
			return found.Last()
		}
	}
	return nil
}

func responseText(html string, selectors []string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	container := responseContainer(doc, selectors)
	if container == nil {
		return ""
	}
	return collapseSpace(container.Text())
}

func registrableDomain(host string) string {
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// Confidence scores an answer in [0,1] from completion, length and citations.
func Confidence(complete bool, text string, citations int) float64 {
	score := 0.0
	if complete {
		score += 0.5
	}
	switch n := utf8.RuneCountInString(text); {
	case n >= 200:
		score += 0.3
	case n >= 40:
		score += 0.2
	case n > 0:
		score += 0.1
	}
	if citations > 0 {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}
