package tools

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// Elements that never carry readable content.
const noiseSelector = "script, style, noscript, iframe, svg, canvas, form, nav, header, footer, aside, " +
	"[role=navigation], [role=banner], [role=contentinfo], [aria-hidden=true]"

// Candidates for the main content node, most specific first.
var mainSelectors = []string{"article", "main", "[role=main]", "#content", ".content", "body"}

var (
	sanitizer  = bluemonday.UGCPolicy()
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// ExtractMainContent reduces an HTML document to the markdown of its main
// content node. Links are resolved against page when it is non-nil.
func ExtractMainContent(html string, page *url.URL) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find(noiseSelector).Remove()

	var main *goquery.Selection
	for _, sel := range mainSelectors {
		s := doc.Find(sel).First()
		if s.Length() > 0 && strings.TrimSpace(s.Text()) != "" {
			main = s
			break
		}
	}
	if main == nil {
		return "", nil
	}

	inner, err := main.Html()
	if err != nil {
		return "", fmt.Errorf("render main content: %w", err)
	}
	clean := sanitizer.Sanitize(inner)

	domain := ""
	if page != nil {
		domain = page.Scheme + "://" + page.Host
	}
	markdown, err := md.NewConverter(domain, true, nil).ConvertString(clean)
	if err != nil || strings.TrimSpace(markdown) == "" {
		return collapseSpace(main.Text()), nil
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(markdown, "\n\n")), nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
