package browser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// extractText returns the visible text under selector, one non-empty line
// per line of output.
func extractText(html, selector string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()

	sel := doc.Find(selector)
	if sel.Length() == 0 {
		sel = doc.Find("body")
	}

	lines := strings.Split(sel.Text(), "\n")
	cleaned := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n"), nil
}
