package search

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Result is one organic search hit.
type Result struct {
	Title    string `json:"title"`
	Link     string `json:"link"`
	Snippet  string `json:"snippet"`
	Position int    `json:"position"`
}

const redirectPrefix = "//duckduckgo.com/l/?uddg="

// parseResults reads up to k results from a DuckDuckGo HTML page. Ads and
// entries without a link are skipped; positions count from 1.
func parseResults(r io.Reader, k int) ([]Result, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse results page: %w", err)
	}

	var results []Result
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= k {
			return
		}
		if n.Type == html.ElementNode && hasClass(n, "result") {
			title, link, snippet := extractResult(n)
			if link != "" && !strings.Contains(link, "y.js") {
				results = append(results, Result{
					Title:    title,
					Link:     unwrapRedirect(link),
					Snippet:  snippet,
					Position: len(results) + 1,
				})
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results, nil
}

func extractResult(n *html.Node) (title, link, snippet string) {
	var walk func(*html.Node, bool)
	walk = func(n *html.Node, inTitle bool) {
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, "result__title"):
				inTitle = true
			case hasClass(n, "result__snippet") && snippet == "":
				snippet = textContent(n)
				return
			case inTitle && n.DataAtom == atom.A && link == "":
				link = attr(n, "href")
				title = textContent(n)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inTitle)
		}
	}
	walk(n, false)
	return title, link, snippet
}

// unwrapRedirect turns a DuckDuckGo click-tracking link into its target.
func unwrapRedirect(link string) string {
	if !strings.HasPrefix(link, redirectPrefix) {
		return link
	}
	target := strings.TrimPrefix(link, redirectPrefix)
	if i := strings.IndexByte(target, '&'); i >= 0 {
		target = target[:i]
	}
	if decoded, err := url.QueryUnescape(target); err == nil {
		return decoded
	}
	return target
}

// FormatResults renders results as the plain text handed back to the model.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results were found for your search query. This could be due to DuckDuckGo's bot detection or the query returned no matches. Please try rephrasing your search or try again in a few minutes."
	}
	lines := []string{fmt.Sprintf("Found %d search results:\n", len(results))}
	for _, r := range results {
		lines = append(lines,
			fmt.Sprintf("%d. %s", r.Position, r.Title),
			"   URL: "+r.Link,
			"   Summary: "+r.Snippet,
			"",
		)
	}
	return strings.Join(lines, "\n")
}

var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
}

// visibleText walks the DOM and returns its text with page chrome removed.
func visibleText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipElements[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return collapse(b.String()), nil
}

// collapse squeezes every whitespace run to a single space.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return collapse(b.String())
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}
