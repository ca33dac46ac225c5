package steps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// maxPageSize caps the fetched page body.
const maxPageSize = 4 * 1024 * 1024 // 4MB

var excessiveLinesRe = regexp.MustCompile(`\n{4,}`)

// WebReader implements the web-page-reader built-in: fetch a URL,
// extract the readable article, and convert it to markdown.
type WebReader struct {
	client    *http.Client
	converter *md.Converter
}

// NewWebReader creates a web page reader with a 30-second fetch timeout.
func NewWebReader() *WebReader {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	return &WebReader{
		client:    &http.Client{Timeout: 30 * time.Second},
		converter: converter,
	}
}

// Execute fetches inputs["url"] and returns {url, title, markdown}.
func (w *WebReader) Execute(ctx context.Context, inputs map[string]any) (any, error) {
	rawURL, _ := inputs["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("web-page-reader requires a url input")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; loom/1.0)")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	return w.convert(rawURL, body)
}

// convert extracts the readable article and renders it as markdown.
func (w *WebReader) convert(rawURL string, body []byte) (any, error) {
	title := extractHTMLTitle(body)
	content := string(body)

	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(content), parsedURL)
	if err == nil && article.Content != "" {
		content = article.Content
		if title == "" {
			title = article.Title
		}
	}

	markdown, err := w.converter.ConvertString(content)
	if err != nil {
		return nil, fmt.Errorf("convert %s to markdown: %w", rawURL, err)
	}
	markdown = cleanMarkdown(markdown)

	return map[string]any{
		"url":      rawURL,
		"title":    title,
		"markdown": markdown,
	}, nil
}

// extractHTMLTitle returns the contents of the first <title> element.
func extractHTMLTitle(content []byte) string {
	doc, err := html.Parse(strings.NewReader(string(content)))
	if err != nil {
		return ""
	}

	var title string
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if title != "" {
				return
			}
			extract(c)
		}
	}
	extract(doc)

	return title
}

// cleanMarkdown trims trailing whitespace and collapses blank-line runs.
func cleanMarkdown(content string) string {
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n\n")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
