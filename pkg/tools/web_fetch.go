package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/sternelee/reforge-sub005/pkg/policy"
	"github.com/sternelee/reforge-sub005/pkg/utils"
)

const (
	defaultFetchTimeout  = 30 * time.Second
	defaultMaxBodyBytes  = 100 * 1024 // enough for most docs but not huge pages
	defaultFetchRedirect = 5
)

// WebFetchTool fetches a web page and returns its readable text.
type WebFetchTool struct {
	httpClient   *http.Client
	maxBodyBytes int64
	contentLimit int
}

// NewWebFetchTool creates a new web fetch tool. A nil client selects one with
// a 30s timeout and at most 5 redirects.
func NewWebFetchTool(client *http.Client, contentLimit int) *WebFetchTool {
	if client == nil {
		client = &http.Client{
			Timeout: defaultFetchTimeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= defaultFetchRedirect {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		}
	}
	if contentLimit <= 0 {
		contentLimit = DefaultFetchContentLimit
	}
	return &WebFetchTool{
		httpClient:   client,
		maxBodyBytes: defaultMaxBodyBytes,
		contentLimit: contentLimit,
	}
}

type webFetchArgs struct {
	URL string `json:"url"`
}

// Name returns the tool name.
func (t *WebFetchTool) Name() string {
	return ToolWebFetch
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *WebFetchTool) PromptDocumentation() string {
	return `- **web_fetch** - Fetch and read content from a web page URL
  - Parameters: url (string, REQUIRED)
  - Returns text content extracted from the page (HTML tags stripped)
  - Best for documentation pages, release notes, API references
  - Has a 100KB size limit to avoid huge pages`
}

// Definition returns the tool definition for LLM.
func (t *WebFetchTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name: ToolWebFetch,
		Description: `Fetch and read the content of a web page. The tool:
- Fetches the URL and extracts text content (strips HTML)
- Works well for documentation, release notes, API references
- Has a 100KB limit to avoid very large pages
- Returns the page title and main text content`,
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"url": {
					Type:        "string",
					Description: "Full URL to fetch (e.g., 'https://go.dev/doc/go1.22')",
				},
			},
			Required: []string{"url"},
		},
		Modalities: []Modality{ModalityNetwork},
	}
}

// Operation implements Authorizer.
func (t *WebFetchTool) Operation(args map[string]any, cwd string) (policy.Operation, bool) {
	u := utils.GetMapFieldOr(args, "url", "")
	return policy.Fetch(u, cwd, "web_fetch"), true
}

// Exec executes the web fetch tool.
func (t *WebFetchTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	var in webFetchArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.URL == "" {
		return nil, fmt.Errorf("url is required and must be a string")
	}
	if !strings.HasPrefix(in.URL, "http://") && !strings.HasPrefix(in.URL, "https://") {
		return errorResult("URL must start with http:// or https://"), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, http.NoBody)
	if err != nil {
		return errorResult("failed to create request: " + err.Error()), nil
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; reforge/1.0; AI Development Tool)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err() //nolint:wrapcheck // context error is surfaced as-is
		}
		return errorResult("fetch request failed: " + err.Error()), nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errorResult(fmt.Sprintf("HTTP error: %s", resp.Status)), nil
	}

	contentType := resp.Header.Get("Content-Type")
	if !isTextContent(contentType) {
		return errorResult(fmt.Sprintf("unsupported content type: %s (only text/html and text/plain supported)", contentType)), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodyBytes))
	if err != nil {
		return errorResult("failed to read response: " + err.Error()), nil
	}

	var title, text string
	if isHTML(contentType) {
		title, text = extractHTML(body)
	} else {
		text = normalizeWhitespace(string(body))
	}

	content := TruncateFetchContent(text, t.contentLimit)
	return successResult(map[string]any{
		"url":       in.URL,
		"title":     title,
		"content":   content,
		"truncated": len(content) < len(text),
	})
}

// TruncateFetchContent returns the first limit characters of content. The
// result always has min(len, limit) characters, so a limit of zero or less yields "".
func TruncateFetchContent(content string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(content) <= limit {
		return content
	}
	n := 0
	for i := range content {
		if n == limit {
			return content[:i]
		}
		n++
	}
	return content
}

// isTextContent checks if the content type is text-based.
func isTextContent(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") ||
		strings.Contains(ct, "text/plain") ||
		strings.Contains(ct, "application/xhtml") ||
		strings.Contains(ct, "application/xml") ||
		strings.Contains(ct, "text/xml")
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "html")
}

// extractHTML returns the page title and its readable text.
func extractHTML(body []byte) (title, text string) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", normalizeWhitespace(string(body))
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Svg:
				return
			case atom.Title:
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) {
			b.WriteString("\n")
		}
	}
	walk(doc)
	return title, normalizeWhitespace(b.String())
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Br, atom.Hr, atom.Li, atom.Tr, atom.Pre, atom.Section, atom.Article,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Table, atom.Ul, atom.Ol, atom.Blockquote:
		return true
	}
	return false
}

var spaceRegex = regexp.MustCompile(`[ \t\r\f\v]+`) //nolint:gochecknoglobals // compiled once

// normalizeWhitespace collapses runs of spaces and drops blank lines.
func normalizeWhitespace(text string) string {
	text = spaceRegex.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	clean := lines[:0]
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	return strings.Join(clean, "\n")
}
