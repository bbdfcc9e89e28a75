// Package perception asks the device what is on its screen. The device
// serves a dump of the current view over HTTP, either as an HTML
// rendering of the accessibility tree or as plain text; either way it
// is reduced to a short readable description for the system prompt.
package perception

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/parley/internal/httpkit"
)

// Defaults.
const (
	DefaultTimeout  = 5 * time.Second
	DefaultMaxBytes = 1 << 20
	DefaultMaxChars = 4000
)

// Client fetches screen descriptions from the device.
type Client struct {
	url      string
	client   *http.Client
	maxBytes int64
	maxChars int
	logger   *slog.Logger
}

// New creates a Client for the dump endpoint at url.
func New(url string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:      url,
		client:   httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout), httpkit.WithLogger(logger)),
		maxBytes: DefaultMaxBytes,
		maxChars: DefaultMaxChars,
		logger:   logger,
	}
}

// DescribeScreen returns a readable description of the current screen.
func (c *Client) DescribeScreen(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("screen request: %w", err)
	}
	req.Header.Set("Accept", "text/html,text/plain;q=0.9")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("screen request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("screen request: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return "", fmt.Errorf("read screen dump: %w", err)
	}
	if !utf8.Valid(body) {
		return "", fmt.Errorf("screen dump is not text (%s)", resp.Header.Get("Content-Type"))
	}

	var desc string
	if isHTML(resp.Header.Get("Content-Type")) {
		title, text := extractHTML(string(body))
		desc = text
		if title != "" {
			desc = "App: " + title + "\n" + text
		}
	} else {
		desc = cleanWhitespace(string(body))
	}

	desc = truncate(desc, c.maxChars)
	c.logger.Debug("screen described", "chars", utf8.RuneCountInString(desc))
	return desc, nil
}

// Ping checks that the dump endpoint answers at all.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(resp.Body, 1024)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("screen endpoint: status %d", resp.StatusCode)
	}
	return nil
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// truncate cuts s to at most maxChars runes and marks the cut.
func truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	count := 0
	for i := range s {
		if count == maxChars {
			return strings.TrimSpace(s[:i]) + " …"
		}
		count++
	}
	return s
}
