package perception

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const messagesDump = `<!DOCTYPE html>
<html>
<head><title>Messages</title><style>.x{}</style></head>
<body>
<header><h1>Alex</h1></header>
<script>ignored()</script>
<ul>
<li>Are we still on for lunch?</li>
<li>Yes, 12:30</li>
</ul>
<div aria-hidden="true">decorative</div>
<form>
<input type="text" placeholder="Text message">
<button aria-label="Send"><svg></svg></button>
<div role="switch" aria-label="Read receipts" aria-checked="true"></div>
</form>
</body>
</html>`

func TestExtractHTML(t *testing.T) {
	title, text := extractHTML(messagesDump)
	if title != "Messages" {
		t.Errorf("title = %q, want Messages", title)
	}
	for _, want := range []string{
		"Alex",
		"Are we still on for lunch?",
		"Yes, 12:30",
		"[field: Text message]",
		"[button: Send]",
		"[switch: Read receipts (on)]",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q:\n%s", want, text)
		}
	}
	for _, unwanted := range []string{"ignored()", "decorative", ".x{}"} {
		if strings.Contains(text, unwanted) {
			t.Errorf("text contains %q:\n%s", unwanted, text)
		}
	}
}

func TestCleanWhitespace(t *testing.T) {
	got := cleanWhitespace("  a   b \n\n\n c\t d  \n")
	if got != "a b\nc d" {
		t.Errorf("cleanWhitespace() = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"héllo wörld", 5, "héllo …"},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestDescribeScreen(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		status      int
		want        string
		wantErr     bool
	}{
		{
			name:        "html dump",
			contentType: "text/html; charset=utf-8",
			body:        `<html><head><title>Maps</title></head><body><p>Search here</p></body></html>`,
			status:      http.StatusOK,
			want:        "App: Maps\nSearch here",
		},
		{
			name:        "plain dump",
			contentType: "text/plain",
			body:        "Home screen\n\n  Clock   Weather",
			status:      http.StatusOK,
			want:        "Home screen\nClock Weather",
		},
		{
			name:    "device error",
			body:    "accessibility service off",
			status:  http.StatusServiceUnavailable,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.HasPrefix(r.Header.Get("User-Agent"), "Parley/") {
					t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
				}
				if tt.contentType != "" {
					w.Header().Set("Content-Type", tt.contentType)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			got, err := New(ts.URL, nil).DescribeScreen(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("DescribeScreen() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("DescribeScreen() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
	}))
	defer ts.Close()

	if err := New(ts.URL, nil).Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v", err)
	}
}
