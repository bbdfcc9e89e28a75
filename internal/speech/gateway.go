// Package speech connects to the speech gateway, a WebSocket service
// that fronts the device's microphone, recognizer, and text-to-speech
// engine. One Gateway serves as both the dialog's Recognizer and its
// Synthesizer.
//
// The protocol is JSON text frames. Requests carry an id and every
// response or interim event echoes it:
//
//	-> {"type":"listen","id":1,"language":"en-US"}
//	<- {"type":"listening","id":1}
//	<- {"type":"partial","id":1,"text":"turn on"}
//	<- {"type":"final","id":1,"text":"turn on the lights"}
//	-> {"type":"speak","id":2,"text":"Sure."}
//	<- {"type":"speech_done","id":2}
//
// Failures come back as {"type":"error","id":N,"error":"..."}.
package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/parley/internal/dialog"
	"github.com/nugget/parley/internal/httpkit"
)

// ErrNotConnected is returned when no gateway connection is open.
var ErrNotConnected = errors.New("speech gateway not connected")

// levelTrace matches config.LevelTrace and carries raw frames.
const levelTrace = slog.Level(-8)

// Frame types.
const (
	frameListen        = "listen"
	frameStopListening = "stop_listening"
	frameSpeak         = "speak"
	frameStopSpeaking  = "stop_speaking"

	frameListening  = "listening"
	frameStopped    = "stopped"
	framePartial    = "partial"
	frameFinal      = "final"
	frameSpeechDone = "speech_done"
	frameError      = "error"
	framePong       = "pong"
)

const (
	healthPath  = "/healthz"
	maxFrame    = 1 << 20
	writeWait   = 10 * time.Second
	healthLimit = 1024
)

type frame struct {
	Type     string `json:"type"`
	ID       int64  `json:"id,omitempty"`
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
	Error    string `json:"error,omitempty"`
}

// GatewayError is a failure reported by the gateway itself.
type GatewayError struct {
	Op      string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("speech gateway %s: %s", e.Op, e.Message)
}

// pendingOp is an in-flight listen or speak request.
type pendingOp struct {
	onEvent func(dialog.RecognitionEvent)
	done    chan frame
}

// Config configures a Gateway.
type Config struct {
	URL      string // ws:// or wss://
	Token    string
	Language string
	Logger   *slog.Logger

	// HTTPClient is used for health probes. Nil builds one with httpkit.
	HTTPClient *http.Client
}

// Gateway is a client for the speech gateway.
type Gateway struct {
	url      string
	token    string
	language string
	http     *http.Client
	logger   *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // guards conn and serializes writes
	reqID  atomic.Int64

	pending   map[int64]*pendingOp
	pendingMu sync.Mutex

	listenID atomic.Int64
	speakID  atomic.Int64
}

var (
	_ dialog.Recognizer  = (*Gateway)(nil)
	_ dialog.Synthesizer = (*Gateway)(nil)
)

// New creates a Gateway. It does not connect until Connect.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		opts := []httpkit.ClientOption{httpkit.WithTimeout(5 * time.Second), httpkit.WithLogger(logger)}
		if cfg.Token != "" {
			opts = append(opts, httpkit.WithHeader("Authorization", "Bearer "+cfg.Token))
		}
		client = httpkit.NewClient(opts...)
	}
	return &Gateway{
		url:      cfg.URL,
		token:    cfg.Token,
		language: cfg.Language,
		http:     client,
		logger:   logger,
		pending:  make(map[int64]*pendingOp),
	}
}

// Connect dials the gateway and starts reading frames.
func (g *Gateway) Connect(ctx context.Context) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	header := http.Header{}
	if g.token != "" {
		header.Set("Authorization", "Bearer "+g.token)
	}

	g.logger.Info("connecting to speech gateway", "url", g.url)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, g.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial speech gateway: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial speech gateway: %w", err)
	}
	conn.SetReadLimit(maxFrame)

	g.conn = conn
	go g.readLoop(conn)

	g.logger.Info("speech gateway connected")
	return nil
}

// Reconnect drops the current connection, if any, and dials again.
// It is meant for a connwatch OnReady callback.
func (g *Gateway) Reconnect(ctx context.Context) error {
	g.connMu.Lock()
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	g.connMu.Unlock()
	return g.Connect(ctx)
}

// Connected reports whether a connection is open.
func (g *Gateway) Connected() bool {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return g.conn != nil
}

// Close closes the connection. Pending operations fail with
// ErrNotConnected.
func (g *Gateway) Close() error {
	g.connMu.Lock()
	conn := g.conn
	g.conn = nil
	g.connMu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}

// Ping checks the gateway's HTTP health endpoint. It is the connwatch
// probe for the gateway.
func (g *Gateway) Ping(ctx context.Context) error {
	u, err := HealthURL(g.url)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, healthLimit)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("speech gateway health: status %d", resp.StatusCode)
	}
	return nil
}

// HealthURL maps the gateway's WebSocket URL to its HTTP health
// endpoint on the same host.
func HealthURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse speech URL: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	default:
		return "", fmt.Errorf("speech URL must be ws:// or wss://, got %q", u.Scheme)
	}
	u.Path = healthPath
	u.RawQuery = ""
	return u.String(), nil
}

// Listen asks the gateway to recognize one utterance and blocks until
// the final transcription, a recognition error, or cancellation.
func (g *Gateway) Listen(ctx context.Context, onEvent func(dialog.RecognitionEvent)) (string, error) {
	id := g.reqID.Add(1)
	op := g.register(id, onEvent)
	defer g.unregister(id)

	g.listenID.Store(id)
	if err := g.send(frame{Type: frameListen, ID: id, Language: g.language}); err != nil {
		return "", err
	}

	select {
	case f := <-op.done:
		if f.Type == frameError {
			return "", &GatewayError{Op: frameListen, Message: f.Error}
		}
		return f.Text, nil
	case <-ctx.Done():
		g.sendQuiet(frame{Type: frameStopListening, ID: id})
		return "", ctx.Err()
	}
}

// StopListening closes the microphone for the current listen request.
func (g *Gateway) StopListening() {
	if id := g.listenID.Load(); id != 0 {
		g.sendQuiet(frame{Type: frameStopListening, ID: id})
	}
}

// Speak synthesizes text and blocks until playback finishes. Markdown
// is flattened to plain text first; text with nothing speakable returns
// immediately.
func (g *Gateway) Speak(ctx context.Context, text string) error {
	text = PlainText(text)
	if text == "" {
		return nil
	}

	id := g.reqID.Add(1)
	op := g.register(id, nil)
	defer g.unregister(id)

	g.speakID.Store(id)
	if err := g.send(frame{Type: frameSpeak, ID: id, Text: text, Language: g.language}); err != nil {
		return err
	}

	select {
	case f := <-op.done:
		if f.Type == frameError {
			return &GatewayError{Op: frameSpeak, Message: f.Error}
		}
		return nil
	case <-ctx.Done():
		g.sendQuiet(frame{Type: frameStopSpeaking, ID: id})
		return ctx.Err()
	}
}

// StopSpeaking interrupts the current utterance.
func (g *Gateway) StopSpeaking() {
	if id := g.speakID.Load(); id != 0 {
		g.sendQuiet(frame{Type: frameStopSpeaking, ID: id})
	}
}

func (g *Gateway) register(id int64, onEvent func(dialog.RecognitionEvent)) *pendingOp {
	op := &pendingOp{onEvent: onEvent, done: make(chan frame, 1)}
	g.pendingMu.Lock()
	g.pending[id] = op
	g.pendingMu.Unlock()
	return op
}

func (g *Gateway) unregister(id int64) {
	g.pendingMu.Lock()
	delete(g.pending, id)
	g.pendingMu.Unlock()
}

func (g *Gateway) lookup(id int64) *pendingOp {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	return g.pending[id]
}

func (g *Gateway) send(f frame) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.conn == nil {
		return ErrNotConnected
	}
	if g.logger.Enabled(context.Background(), levelTrace) {
		data, _ := json.Marshal(f)
		g.logger.Log(context.Background(), levelTrace, "speech frame out", "frame", string(data))
	}
	g.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := g.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("send %s: %w", f.Type, err)
	}
	return nil
}

// sendQuiet sends a frame whose failure the caller cannot act on.
func (g *Gateway) sendQuiet(f frame) {
	if err := g.send(f); err != nil && !errors.Is(err, ErrNotConnected) {
		g.logger.Debug("speech frame not sent", "type", f.Type, "error", err)
	}
}

func (g *Gateway) readLoop(conn *websocket.Conn) {
	defer g.dropConnection(conn)

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Info("speech gateway closed connection")
				return
			}
			g.logger.Warn("speech gateway read failed, connection lost", "error", err)
			// connwatch calls Reconnect once the gateway answers again.
			return
		}
		g.logger.Log(context.Background(), levelTrace, "speech frame in", "type", f.Type, "id", f.ID, "text", f.Text)
		g.dispatch(f)
	}
}

func (g *Gateway) dispatch(f frame) {
	switch f.Type {
	case frameListening, frameStopped, framePartial:
		op := g.lookup(f.ID)
		if op == nil || op.onEvent == nil {
			return
		}
		ev := dialog.RecognitionEvent{Kind: dialog.RecognitionPartial, Text: f.Text}
		switch f.Type {
		case frameListening:
			ev.Kind = dialog.RecognitionListening
		case frameStopped:
			ev.Kind = dialog.RecognitionStopped
		}
		op.onEvent(ev)

	case frameFinal, frameSpeechDone, frameError:
		op := g.lookup(f.ID)
		if op == nil {
			g.logger.Debug("speech response for unknown request", "type", f.Type, "id", f.ID)
			return
		}
		select {
		case op.done <- f:
		default:
		}

	case framePong:

	default:
		g.logger.Debug("unhandled speech frame", "type", f.Type)
	}
}

// dropConnection forgets conn and fails every pending request.
func (g *Gateway) dropConnection(conn *websocket.Conn) {
	g.connMu.Lock()
	if g.conn == conn {
		g.conn = nil
	}
	g.connMu.Unlock()
	conn.Close()

	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	for _, op := range g.pending {
		select {
		case op.done <- frame{Type: frameError, Error: ErrNotConnected.Error()}:
		default:
		}
	}
}
