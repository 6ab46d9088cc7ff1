package clientsync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/signpost-core/internal/sign"
)

// Server paths, relative to the base URL.
const (
	pathSigns  = "/api/signs"
	pathEvents = "/api/signs/events"
	pathWS     = "/api/signs/ws"
)

// defaultListTimeout bounds one list request.
const defaultListTimeout = 10 * time.Second

// ErrStreamClosed is returned by Next once the server ends the stream.
var ErrStreamClosed = errors.New("clientsync: stream closed")

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// ─── WebSocket ──────────────────────────────────────────────────

// WSSource streams frames over the server's WebSocket endpoint.
type WSSource struct {
	URL    string
	Dialer *websocket.Dialer
	Header http.Header
}

// NewWSSource returns a source for baseURL (http or https), rewritten
// to the matching ws or wss scheme.
func NewWSSource(baseURL string) (*WSSource, error) {
	u, err := url.Parse(joinURL(baseURL, pathWS))
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	return &WSSource{URL: u.String(), Dialer: websocket.DefaultDialer}, nil
}

// Open dials the WebSocket.
func (s *WSSource) Open(ctx context.Context) (Stream, error) {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, s.URL, s.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // Handshake body is not used
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", s.URL, err)
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (w *wsStream) Next(_ context.Context) (Frame, error) {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Frame{}, ErrStreamClosed
			}
			return Frame{}, fmt.Errorf("reading websocket: %w", err)
		}
		f, err := DecodeFrame(data)
		if err != nil {
			continue
		}
		return f, nil
	}
}

func (w *wsStream) Close() error {
	return w.conn.Close()
}

// ─── Server-Sent Events ─────────────────────────────────────────

// SSESource streams frames from the server's event-stream endpoint.
type SSESource struct {
	URL    string
	Client *http.Client
}

// NewSSESource returns a source for baseURL. client may be nil; it must
// not set an overall Timeout, which would cut the stream.
func NewSSESource(baseURL string, client *http.Client) *SSESource {
	if client == nil {
		client = &http.Client{}
	}
	return &SSESource{URL: joinURL(baseURL, pathEvents), Client: client}
}

// Open starts the event-stream request.
func (s *SSESource) Open(ctx context.Context) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", s.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close() //nolint:errcheck // Error path
		return nil, fmt.Errorf("requesting %s: status %d", s.URL, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close() //nolint:errcheck // Error path
		return nil, fmt.Errorf("requesting %s: unexpected content type %q", s.URL, ct)
	}

	return &sseStream{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

// Next returns the next event's data as a frame. Multi-line data fields
// are joined with newlines; comments and other fields are skipped.
func (s *sseStream) Next(_ context.Context) (Frame, error) {
	var data [][]byte
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{}, ErrStreamClosed
			}
			return Frame{}, fmt.Errorf("reading event stream: %w", err)
		}
		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if len(data) == 0 {
				continue
			}
			f, err := DecodeFrame(bytes.Join(data, []byte("\n")))
			data = data[:0]
			if err != nil {
				continue
			}
			return f, nil
		}

		if value, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data = append(data, bytes.TrimPrefix(value, []byte(" ")))
		}
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

// ─── Polling ────────────────────────────────────────────────────

// HTTPPoller fetches the full sign list.
type HTTPPoller struct {
	URL    string
	Client *http.Client
}

// NewHTTPPoller returns a poller for baseURL.
func NewHTTPPoller(baseURL string, client *http.Client) *HTTPPoller {
	if client == nil {
		client = &http.Client{Timeout: defaultListTimeout}
	}
	return &HTTPPoller{URL: joinURL(baseURL, pathSigns), Client: client}
}

// List performs GET /api/signs.
func (p *HTTPPoller) List(ctx context.Context) ([]sign.Sign, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", p.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("requesting %s: status %d", p.URL, resp.StatusCode)
	}

	var signs []sign.Sign
	if err := json.NewDecoder(resp.Body).Decode(&signs); err != nil {
		return nil, fmt.Errorf("decoding sign list: %w", err)
	}
	return signs, nil
}
