package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WireMessage is the JSON frame carried by the WebSocket transport. It mirrors one SSE
// event: Event is the event name and Data its payload.
type WireMessage struct {
	Event string          `json:"event,omitempty"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// WebSocketOpener opens change streams over WebSocket using the same URL contract as SSE.
// http and https URLs are dialed as ws and wss.
type WebSocketOpener struct {
	dialer *websocket.Dialer
	header http.Header
}

// NewWebSocketOpener creates a WebSocket opener. A nil dialer uses the gorilla default.
func NewWebSocketOpener(dialer *websocket.Dialer, header http.Header) *WebSocketOpener {
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	return &WebSocketOpener{dialer: dialer, header: header}
}

// Name implements Opener
func (o *WebSocketOpener) Name() string {
	return "websocket"
}

// Open implements Opener
func (o *WebSocketOpener) Open(ctx context.Context, rawURL string) (Stream, error) {
	wsURL, err := WebSocketURL(rawURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := o.dialer.DialContext(ctx, wsURL, o.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: websocket handshake returned status %d", ErrUnexpectedStatus, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to websocket: %w", err)
	}

	s := &wsStream{conn: conn}
	// cancelling the open context also tears down the stream. The callback may run at
	// once on an already cancelled ctx, so stop is only touched under mu.
	s.mu.Lock()
	s.stop = context.AfterFunc(ctx, func() { s.Close() })
	s.mu.Unlock()
	return s, nil
}

// WebSocketURL rewrites an http(s) URL to ws(s)
func WebSocketURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid stream url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q for websocket stream", u.Scheme)
	}
	return u.String(), nil
}

type wsStream struct {
	conn *websocket.Conn
	once sync.Once

	mu   sync.Mutex
	stop func() bool
}

// Next implements Stream. Frames that are not a WireMessage are delivered whole as a default event.
func (s *wsStream) Next() (RawEvent, error) {
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return RawEvent{}, ErrStreamClosed
		}
		return RawEvent{}, err
	}

	var wm WireMessage
	if err := json.Unmarshal(msg, &wm); err != nil || len(wm.Data) == 0 {
		return RawEvent{Data: msg}, nil
	}

	data := []byte(wm.Data)
	if bytes.HasPrefix(data, []byte(`"`)) {
		// string payloads travel JSON-quoted
		var str string
		if err := json.Unmarshal(data, &str); err == nil {
			data = []byte(str)
		}
	}
	return RawEvent{Name: wm.Event, ID: wm.ID, Data: data}, nil
}

// Close implements Stream
func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		stop := s.stop
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
