package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

const (
	sseInitialBuffer = 64 * 1024
	sseMaxLine       = 4 * 1024 * 1024
)

// SSEOpener opens text/event-stream connections
type SSEOpener struct {
	client  *http.Client
	headers map[string]string
}

// SSEOption configures an SSEOpener
type SSEOption func(*SSEOpener)

// WithHTTPClient sets the HTTP client. It must not have a timeout since streams are long-lived.
func WithHTTPClient(client *http.Client) SSEOption {
	return func(o *SSEOpener) {
		o.client = client
	}
}

// WithHeader adds a header to every open request
func WithHeader(key, value string) SSEOption {
	return func(o *SSEOpener) {
		o.headers[key] = value
	}
}

// NewSSEOpener creates an SSE opener
func NewSSEOpener(opts ...SSEOption) *SSEOpener {
	o := &SSEOpener{
		// no timeout for streaming
		client:  &http.Client{Timeout: 0},
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Name implements Opener
func (o *SSEOpener) Name() string {
	return "sse"
}

// Open implements Opener
func (o *SSEOpener) Open(ctx context.Context, rawURL string) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range o.headers {
		req.Header.Set(k, v)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: stream returned status %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: content type %q is not an event stream", ErrUnexpectedStatus, ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, sseInitialBuffer), sseMaxLine)
	return &sseStream{body: resp.Body, scanner: scanner}, nil
}

// sseStream frames an event stream body into events
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	lastID  string
	once    sync.Once
}

// Next implements Stream. Events without data lines are skipped, as are comment lines.
func (s *sseStream) Next() (RawEvent, error) {
	var (
		name string
		data []string
		seen bool
	)

	for s.scanner.Scan() {
		line := strings.TrimSuffix(s.scanner.Text(), "\r")

		if line == "" {
			if seen {
				return RawEvent{Name: name, ID: s.lastID, Data: []byte(strings.Join(data, "\n"))}, nil
			}
			name = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
			seen = true
		case "id":
			s.lastID = value
		}
	}

	if err := s.scanner.Err(); err != nil {
		return RawEvent{}, err
	}
	return RawEvent{}, ErrStreamClosed
}

// Close implements Stream
func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.body.Close()
	})
	return err
}
