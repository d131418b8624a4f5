package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wailbentafat/taskhub-realtime/event"
)

const (
	defaultEventName = "message"
	handshakeType    = "connected"
)

// EventStream is a text/event-stream transport. The access token travels
// as a query parameter because the stream cannot carry custom headers.
type EventStream struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zerolog.Logger
}

// NewEventStream creates a stream transport. A nil client uses a client
// without timeout, since the response body is long-lived.
func NewEventStream(baseURL, token string, client *http.Client, logger *zerolog.Logger) *EventStream {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &EventStream{
		baseURL: baseURL,
		token:   token,
		client:  client,
		logger:  logger,
	}
}

func (s *EventStream) Name() string {
	return "stream"
}

func (s *EventStream) streamURL() (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("token", s.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open starts the request in the background. A 200 response is reported as
// StatusSubscribed; any failure, including the end of the body, as
// StatusChannelError.
func (s *EventStream) Open(ctx context.Context, h Handlers) (Conn, error) {
	streamURL, err := s.streamURL()
	if err != nil {
		return nil, newError(s.Name(), "open", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	c := &streamConn{}
	c.init(cancel)

	c.wg.Add(1)
	go s.run(connCtx, c, streamURL, h)

	return c, nil
}

func (s *EventStream) run(ctx context.Context, c *streamConn, streamURL string, h Handlers) {
	defer c.wg.Done()

	log := s.logger.With().Str("conn_id", c.id).Logger()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		h.status(StatusChannelError, newError(s.Name(), "request", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			h.status(StatusChannelError, newError(s.Name(), "connect", err))
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.status(StatusChannelError, newError(s.Name(), "connect", fmt.Errorf("unexpected status %d", resp.StatusCode)))
		return
	}
	h.status(StatusSubscribed, nil)

	err = readEvents(resp.Body, func(name string, data []byte) {
		switch {
		case name == defaultEventName:
			if isHandshake(data) {
				log.Debug().Msg("Stream handshake received")
			}
		case event.IsStreamType(name):
			h.message(Message{
				Name:       name,
				Body:       data,
				ReceivedAt: time.Now(),
			})
		default:
			log.Debug().Str("event", name).Msg("Ignoring unknown stream event")
		}
	})
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = io.EOF
	}
	h.status(StatusChannelError, newError(s.Name(), "read", err))
}

func isHandshake(data []byte) bool {
	var msg struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &msg) == nil && msg.Type == handshakeType
}

// readEvents parses an event stream from r, calling emit for every complete
// event. It returns nil when r reaches EOF.
func readEvents(r io.Reader, emit func(name string, data []byte)) error {
	reader := bufio.NewReader(r)

	var (
		name    string
		data    strings.Builder
		hasData bool
	)
	dispatch := func() {
		if hasData {
			if name == "" {
				name = defaultEventName
			}
			emit(name, []byte(data.String()))
		}
		name = ""
		data.Reset()
		hasData = false
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				name = value
			case "data":
				if hasData {
					data.WriteByte('\n')
				}
				data.WriteString(value)
				hasData = true
			}
		}

		if errors.Is(err, io.EOF) {
			return nil
		}
	}
}

type streamConn struct {
	connBase
}

func (c *streamConn) Close() error {
	// Cancelling the request context aborts the body read.
	return c.shutdown(nil)
}
