package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const websocketDialTimeout = 10 * time.Second

// WebsocketSource subscribes to the change-event feed exposed by the lake
// pipeline as a websocket of JSON text frames. It does not reconnect on
// its own: after a hard failure the operator re-enters lake mode, which
// calls Subscribe again.
type WebsocketSource struct {
	url     string
	decoder *envelopeDecoder
	log     zerolog.Logger

	events chan Event
	health chan HealthEvent

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	reading bool
}

func NewWebsocketSource(url string, log zerolog.Logger) (*WebsocketSource, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("empty stream url")
	}
	decoder, err := newEnvelopeDecoder()
	if err != nil {
		return nil, err
	}
	return &WebsocketSource{
		url:     url,
		decoder: decoder,
		log:     log,
		events:  make(chan Event, 256),
		health:  make(chan HealthEvent, 64),
	}, nil
}

func (s *WebsocketSource) Events() <-chan Event {
	return s.events
}

func (s *WebsocketSource) Health() <-chan HealthEvent {
	return s.health
}

func (s *WebsocketSource) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reading {
		return nil
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, websocketDialTimeout)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	if err != nil {
		s.emitHealth(classifyStreamError(err))
		return fmt.Errorf("dial change stream: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.cancel = cancel
	s.reading = true
	go s.readLoop(readCtx, conn)
	s.log.Info().Str("url", s.url).Msg("subscribed to change stream")
	return nil
}

func (s *WebsocketSource) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		s.reading = false
		s.mu.Unlock()
	}()
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Msg("change stream read failed")
			s.emitHealth(classifyStreamError(err))
			return
		}
		event, decodeErr := s.decoder.decode(frame)
		if decodeErr != nil {
			event = Event{Err: decodeErr}
		}
		select {
		case s.events <- event:
		case <-ctx.Done():
			return
		}
	}
}

func (s *WebsocketSource) emitHealth(category Category) {
	select {
	case s.health <- HealthEvent{Category: category, At: time.Now()}:
	default:
		// Window counter saturates long before the buffer does; dropping
		// beyond it loses nothing.
	}
}

func (s *WebsocketSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		err := s.conn.Close(websocket.StatusNormalClosure, "shutting down")
		s.conn = nil
		return err
	}
	return nil
}

func classifyStreamError(err error) Category {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return CategoryTimeout
	case websocket.CloseStatus(err) != -1:
		return CategoryConnectionFailed
	default:
		return CategoryConnectionFailed
	}
}
