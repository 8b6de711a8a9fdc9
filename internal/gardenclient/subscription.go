package gardenclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/The777Bot/visitor-garden/internal/garden"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	socketHandshakeTimeout = 10 * time.Second
	// socketReadTimeout spans two server heartbeats.
	socketReadTimeout = 60 * time.Second
	maxSnapshotSize   = 8 * 1024 * 1024
)

var errMissingUpdateHandler = errors.New("gardenclient: update handler required")

// Subscription is a live snapshot feed. There is no automatic reconnect:
// when Done is closed and Err is non-nil, the caller subscribes again.
type Subscription struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	closing atomic.Bool
	once    sync.Once
	logger  *zap.Logger

	mu  sync.Mutex
	err error
}

// Subscribe opens the websocket feed. It returns after the initial snapshot has been
// handed to onUpdate; later snapshots arrive in order on a single goroutine.
func (c *Client) Subscribe(ctx context.Context, onUpdate func([]garden.Planting)) (*Subscription, error) {
	if onUpdate == nil {
		return nil, errMissingUpdateHandler
	}

	socketURL := *c.baseURL
	if socketURL.Scheme == "https" {
		socketURL.Scheme = "wss"
	} else {
		socketURL.Scheme = "ws"
	}
	socketURL.Path += "/plantings/ws"

	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  socketHandshakeTimeout,
		EnableCompression: true,
	}
	conn, response, err := dialer.DialContext(ctx, socketURL.String(), nil)
	if err != nil {
		if response != nil {
			defer response.Body.Close()
			return nil, decodeStatusError(response)
		}
		return nil, fmt.Errorf("gardenclient: dial %s: %w", socketURL.Redacted(), err)
	}
	conn.SetReadLimit(maxSnapshotSize)
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
		_ = conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		return nil
	})

	stopInitialWatch := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	initial, err := readSnapshot(conn)
	if !stopInitialWatch() {
		_ = conn.Close()
		return nil, fmt.Errorf("gardenclient: initial snapshot: %w", ctx.Err())
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("gardenclient: initial snapshot: %w", err)
	}
	onUpdate(initial)

	subscriptionCtx, cancel := context.WithCancel(ctx)
	subscription := &Subscription{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: c.logger,
	}
	go func() {
		<-subscriptionCtx.Done()
		_ = conn.Close()
	}()
	go subscription.run(subscriptionCtx, onUpdate)
	return subscription, nil
}

func (s *Subscription) run(ctx context.Context, onUpdate func([]garden.Planting)) {
	defer close(s.done)
	for {
		plantings, err := readSnapshot(s.conn)
		if err != nil {
			if s.closing.Load() {
				return
			}
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			s.logger.Warn("garden subscription dropped", zap.Error(err))
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
		if s.closing.Load() {
			return
		}
		onUpdate(plantings)
	}
}

// Close stops delivery and waits for the reader to exit. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.closing.Store(true)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.cancel()
	})
	<-s.done
	return nil
}

// Done is closed once no further snapshots will be delivered.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the feed dropped. It is nil while running and after Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func readSnapshot(conn *websocket.Conn) ([]garden.Planting, error) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
		var message garden.SnapshotMessage
		if err := conn.ReadJSON(&message); err != nil {
			return nil, err
		}
		if message.Type != garden.SnapshotMessageType {
			continue
		}
		return garden.PlantingsFromDocuments(message.Plantings), nil
	}
}
