/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
)

var (
	// ErrHubNotConnected indicates there is no live link to the Hub.
	ErrHubNotConnected = errors.New("hub client not connected")
	// ErrReconnectExhausted indicates max_reconnect_attempts consecutive dials failed.
	ErrReconnectExhausted = errors.New("hub reconnect attempts exhausted")
	// ErrHandshakeRejected indicates the Hub refused the worker credentials.
	ErrHandshakeRejected = errors.New("hub rejected worker handshake")

	errSendQueueFull = errors.New("hub send queue full")
)

const (
	defaultReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 60 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultReadTimeout    = 90 * time.Second
	clientWriteWait       = 10 * time.Second
	sendQueueSize         = 512
)

type outboundMessage struct {
	kind int
	data []byte
}

// link is one live websocket connection to the Hub.
type link struct {
	conn      *websocket.Conn
	send      chan outboundMessage
	buffered  atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

// MessageHandler receives every text envelope from the Hub.
type MessageHandler interface {
	HubConnected(ctx context.Context)
	HubMessage(ctx context.Context, env models.Envelope)
	HubDisconnected()
}

// HubClient keeps a worker websocket to the Hub alive and serializes writes.
type HubClient struct {
	url           string
	hostID        string
	secret        string
	maxAttempts   int
	baseDelay     time.Duration
	maxDelay      time.Duration
	highWatermark int64
	dialer        *websocket.Dialer
	logger        logger.Logger

	mu             sync.RWMutex
	link           *link
	reconnectDelay time.Duration
}

type HubClientConfig struct {
	URL                  string
	HostID               string
	Secret               string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	SendHighWatermark    int
}

func NewHubClient(cfg HubClientConfig, log logger.Logger) *HubClient {
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = defaultReconnectDelay
	}

	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = maxReconnectDelay
	}

	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = models.DefaultMaxReconnectAttempts
	}

	if cfg.SendHighWatermark <= 0 {
		cfg.SendHighWatermark = models.DefaultSendHighWatermark
	}

	return &HubClient{
		url:            cfg.URL,
		hostID:         cfg.HostID,
		secret:         cfg.Secret,
		maxAttempts:    cfg.MaxReconnectAttempts,
		baseDelay:      cfg.ReconnectBaseDelay,
		maxDelay:       cfg.ReconnectMaxDelay,
		highWatermark:  int64(cfg.SendHighWatermark),
		dialer:         &websocket.Dialer{HandshakeTimeout: defaultConnectTimeout, Proxy: http.ProxyFromEnvironment},
		reconnectDelay: cfg.ReconnectBaseDelay,
		logger:         log,
	}
}

// Run dials the Hub and serves the connection, reconnecting with exponential
// backoff until ctx ends or the attempt budget is spent.
func (c *HubClient) Run(ctx context.Context, h MessageHandler) error {
	failures := 0

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			failures++

			if failures >= c.maxAttempts {
				return fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, failures, err)
			}

			c.logger.Warn().Err(err).Int("attempt", failures).Dur("delay", c.GetReconnectDelay()).
				Msg("Hub connection failed, will retry")

			if err := c.backoff(ctx); err != nil {
				return nil
			}

			continue
		}

		failures = 0

		c.mu.Lock()
		c.reconnectDelay = c.baseDelay
		c.mu.Unlock()

		c.serve(ctx, conn, h)

		if ctx.Err() != nil {
			return nil
		}

		c.logger.Warn().Str("url", c.url).Msg("Hub connection lost, reconnecting")

		if err := c.backoff(ctx); err != nil {
			return nil
		}
	}
}

// backoff waits for the current delay and doubles it for the next attempt.
func (c *HubClient) backoff(ctx context.Context) error {
	c.mu.Lock()
	delay := c.reconnectDelay
	c.reconnectDelay = min(c.reconnectDelay*2, c.maxDelay)
	c.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *HubClient) GetReconnectDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.reconnectDelay
}

func (c *HubClient) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("X-Host-Id", c.hostID)
	header.Set("X-Worker-Secret", c.secret)

	c.logger.Info().Str("url", c.url).Str("host_id", c.hostID).Msg("Connecting to hub")

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}

	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			var payload models.ErrorPayload

			_ = json.NewDecoder(resp.Body).Decode(&payload)

			return nil, fmt.Errorf("%w: %s %s", ErrHandshakeRejected, payload.Code, payload.Message)
		}

		return nil, fmt.Errorf("failed to connect to hub at %s: %w", c.url, err)
	}

	c.logger.Info().Str("url", c.url).Msg("Connected to hub")

	return conn, nil
}

// serve runs one connection until it drops or ctx ends.
func (c *HubClient) serve(ctx context.Context, conn *websocket.Conn, h MessageHandler) {
	l := &link{conn: conn, send: make(chan outboundMessage, sendQueueSize), done: make(chan struct{})}

	c.mu.Lock()
	c.link = l
	c.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		c.writePump(l)
	}()

	go func() {
		select {
		case <-connCtx.Done():
			l.close()
		case <-l.done:
		}
	}()

	h.HubConnected(connCtx)

	c.readPump(connCtx, l, h)

	cancel()
	l.close()
	wg.Wait()

	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()

	h.HubDisconnected()
}

func (c *HubClient) readPump(ctx context.Context, l *link, h MessageHandler) {
	_ = l.conn.SetReadDeadline(time.Now().Add(defaultReadTimeout))

	l.conn.SetPingHandler(func(appData string) error {
		_ = l.conn.SetReadDeadline(time.Now().Add(defaultReadTimeout))

		return l.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(clientWriteWait))
	})

	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("Hub read failed")
			}

			return
		}

		_ = l.conn.SetReadDeadline(time.Now().Add(defaultReadTimeout))

		if kind != websocket.TextMessage {
			continue
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed hub message")

			continue
		}

		if env.Type == models.MsgServerShutdown {
			c.logger.Info().Msg("Hub is shutting down")
		}

		h.HubMessage(ctx, env)
	}
}

func (c *HubClient) writePump(l *link) {
	for {
		select {
		case <-l.done:
			return
		case msg := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			err := l.conn.WriteMessage(msg.kind, msg.data)

			l.buffered.Add(-int64(len(msg.data)))

			if err != nil {
				c.logger.Warn().Err(err).Msg("Hub write failed")
				l.close()

				return
			}
		}
	}
}

func (c *HubClient) current() *link {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.link
}

func (c *HubClient) IsConnected() bool {
	return c.current() != nil
}

func (c *HubClient) enqueue(l *link, msg outboundMessage) error {
	l.buffered.Add(int64(len(msg.data)))

	select {
	case <-l.done:
		l.buffered.Add(-int64(len(msg.data)))

		return ErrHubNotConnected
	case l.send <- msg:
		return nil
	default:
		l.buffered.Add(-int64(len(msg.data)))

		return errSendQueueFull
	}
}

// Send queues a text envelope for the Hub.
func (c *HubClient) Send(t models.MessageType, payload interface{}) error {
	l := c.current()
	if l == nil {
		return ErrHubNotConnected
	}

	env, err := models.NewEnvelope(t, payload)
	if err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	return c.enqueue(l, outboundMessage{kind: websocket.TextMessage, data: data})
}

// SendFrame queues a binary stream frame unless the outbound buffer is above
// the high watermark, in which case the frame is skipped and false returned.
func (c *HubClient) SendFrame(deviceID string, image []byte) (bool, error) {
	l := c.current()
	if l == nil {
		return false, ErrHubNotConnected
	}

	if l.buffered.Load() > c.highWatermark {
		return false, nil
	}

	frame, err := models.EncodeFrame(deviceID, image)
	if err != nil {
		return false, err
	}

	if err := c.enqueue(l, outboundMessage{kind: websocket.BinaryMessage, data: frame}); err != nil {
		return false, err
	}

	return true, nil
}

// Buffered reports the bytes queued but not yet written.
func (c *HubClient) Buffered() int64 {
	if l := c.current(); l != nil {
		return l.buffered.Load()
	}

	return 0
}
