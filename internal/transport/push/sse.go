// Package push consumes the notification push channel over server-sent events.
package push

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-badge-sync/internal/domain"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	maxEventSize      = 1 << 20
)

// Client is a reconnecting SSE client for the notification stream. It
// satisfies badge.Channel and badge.GaplessChannel.
type Client struct {
	url        string
	token      string
	gapless    bool
	httpClient *http.Client
	log        *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	mu        sync.Mutex
	onEvent   func(domain.NotificationEvent)
	onState   func(bool)
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
	lastID    string
	retry     time.Duration
}

type Option func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithGapless declares that the server replays events missed since Last-Event-ID.
func WithGapless(gapless bool) Option { return func(c *Client) { c.gapless = gapless } }

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = l } }

// WithBackoff bounds the wait between reconnect attempts.
func WithBackoff(lo, hi time.Duration) Option {
	return func(c *Client) { c.minBackoff, c.maxBackoff = lo, hi }
}

func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		httpClient: &http.Client{},
		log:        slog.Default(),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Gapless() bool { return c.gapless }

func (c *Client) OnEvent(fn func(domain.NotificationEvent)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

func (c *Client) OnConnectionStateChange(fn func(connected bool)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Connect starts streaming in the background and returns at once. The client
// keeps reconnecting until Disconnect or until ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	if c.url == "" {
		return errors.New("push: no stream url")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
	return nil
}

// Disconnect stops the stream and waits for the reader to exit.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	wait := c.minBackoff
	for {
		streamed, err := c.stream(ctx)
		c.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		if streamed {
			wait = c.minBackoff
		}
		c.mu.Lock()
		if c.retry > 0 {
			wait = c.retry
		}
		c.mu.Unlock()
		c.log.Warn("push stream closed, reconnecting", "err", err, "wait", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		wait = min(wait*2, c.maxBackoff)
	}
}

// stream holds one connection open until it fails. streamed reports whether
// the server accepted the connection.
func (c *Client) stream(ctx context.Context) (streamed bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false, err
	}
	connID := uuid.New().String()
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("X-Connection-Id", connID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.Lock()
	if c.lastID != "" {
		req.Header.Set("Last-Event-ID", c.lastID)
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w: %w", domain.ErrTransientChannel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("connect: %w: status %d", domain.ErrTransientChannel, resp.StatusCode)
	}

	c.log.Info("push stream connected", "connection_id", connID)
	c.setConnected(true)

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	var (
		event string
		data  []string
		id    string
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if len(data) > 0 && (event == "" || event == "notification") {
				c.dispatch(strings.Join(data, "\n"), id)
			}
			event, data, id = "", nil, ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
		case "id":
			id = value
		case "retry":
			if ms, perr := strconv.Atoi(value); perr == nil && ms > 0 {
				c.mu.Lock()
				c.retry = time.Duration(ms) * time.Millisecond
				c.mu.Unlock()
			}
		}
	}
	if err := sc.Err(); err != nil {
		return true, fmt.Errorf("read: %w: %w", domain.ErrTransientChannel, err)
	}
	return true, fmt.Errorf("read: %w: stream ended", domain.ErrTransientChannel)
}

// dispatch decodes one event. Undecodable payloads are still delivered as an
// empty event so the consumer counts them as malformed.
func (c *Client) dispatch(payload, id string) {
	var ev domain.NotificationEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		c.log.Warn("undecodable push event", "err", err, "event_id", id)
		ev = domain.NotificationEvent{}
	}

	c.mu.Lock()
	if id != "" {
		c.lastID = id
	}
	fn := c.onEvent
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	if c.connected == v {
		c.mu.Unlock()
		return
	}
	c.connected = v
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}
