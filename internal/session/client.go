package session

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/replaycore/replayd/internal/schema"
)

const writeTimeout = 5 * time.Second

// client is one live websocket connection.
type client struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter

	mu       sync.Mutex
	lastSeen time.Time

	writeMu sync.Mutex
}

func newClient(id string, conn *websocket.Conn, ratePerSecond float64) *client {
	if ratePerSecond <= 0 {
		ratePerSecond = 50
	}
	return &client{
		id:       id,
		conn:     conn,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)),
		lastSeen: time.Now(),
	}
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *client) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// send serialises the envelope and writes it under the per-client write
// lock; concurrent broadcast and reply writes must not interleave frames.
func (c *client) send(ctx context.Context, msg schema.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.sendRaw(ctx, raw)
}

func (c *client) sendRaw(ctx context.Context, raw []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(writeCtx, websocket.MessageText, raw)
}

func (c *client) close(code websocket.StatusCode, reason string) {
	_ = c.conn.Close(code, reason)
}

// departure remembers a disconnected client so it can resume its identity
// within the reconnect grace period.
type departure struct {
	clientID string
	leftAt   time.Time
}
