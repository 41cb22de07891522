package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/arkrelay/gateway/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config controls one gateway identity's connection to the relay overlay.
type Config struct {
	RelayURLs         []string
	DedupCacheSize    int
	OutboundQueueSize int
	DialTimeout       time.Duration
}

// relayConn is one websocket connection to a single relay, with its own
// send queue so a slow relay cannot block publishes to the others.
type relayConn struct {
	url     string
	conn    *websocket.Conn
	outbox  chan *Event
	healthy bool
	mu      sync.RWMutex
}

func (r *relayConn) setHealthy(h bool) {
	r.mu.Lock()
	r.healthy = h
	r.mu.Unlock()
}

func (r *relayConn) isHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy
}

// Client maintains connections to an ordered set of relays, deduplicates
// inbound events by id, and exposes a single inbound channel of decoded
// events preserving per-author arrival order per relay.
type Client struct {
	cfg      Config
	conns    []*relayConn
	inbound  chan *Event
	seen     map[string]time.Time
	seenMu   sync.Mutex
	seenCap  int
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewClient builds a relay Client without dialing; call Start to connect.
func NewClient(cfg Config) *Client {
	dedupCap := cfg.DedupCacheSize
	if dedupCap == 0 {
		dedupCap = 10000
	}
	queueSize := cfg.OutboundQueueSize
	if queueSize == 0 {
		queueSize = 256
	}

	conns := make([]*relayConn, 0, len(cfg.RelayURLs))
	for _, url := range cfg.RelayURLs {
		conns = append(conns, &relayConn{url: url, outbox: make(chan *Event, queueSize)})
	}

	return &Client{
		cfg:     cfg,
		conns:   conns,
		inbound: make(chan *Event, 1024),
		seen:    make(map[string]time.Time),
		seenCap: dedupCap,
	}
}

// Inbound returns the channel of deduplicated, decoded events delivered
// from any healthy relay.
func (c *Client) Inbound() <-chan *Event {
	return c.inbound
}

// Start dials every configured relay and spawns its reader/writer
// goroutines. At least one relay must dial successfully.
func (c *Client) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	dialTimeout := c.cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}

	connected := 0
	for _, rc := range c.conns {
		dialCtx, dialCancel := context.WithTimeout(runCtx, dialTimeout)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, rc.url, nil)
		dialCancel()
		if err != nil {
			logger.Warn("relay dial failed", zap.String("relay", rc.url), zap.Error(err))
			continue
		}
		rc.conn = conn
		rc.setHealthy(true)
		connected++

		c.wg.Add(2)
		go c.readLoop(runCtx, rc)
		go c.writeLoop(runCtx, rc)
	}

	if connected == 0 {
		cancel()
		return fmt.Errorf("relay: no relay connections established out of %d configured", len(c.conns))
	}
	return nil
}

// Shutdown cancels all relay goroutines and closes connections.
func (c *Client) Shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	for _, rc := range c.conns {
		if rc.conn != nil {
			_ = rc.conn.Close()
		}
	}
	c.wg.Wait()
}

// HealthyCount reports how many relay connections are currently healthy —
// the gateway requires at least one healthy connection to accept writes.
func (c *Client) HealthyCount() int {
	n := 0
	for _, rc := range c.conns {
		if rc.isHealthy() {
			n++
		}
	}
	return n
}

// Publish enqueues ev for delivery to every healthy relay. Enqueue is
// non-blocking per relay: a full outbox drops the oldest queued event for
// that relay rather than stalling the publisher (bounded backpressure).
func (c *Client) Publish(ev *Event) error {
	if c.HealthyCount() == 0 {
		return fmt.Errorf("relay: no healthy relay connections")
	}
	for _, rc := range c.conns {
		if !rc.isHealthy() {
			continue
		}
		select {
		case rc.outbox <- ev:
		default:
			select {
			case <-rc.outbox:
			default:
			}
			select {
			case rc.outbox <- ev:
			default:
			}
			logger.Warn("relay outbox full, dropped oldest queued event", zap.String("relay", rc.url))
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, rc *relayConn) {
	defer c.wg.Done()
	defer rc.setHealthy(false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := rc.conn.ReadMessage()
		if err != nil {
			logger.Warn("relay read failed, marking unhealthy", zap.String("relay", rc.url), zap.Error(err))
			return
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Warn("relay sent malformed event", zap.String("relay", rc.url), zap.Error(err))
			continue
		}

		if c.markSeen(ev.ID) {
			continue
		}

		if err := ev.Verify(); err != nil {
			logger.Warn("relay event failed signature verification", zap.String("relay", rc.url), logger.EventID(ev.ID), zap.Error(err))
			continue
		}

		select {
		case c.inbound <- &ev:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, rc *relayConn) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-rc.outbox:
			raw, err := json.Marshal(ev)
			if err != nil {
				logger.Error("relay failed to marshal outbound event", zap.Error(err))
				continue
			}
			if err := rc.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				logger.Warn("relay write failed, marking unhealthy", zap.String("relay", rc.url), zap.Error(err))
				rc.setHealthy(false)
				return
			}
		}
	}
}

// markSeen records id as observed and reports whether it was already seen
// (i.e. this is a duplicate). The cache is trimmed opportunistically once it
// exceeds capacity rather than maintaining a precise LRU, since exact
// eviction order does not affect correctness — only memory bounds.
func (c *Client) markSeen(id string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()

	if _, ok := c.seen[id]; ok {
		return true
	}
	c.seen[id] = time.Now()

	if len(c.seen) > c.seenCap {
		cutoff := time.Now().Add(-10 * time.Minute)
		for k, t := range c.seen {
			if t.Before(cutoff) {
				delete(c.seen, k)
			}
		}
	}
	return false
}
