package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// State is the connection lifecycle of the manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives every non-heartbeat channel message.
type Handler func(Message)

type Config struct {
	URL                  string
	InitialBackoff       time.Duration // first retry delay, default 1s
	BackoffMultiplier    float64       // default 2.0
	MaxBackoff           time.Duration // delay ceiling, default 30s
	MaxReconnectAttempts int           // default 5
	HandshakeTimeout     time.Duration // default 10s
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// connectAttempt lets overlapping connect callers share one dial: the first
// caller dials, the rest wait on done and read the shared outcome.
type connectAttempt struct {
	done chan struct{}
	err  error
}

type subscriber struct {
	id      int
	handler Handler
}

// Manager keeps exactly one live connection to the worker's event channel no
// matter how many subscribers come and go. The first subscriber brings the
// connection up, the last one tears it down. Unintentional disconnects are
// retried with exponential backoff up to a cap; past the cap the endpoint is
// marked unavailable until a manual Reconnect.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer

	mu          sync.RWMutex
	state       State
	conn        *websocket.Conn
	subs        []subscriber
	nextSubID   int
	attempt     *connectAttempt
	retryTimer  *time.Timer
	failures    int
	unavailable bool
	bo          *backoff.ExponentialBackOff

	// writeMu serializes writes; the read loop answers pings while Send may
	// run on other goroutines.
	writeMu sync.Mutex

	scoresMu sync.RWMutex
	scores   map[string]Score
}

func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialBackoff
	bo.Multiplier = cfg.BackoffMultiplier
	bo.MaxInterval = cfg.MaxBackoff
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		bo:     bo,
		scores: make(map[string]Score),
	}
}

// Subscription is one registered handler's membership.
type Subscription struct {
	m    *Manager
	id   int
	once sync.Once
}

// Close unregisters the handler. Closing the last subscription drops the
// connection.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.m.unsubscribe(s.id)
	})
}

// Subscribe registers a handler for channel messages. The first subscriber
// triggers the initial connection attempt in the background.
func (m *Manager) Subscribe(h Handler) *Subscription {
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.subs = append(m.subs, subscriber{id: id, handler: h})
	first := len(m.subs) == 1
	m.mu.Unlock()

	if first {
		go func() {
			if err := m.connect(); err != nil {
				log.Printf("[CHANNEL] initial connect failed: %v", err)
			}
		}()
	}

	return &Subscription{m: m, id: id}
}

func (m *Manager) unsubscribe(id int) {
	m.mu.Lock()
	for i, sub := range m.subs {
		if sub.id == id {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			break
		}
	}

	var conn *websocket.Conn
	if len(m.subs) == 0 {
		m.stopRetryLocked()
		conn = m.conn
		m.conn = nil
		m.state = StateDisconnected
		m.failures = 0
		m.unavailable = false
		m.bo.Reset()
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Connected reports whether the live connection is up. This boolean is the
// only connectivity signal subscribers ever see.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateConnected
}

// Unavailable reports whether automatic reconnection has given up.
func (m *Manager) Unavailable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unavailable
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Reconnect is the manual recovery path: it clears the failure counter and
// the unavailable flag, then connects. Only this call revives an endpoint
// that exhausted its automatic retries.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	m.failures = 0
	m.unavailable = false
	m.bo.Reset()
	m.stopRetryLocked()
	m.mu.Unlock()

	return m.connect()
}

// connect dials the endpoint. Overlapping calls while an attempt is in
// flight coalesce onto that attempt; no second socket is opened.
func (m *Manager) connect() error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if a := m.attempt; a != nil {
		m.mu.Unlock()
		<-a.done
		return a.err
	}
	if len(m.subs) == 0 {
		m.mu.Unlock()
		return errors.New("no subscribers")
	}

	m.stopRetryLocked()
	a := &connectAttempt{done: make(chan struct{})}
	m.attempt = a
	m.state = StateConnecting
	m.mu.Unlock()

	conn, resp, err := m.dialer.Dial(m.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	m.mu.Lock()
	m.attempt = nil
	if err != nil {
		m.state = StateDisconnected
		a.err = fmt.Errorf("dial %s: %w", m.cfg.URL, err)
		m.scheduleRetryLocked()
		m.mu.Unlock()
		close(a.done)
		return a.err
	}

	if len(m.subs) == 0 {
		// The last subscriber left while the dial was in flight; the
		// refcount owns the connection, so drop it instead of installing it.
		m.state = StateDisconnected
		m.mu.Unlock()
		close(a.done)
		conn.Close()
		return nil
	}

	m.conn = conn
	m.state = StateConnected
	m.failures = 0
	m.bo.Reset()
	m.mu.Unlock()
	close(a.done)

	log.Printf("[CHANNEL] connected to %s", m.cfg.URL)
	go m.readLoop(conn)
	return nil
}

// stopRetryLocked cancels a pending scheduled retry; an explicit connect and
// a scheduled one are mutually exclusive.
func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) scheduleRetryLocked() {
	if len(m.subs) == 0 {
		return
	}

	m.failures++
	if m.failures >= m.cfg.MaxReconnectAttempts {
		m.unavailable = true
		log.Printf("[CHANNEL] giving up after %d consecutive failures; manual reconnect required", m.failures)
		return
	}

	delay := m.bo.NextBackOff()
	m.retryTimer = time.AfterFunc(delay, func() {
		if err := m.connect(); err != nil {
			log.Printf("[CHANNEL] reconnect failed: %v", err)
		}
	})
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(conn, err)
			return
		}
		m.handleMessage(raw)
	}
}

func (m *Manager) handleDisconnect(conn *websocket.Conn, cause error) {
	conn.Close()

	m.mu.Lock()
	if m.conn != conn {
		// A teardown or manual reconnect already replaced this
		// connection; this loop is stale.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	log.Printf("[CHANNEL] disconnected: %v", cause)
	m.scheduleRetryLocked()
	m.mu.Unlock()
}

// handleMessage processes one inbound frame, synchronously and in arrival
// order.
func (m *Manager) handleMessage(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("[CHANNEL] dropping malformed frame: %v", err)
		return
	}

	switch msg.Kind() {
	case MsgPing:
		// Heartbeats are answered transparently, never forwarded.
		m.Send(Message{Type: MsgPong})
		return
	case MsgPong:
		return
	case MsgInferenceScore:
		if score, err := ParseScore(msg); err != nil {
			log.Printf("[CHANNEL] dropping bad score: %v", err)
		} else {
			m.cacheScore(*score)
		}
	}

	m.dispatch(msg)
}

// dispatch delivers the message to every handler in registration order. A
// panicking handler is isolated; the rest still run.
func (m *Manager) dispatch(msg Message) {
	m.mu.RLock()
	snapshot := make([]subscriber, len(m.subs))
	copy(snapshot, m.subs)
	m.mu.RUnlock()

	for _, sub := range snapshot {
		m.deliver(sub, msg)
	}
}

func (m *Manager) deliver(sub subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[CHANNEL] handler %d panicked on %s message: %v", sub.id, msg.Type, r)
		}
	}()
	sub.handler(msg)
}

func (m *Manager) cacheScore(score Score) {
	m.scoresMu.Lock()
	m.scores[score.StreamKey] = score
	m.scoresMu.Unlock()
}

// LatestScore returns the most recent score seen for a stream key.
func (m *Manager) LatestScore(streamKey string) (Score, bool) {
	m.scoresMu.RLock()
	defer m.scoresMu.RUnlock()
	score, ok := m.scores[streamKey]
	return score, ok
}

// Scores returns a copy of the per-stream score cache.
func (m *Manager) Scores() map[string]Score {
	m.scoresMu.RLock()
	defer m.scoresMu.RUnlock()
	out := make(map[string]Score, len(m.scores))
	for k, v := range m.scores {
		out[k] = v
	}
	return out
}

// Send writes a message to the channel, fire-and-forget. While disconnected
// the message is silently dropped: channel traffic is live telemetry, not
// durable commands.
func (m *Manager) Send(msg Message) {
	m.mu.RLock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.RUnlock()

	if !connected || conn == nil {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[CHANNEL] failed to encode outbound message: %v", err)
		return
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[CHANNEL] write failed: %v", err)
	}
}
