// Package realtime owns the client side of the hub channel: exactly one
// websocket per identity, typed inbound dispatch, serialized outbound
// writes, and a supervising reconnect loop with exponential backoff.
package realtime

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/mheijden/linkup/internal/proto"
	"github.com/mheijden/linkup/internal/util"
)

var log = logging.Logger("realtime")

// Handler consumes one decoded inbound event.
type Handler func(proto.Event)

// Options configures a Manager.
type Options struct {
	// HubURL is the websocket endpoint, e.g. ws://host:port/ws.
	HubURL string

	// Identity is the opaque token attached to the dial.
	Identity string

	// QueueSize bounds the outbound frames buffered while disconnected.
	QueueSize int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Dialer overrides the default websocket dialer (tests).
	Dialer *websocket.Dialer
}

// Manager owns the realtime channel for one identity. Handlers registered
// with OnEvent survive reconnects; frames sent while the channel is down
// go to a bounded queue and flush on the next successful dial.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	conn     *websocket.Conn
	ready    bool
	handlers map[string][]Handler
	watchers map[chan bool]struct{}

	writeMu sync.Mutex // serializes writes on the live connection
	queue   *util.FrameQueue

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Manager. Connect must be called to start dialing.
func New(opts Options) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: util.DefaultConnectTimeout}
	}
	return &Manager{
		opts:     opts,
		handlers: make(map[string][]Handler),
		watchers: make(map[chan bool]struct{}),
		queue:    util.NewFrameQueue(opts.QueueSize),
		done:     make(chan struct{}),
	}
}

// OnEvent registers a handler for inbound frames with the given event
// type. Multiple handlers per type are allowed; registration order is
// preserved. Must not be called after Connect from multiple goroutines
// racing with dispatch — register everything up front.
func (m *Manager) OnEvent(eventType string, h Handler) {
	m.mu.Lock()
	m.handlers[eventType] = append(m.handlers[eventType], h)
	m.mu.Unlock()
}

// Ready reports whether the channel is currently open.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	r := m.ready
	m.mu.RUnlock()
	return r
}

// ReadyWatch returns a channel receiving ready-state changes. Slow
// watchers miss intermediate flips rather than block the manager.
func (m *Manager) ReadyWatch() chan bool {
	ch := make(chan bool, 4)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

// UnwatchReady removes and closes a watcher channel.
func (m *Manager) UnwatchReady(ch chan bool) {
	m.mu.Lock()
	if _, ok := m.watchers[ch]; ok {
		delete(m.watchers, ch)
		close(ch)
	}
	m.mu.Unlock()
}

// Connect starts the supervising dial loop and returns immediately. Dial
// and close failures are never surfaced as errors — observers watch
// Ready/ReadyWatch instead. The loop stops when ctx is cancelled or Close
// is called.
func (m *Manager) Connect(ctx context.Context) {
	go m.supervise(ctx)
}

// Close tears the channel down and stops the supervisor.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Send marshals the frame and writes it on the live channel. While the
// channel is down the frame is queued (bounded, drop-oldest) and flushed
// on reconnect. Send never blocks on the network beyond the write itself
// and never returns a transport error to the caller; failures are logged.
func (m *Manager) Send(f *proto.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	conn, ready := m.conn, m.ready
	m.mu.RUnlock()

	if !ready || conn == nil {
		if m.queue.Push(data) {
			log.Warnf("send queue full — dropped oldest frame (total dropped %d)", m.queue.Dropped())
		}
		log.Debugf("channel not ready — queued %s frame", f.EventType)
		return nil
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// Flip ready so later frames queue at the tail, and keep this one
		// at the head; the flush then replays everything in send order.
		m.markNotReady(conn)
		m.queue.PushFront(data)
		log.Warnf("write %s frame: %v — requeued", f.EventType, err)
	}
	return nil
}

// markNotReady clears the ready flag for a connection whose write just
// failed. The read loop follows up with the full teardown.
func (m *Manager) markNotReady(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.ready = false
	}
	m.mu.Unlock()
}

func (m *Manager) supervise(ctx context.Context) {
	backoff := m.opts.InitialBackoff

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		default:
		}

		conn, _, err := m.opts.Dialer.DialContext(ctx, m.dialURL(), nil)
		if err != nil {
			log.Warnf("dial %s: %v — retrying in %s", m.opts.HubURL, err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
			if backoff > m.opts.MaxBackoff {
				backoff = m.opts.MaxBackoff
			}
			continue
		}

		backoff = m.opts.InitialBackoff
		m.setConn(conn)
		log.Infof("channel open as %s", m.opts.Identity)

		m.flushQueue(conn)
		m.readLoop(conn) // blocks until the connection dies

		m.clearConn(conn)
		log.Infof("channel closed — reconnecting")
	}
}

func (m *Manager) dialURL() string {
	return m.opts.HubURL + "?identity=" + m.opts.Identity
}

func (m *Manager) setConn(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.ready = true
	m.mu.Unlock()
	m.notifyReady(true)
}

func (m *Manager) clearConn(conn *websocket.Conn) {
	_ = conn.Close()
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.ready = false
	}
	m.mu.Unlock()
	m.notifyReady(false)
}

func (m *Manager) notifyReady(up bool) {
	m.mu.RLock()
	for ch := range m.watchers {
		select {
		case ch <- up:
		default:
		}
	}
	m.mu.RUnlock()
}

// flushQueue writes frames buffered during the disconnect, oldest first.
func (m *Manager) flushQueue(conn *websocket.Conn) {
	frames := m.queue.Drain()
	if len(frames) == 0 {
		return
	}
	log.Infof("flushing %d queued frames", len(frames))
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	for _, data := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warnf("flush queued frame: %v", err)
			return
		}
	}
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debugf("read: %v", err)
			return
		}
		m.dispatch(data)
	}
}

// dispatch decodes one inbound frame into its typed event and fans it out
// to the handlers registered for that event type. Undecodable frames are
// logged and dropped.
func (m *Manager) dispatch(data []byte) {
	ev, err := proto.Decode(data)
	if err != nil {
		log.Warnf("dropping inbound frame: %v", err)
		return
	}

	m.mu.RLock()
	handlers := make([]Handler, len(m.handlers[ev.EventType()]))
	copy(handlers, m.handlers[ev.EventType()])
	m.mu.RUnlock()

	if len(handlers) == 0 {
		log.Debugf("no handler for %s", ev.EventType())
		return
	}
	for _, h := range handlers {
		h(ev)
	}
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}
