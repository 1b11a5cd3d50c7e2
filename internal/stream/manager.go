// Package stream owns the multiplexed market-data websocket connection.
//
// One Manager maintains one transport connection carrying the union of all
// active subscriptions. Subscription topology changes are applied with
// protocol-native SUBSCRIBE/UNSUBSCRIBE control frames rather than by
// rebuilding the connection URL, so adding or removing a stream never drops
// the feed for the others.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/sorooshx/tradecore/errs"
	"github.com/sorooshx/tradecore/internal/observability"
)

const (
	// The feed limits control messages (SUBSCRIBE/UNSUBSCRIBE, PING/PONG)
	// to 5 per second per connection.
	controlMessageInterval = 250 * time.Millisecond
	// Keep subscribe payloads modest so pacing between them stays cheap
	// when the stream count is large.
	maxStreamsPerRequest = 100

	connectTimeout = 10 * time.Second
	writeTimeout   = 5 * time.Second
)

// Status describes the connection lifecycle.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Handler receives every payload tagged with the subscribed stream key.
// Handlers run on the read goroutine: per-stream delivery order matches wire
// order, which diff consumers rely on.
type Handler func(streamKey string, data []byte)

// StatusListener observes connection status transitions.
type StatusListener func(Status)

// Config controls Manager transport behaviour.
type Config struct {
	// URL is the combined-stream endpoint, e.g. wss://host/stream.
	URL string
	// HandshakeTimeout bounds the websocket dial. Defaults to 10s.
	HandshakeTimeout time.Duration
}

// Manager owns the multiplexed websocket connection and the handler registry.
type Manager struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	conn     *websocket.Conn
	connMu   sync.RWMutex
	msgIDGen atomic.Uint64
	tokenGen atomic.Uint64

	subsMu    sync.Mutex
	subs      map[string]map[uint64]Handler
	listeners []StatusListener
	status    Status

	controlMu       sync.Mutex
	lastControlSend time.Time

	ready     chan struct{}
	readyOnce sync.Once

	startOnce sync.Once
	stopOnce  sync.Once
	loopGroup conc.WaitGroup
}

type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type controlResponse struct {
	Result *json.RawMessage `json:"result"`
	ID     uint64           `json:"id"`
	Error  *wsError         `json:"error,omitempty"`
}

type wsError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// NewManager creates a stream manager for the given endpoint.
func NewManager(cfg Config) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = connectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]map[uint64]Handler),
		status: StatusDisconnected,
		ready:  make(chan struct{}),
	}
}

// Connect establishes the websocket connection in the background and waits
// for the first successful dial. Repeated calls are no-ops.
func (m *Manager) Connect(ctx context.Context) error {
	m.startOnce.Do(func() {
		m.loopGroup.Go(m.connectLoop)
	})

	select {
	case <-m.ready:
		return nil
	case <-time.After(m.cfg.HandshakeTimeout):
		return errs.New("stream", errs.CodeNetwork,
			errs.WithMessage("timeout waiting for websocket connection"),
			errs.WithField("url", m.cfg.URL))
	case <-ctx.Done():
		return fmt.Errorf("connect context: %w", ctx.Err())
	case <-m.ctx.Done():
		return errs.New("stream", errs.CodeUnavailable, errs.WithMessage("manager closed"))
	}
}

// Close tears down the connection, cancels any pending reconnect, and
// suppresses all further handler invocation. Repeated calls are no-ops.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.connMu.Lock()
		if m.conn != nil {
			_ = m.conn.Close(websocket.StatusNormalClosure, "shutdown")
			m.conn = nil
		}
		m.connMu.Unlock()
		m.loopGroup.Wait()
		m.setStatus(StatusDisconnected)
	})
}

// Subscribe registers a handler for the stream key and returns a revocation
// function. The first handler for a key sends a SUBSCRIBE control frame; the
// last revocation sends UNSUBSCRIBE.
func (m *Manager) Subscribe(streamKey string, handler Handler) (func(), error) {
	if handler == nil {
		return nil, errs.New("stream", errs.CodeInvalid, errs.WithMessage("handler must not be nil"))
	}
	token := m.tokenGen.Add(1)

	m.subsMu.Lock()
	handlers, exists := m.subs[streamKey]
	if !exists {
		handlers = make(map[uint64]Handler)
		m.subs[streamKey] = handlers
	}
	handlers[token] = handler
	first := !exists
	m.subsMu.Unlock()

	if first {
		if err := m.sendBatchedControlRequests("SUBSCRIBE", []string{streamKey}); err != nil && !errors.Is(err, errNotConnected) {
			return nil, err
		}
		observability.Telemetry().SetGauge(observability.MetricStreamSubscription, float64(m.subscriptionCount()), nil)
	}

	var revokeOnce sync.Once
	revoke := func() {
		revokeOnce.Do(func() {
			m.subsMu.Lock()
			handlers, ok := m.subs[streamKey]
			if ok {
				delete(handlers, token)
				if len(handlers) == 0 {
					delete(m.subs, streamKey)
				}
			}
			last := ok && len(handlers) == 0
			m.subsMu.Unlock()
			if last {
				// Best effort: a failed UNSUBSCRIBE only costs ignored frames.
				_ = m.sendBatchedControlRequests("UNSUBSCRIBE", []string{streamKey})
				observability.Telemetry().SetGauge(observability.MetricStreamSubscription, float64(m.subscriptionCount()), nil)
			}
		})
	}
	return revoke, nil
}

// OnStatus registers a listener for connection status transitions.
func (m *Manager) OnStatus(listener StatusListener) {
	if listener == nil {
		return
	}
	m.subsMu.Lock()
	m.listeners = append(m.listeners, listener)
	m.subsMu.Unlock()
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	return m.status
}

func (m *Manager) setStatus(status Status) {
	m.subsMu.Lock()
	if m.status == status {
		m.subsMu.Unlock()
		return
	}
	m.status = status
	listeners := make([]StatusListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.subsMu.Unlock()

	for _, listener := range listeners {
		listener(status)
	}
}

// connectLoop maintains the connection with automatic reconnection and
// exponential backoff. The backoff resets on every successful dial.
func (m *Manager) connectLoop() {
	backoffCfg := backoff.NewExponentialBackOff()
	attempted := false

	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		if attempted {
			m.setStatus(StatusReconnecting)
			observability.Telemetry().IncCounter(observability.MetricStreamReconnects, 1, nil)
		} else {
			m.setStatus(StatusConnecting)
		}
		attempted = true

		dialCtx, cancel := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout)
		conn, _, err := websocket.Dial(dialCtx, m.cfg.URL, nil)
		cancel()
		if err != nil {
			observability.Log().Warn("websocket dial failed",
				observability.F("url", m.cfg.URL),
				observability.F("error", err.Error()))
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(backoffCfg.NextBackOff()):
				continue
			}
		}
		conn.SetReadLimit(1 << 22)

		m.connMu.Lock()
		m.conn = conn
		m.connMu.Unlock()

		backoffCfg.Reset()
		m.readyOnce.Do(func() { close(m.ready) })
		m.setStatus(StatusConnected)

		if err := m.subscribeAll(); err != nil {
			observability.Log().Error("resubscribe after connect",
				observability.F("error", err.Error()))
		}

		if err := m.readLoop(conn); errors.Is(err, context.Canceled) {
			return
		}

		m.connMu.Lock()
		m.conn = nil
		m.connMu.Unlock()

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(backoffCfg.NextBackOff()):
		}
	}
}

// subscribeAll replays the full subscription set, used after every
// (re)connect to restore topology.
func (m *Manager) subscribeAll() error {
	m.subsMu.Lock()
	streams := make([]string, 0, len(m.subs))
	for stream := range m.subs {
		streams = append(streams, stream)
	}
	m.subsMu.Unlock()

	return m.sendBatchedControlRequests("SUBSCRIBE", streams)
}

var errNotConnected = errors.New("websocket not connected")

func (m *Manager) sendBatchedControlRequests(method string, streams []string) error {
	if len(streams) == 0 {
		return nil
	}

	m.controlMu.Lock()
	defer m.controlMu.Unlock()

	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()
	if conn == nil {
		return errNotConnected
	}

	for _, chunk := range chunkStreams(streams, maxStreamsPerRequest) {
		if err := m.waitForControlWindowLocked(method); err != nil {
			return err
		}

		req := controlRequest{
			Method: method,
			Params: chunk,
			ID:     m.msgIDGen.Add(1),
		}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", method, err)
		}

		writeCtx, cancel := context.WithTimeout(m.ctx, writeTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return fmt.Errorf("write %s request: %w", method, err)
		}
		m.lastControlSend = time.Now()
	}
	return nil
}

func (m *Manager) waitForControlWindowLocked(method string) error {
	if m.lastControlSend.IsZero() {
		return nil
	}
	wait := time.Until(m.lastControlSend.Add(controlMessageInterval))
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-m.ctx.Done():
		return fmt.Errorf("context done while pacing %s requests: %w", method, m.ctx.Err())
	}
}

func chunkStreams(streams []string, size int) [][]string {
	if len(streams) == 0 {
		return nil
	}
	if size <= 0 || len(streams) <= size {
		snapshot := make([]string, len(streams))
		copy(snapshot, streams)
		return [][]string{snapshot}
	}
	chunks := make([][]string, 0, (len(streams)+size-1)/size)
	for start := 0; start < len(streams); start += size {
		end := start + size
		if end > len(streams) {
			end = len(streams)
		}
		chunk := make([]string, end-start)
		copy(chunk, streams[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

// readLoop reads frames until the connection fails or the manager closes,
// dispatching stream payloads to registered handlers in wire order.
func (m *Manager) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(m.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		// Control acknowledgements carry an id and no stream field.
		var resp controlResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			if resp.Error != nil {
				observability.Log().Error("stream control rejected",
					observability.F("id", resp.ID),
					observability.F("code", resp.Error.Code),
					observability.F("msg", resp.Error.Msg))
			}
			continue
		}

		m.dispatch(data)
	}
}

// dispatch unwraps the combined-stream envelope and fans the payload out to
// the key's handlers. Handlers run inline so per-stream ordering is
// preserved.
func (m *Manager) dispatch(data []byte) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Stream == "" {
		// Single-stream connections deliver bare payloads; with exactly
		// one subscription the destination is unambiguous.
		m.subsMu.Lock()
		if len(m.subs) == 1 {
			for key := range m.subs {
				envelope.Stream = key
			}
			envelope.Data = data
		}
		m.subsMu.Unlock()
		if envelope.Stream == "" {
			return
		}
	}

	m.subsMu.Lock()
	handlers := make([]Handler, 0, len(m.subs[envelope.Stream]))
	for _, h := range m.subs[envelope.Stream] {
		handlers = append(handlers, h)
	}
	m.subsMu.Unlock()

	if len(handlers) == 0 {
		return
	}
	observability.Telemetry().IncCounter(observability.MetricStreamMessages, 1,
		map[string]string{"stream": envelope.Stream})
	for _, h := range handlers {
		h(envelope.Stream, envelope.Data)
	}
}

func (m *Manager) subscriptionCount() int {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	return len(m.subs)
}
