package chatsync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatedPayload is sent when a real-time connection is authenticated.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures real-time clients. An empty Token uses the
// client's current token.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Factory
// ============================================================================

// RealtimeFactory creates push connections that feed a Client's listeners.
type RealtimeFactory struct{ client *Client }

// WSUrl returns the WebSocket URL.
func (f *RealtimeFactory) WSUrl(token string) string {
	base := strings.Replace(f.client.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + url.QueryEscape(token)
	}
	return base + "/ws"
}

// SSEUrl returns the SSE URL.
func (f *RealtimeFactory) SSEUrl(token string) string {
	if token != "" {
		return f.client.baseURL + "/sse?token=" + url.QueryEscape(token)
	}
	return f.client.baseURL + "/sse"
}

func (f *RealtimeFactory) config(config *RealtimeConfig) *RealtimeConfig {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = f.client.Token()
	}
	cfg.defaults()
	return &cfg
}

// ConnectWS creates a WebSocket real-time client. Call Connect() to establish connection.
func (f *RealtimeFactory) ConnectWS(config *RealtimeConfig) *RealtimeWSClient {
	cfg := f.config(config)
	return &RealtimeWSClient{
		url:          f.WSUrl(cfg.Token),
		config:       cfg,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(f.client.Deliver, f.client.log),
		recon:        newReconnector(cfg),
		pendingPings: make(map[string]chan PongPayload),
		log:          f.client.log,
	}
}

// ConnectSSE creates an SSE real-time client. Call Connect() to establish connection.
func (f *RealtimeFactory) ConnectSSE(config *RealtimeConfig) *RealtimeSSEClient {
	cfg := f.config(config)
	return &RealtimeSSEClient{
		url:        f.SSEUrl(cfg.Token),
		config:     cfg,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(f.client.Deliver, f.client.log),
		recon:      newReconnector(cfg),
		log:        f.client.log,
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

// eventDispatcher hands domain events to the sink in arrival order and runs
// connection meta handlers on their own goroutines.
type eventDispatcher struct {
	sink func(Envelope) error
	log  zerolog.Logger

	mu             sync.RWMutex
	generic        map[string][]RealtimeEventHandler
	onError        []func(RealtimeErrorPayload)
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
}

func newEventDispatcher(sink func(Envelope) error, log zerolog.Logger) *eventDispatcher {
	return &eventDispatcher{
		sink:    sink,
		log:     log,
		generic: make(map[string][]RealtimeEventHandler),
	}
}

func (d *eventDispatcher) dispatch(env Envelope) {
	switch env.Type {
	case EventTypeAuthenticated, EventTypePong:
	case EventTypeError:
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			d.log.Warn().Str("message", p.Message).Msg("realtime server error")
			d.mu.RLock()
			handlers := append([]func(RealtimeErrorPayload){}, d.onError...)
			d.mu.RUnlock()
			for _, h := range handlers {
				go h(p)
			}
		}
	default:
		if d.sink != nil {
			if err := d.sink(env); err != nil {
				d.log.Warn().Err(err).Str("type", env.Type).Msg("push event dropped")
			}
		}
	}

	d.mu.RLock()
	generic := append([]RealtimeEventHandler{}, d.generic[env.Type]...)
	d.mu.RUnlock()
	for _, h := range generic {
		go h(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) on(eventType string, h RealtimeEventHandler) {
	d.mu.Lock()
	d.generic[eventType] = append(d.generic[eventType], h)
	d.mu.Unlock()
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is a WebSocket push connection with auto-reconnect and
// heartbeat. Events are delivered to the owning Client's listeners.
type RealtimeWSClient struct {
	url              string
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	pingCounter      atomic.Int64
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
	log              zerolog.Logger
}

// OnError registers a handler for server errors.
func (ws *RealtimeWSClient) OnError(h func(RealtimeErrorPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onError = append(ws.dispatcher.onError, h)
	ws.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (ws *RealtimeWSClient) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeWSClient) OnDisconnected(h func(code int, reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeWSClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (ws *RealtimeWSClient) On(eventType string, h RealtimeEventHandler) {
	ws.dispatcher.on(eventType, h)
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *RealtimeWSClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

// Connect establishes the WebSocket connection.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ws.url, &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The first frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventTypeAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected '%s', got '%s'", EventTypeAuthenticated, env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.dispatcher.dispatch(env)
	ws.dispatcher.emitConnected()
	ws.log.Info().Str("url", ws.url).Msg("realtime websocket connected")

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()
	ws.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send sends a raw command over the WebSocket.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected: %w", ErrNetwork)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter.Add(1))

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	forget := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		forget()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed: %w", ErrNetwork)
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		forget()
		return nil, fmt.Errorf("ping timeout: %w", ErrNetwork)
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.conn = nil
			if ws.cancelFn != nil {
				ws.cancelFn()
				ws.cancelFn = nil
			}
			ws.mu.Unlock()

			ws.log.Warn().Err(err).Msg("realtime websocket lost")
			ws.dispatcher.emitDisconnected(0, err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ws.log.Warn().Err(err).Msg("malformed realtime frame")
			continue
		}

		if env.Type == EventTypePong {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		}

		ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}

			if _, err := ws.Ping(ctx); err != nil {
				ws.log.Warn().Err(err).Msg("realtime heartbeat failed")
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) scheduleReconnect() {
	for {
		delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)

		time.Sleep(delay)

		ws.mu.Lock()
		intentional := ws.intentionalClose
		if !intentional {
			ws.state = StateDisconnected
		}
		ws.mu.Unlock()
		if intentional {
			return
		}

		err := ws.Connect(context.Background())
		if err == nil {
			return
		}
		ws.log.Warn().Err(err).Int("attempt", ws.recon.attempt).Msg("realtime reconnect failed")
		if !ws.config.AutoReconnect || !ws.recon.shouldReconnect() {
			ws.setState(StateDisconnected)
			return
		}
	}
}

func (ws *RealtimeWSClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

// ============================================================================
// RealtimeSSEClient
// ============================================================================

// RealtimeSSEClient is an SSE push connection (server-push only) with auto-reconnect.
type RealtimeSSEClient struct {
	url              string
	config           *RealtimeConfig
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	lastDataTime     time.Time
	log              zerolog.Logger
}

// OnError registers a handler for server errors.
func (sse *RealtimeSSEClient) OnError(h func(RealtimeErrorPayload)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onError = append(sse.dispatcher.onError, h)
	sse.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (sse *RealtimeSSEClient) OnConnected(h func()) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onConnected = append(sse.dispatcher.onConnected, h)
	sse.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (sse *RealtimeSSEClient) OnDisconnected(h func(code int, reason string)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onDisconnected = append(sse.dispatcher.onDisconnected, h)
	sse.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (sse *RealtimeSSEClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onReconnecting = append(sse.dispatcher.onReconnecting, h)
	sse.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (sse *RealtimeSSEClient) On(eventType string, h RealtimeEventHandler) {
	sse.dispatcher.on(eventType, h)
}

// State returns the current connection state.
func (sse *RealtimeSSEClient) State() RealtimeState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

func (sse *RealtimeSSEClient) setState(s RealtimeState) {
	sse.mu.Lock()
	sse.state = s
	sse.mu.Unlock()
}

// Connect establishes the SSE connection.
func (sse *RealtimeSSEClient) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateConnecting
	sse.intentionalClose = false
	sse.mu.Unlock()

	connCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, sse.url, nil)
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// ctx bounds the handshake only; the stream lives until Disconnect.
	stop := context.AfterFunc(ctx, cancel)
	resp, err := sse.config.HTTPClient.Do(req)
	stop()
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	sse.state = StateConnected
	sse.lastDataTime = time.Now()
	sse.cancelFn = cancel
	sse.mu.Unlock()
	sse.recon.markConnected()
	sse.dispatcher.emitConnected()
	sse.log.Info().Str("url", sse.url).Msg("realtime sse connected")

	go sse.readLoop(connCtx, resp)
	go sse.heartbeatWatchdog(connCtx)

	return nil
}

// Disconnect closes the SSE connection.
func (sse *RealtimeSSEClient) Disconnect() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.state = StateDisconnected
	sse.mu.Unlock()

	sse.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

func (sse *RealtimeSSEClient) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}

		if strings.HasPrefix(line, "data: ") {
			var env Envelope
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env); err != nil {
				sse.log.Warn().Err(err).Msg("malformed sse event")
				continue
			}
			sse.dispatcher.dispatch(env)
		}
	}

	sse.mu.Lock()
	intentional := sse.intentionalClose
	sse.mu.Unlock()
	if intentional {
		return
	}

	sse.setState(StateDisconnected)
	sse.log.Warn().Msg("realtime sse stream ended")
	sse.dispatcher.emitDisconnected(0, "stream ended")

	if sse.config.AutoReconnect && sse.recon.shouldReconnect() {
		sse.scheduleReconnect()
	}
}

func (sse *RealtimeSSEClient) heartbeatWatchdog(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > 45*time.Second
			cancel := sse.cancelFn
			sse.mu.Unlock()
			if stale {
				if cancel != nil {
					cancel()
				}
				return
			}
		}
	}
}

func (sse *RealtimeSSEClient) scheduleReconnect() {
	for {
		delay := sse.recon.nextDelay()
		sse.setState(StateReconnecting)
		sse.dispatcher.emitReconnecting(sse.recon.attempt, delay)

		time.Sleep(delay)

		sse.mu.Lock()
		intentional := sse.intentionalClose
		if !intentional {
			sse.state = StateDisconnected
		}
		sse.mu.Unlock()
		if intentional {
			return
		}

		err := sse.Connect(context.Background())
		if err == nil {
			return
		}
		sse.log.Warn().Err(err).Int("attempt", sse.recon.attempt).Msg("realtime reconnect failed")
		if !sse.config.AutoReconnect || !sse.recon.shouldReconnect() {
			sse.setState(StateDisconnected)
			return
		}
	}
}
