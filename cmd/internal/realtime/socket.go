package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	v1 "github.com/Longtran2404/knowledge-base-sub000/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// SocketConfig configures a realtime Socket.
type SocketConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// APIKey is sent as the apikey header on the upgrade request.
	APIKey string

	// AccessToken authenticates the session in hello. Empty is anonymous.
	AccessToken string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Socket is one websocket session with the realtime backend. It multiplexes
// channels (topics) and implements Backend.
type Socket struct {
	log  *slog.Logger
	cfg  SocketConfig
	conn *websocket.Conn

	send chan v1.Envelope

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup

	mu        sync.Mutex
	sessionID string
	channels  map[string]*socketChannel
	pending   map[string]chan v1.Envelope
}

var _ Backend = (*Socket)(nil)

// Dial connects, negotiates the subprotocol and completes the hello handshake.
func Dial(ctx context.Context, log *slog.Logger, cfg SocketConfig) (*Socket, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := validateWSURL(cfg.URL); err != nil {
		return nil, fmt.Errorf("realtime: invalid url: %w", err)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = heartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = heartbeatTimeout
	}

	h := http.Header{}
	if cfg.APIKey != "" {
		h.Set("apikey", cfg.APIKey)
	}

	dctx, dcancel := context.WithTimeout(ctx, joinTimeout)
	defer dcancel()

	conn, resp, err := websocket.Dial(dctx, cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("realtime: subprotocol mismatch: got=%q want=%q", sp, v1.Subprotocol)
	}
	conn.SetReadLimit(maxFrameBytes)

	sctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		log:      log,
		cfg:      cfg,
		conn:     conn,
		send:     make(chan v1.Envelope, sendQueueSize),
		ctx:      sctx,
		cancel:   cancel,
		channels: make(map[string]*socketChannel),
		pending:  make(map[string]chan v1.Envelope),
	}

	s.wg.Add(3)
	go s.writeLoop()
	go s.readLoop()
	go s.heartbeatLoop()

	ack, err := s.request(dctx, v1.TypeHello, "", v1.HelloPayload{Token: cfg.AccessToken})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("realtime: hello: %w", err)
	}
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil || strings.TrimSpace(p.SessionID) == "" {
		_ = s.Close()
		return nil, errors.New("realtime: hello_ack missing session_id")
	}

	s.mu.Lock()
	s.sessionID = p.SessionID
	s.mu.Unlock()

	log.Info("realtime.socket.open", "session_id", p.SessionID)
	return s, nil
}

// SessionID returns the id assigned by the backend in hello_ack.
func (s *Socket) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SetAccessToken replaces the session's access token, e.g. after a refresh.
func (s *Socket) SetAccessToken(ctx context.Context, token string) error {
	env, err := s.envelope(v1.TypeAccessToken, "", v1.AccessTokenPayload{Token: token})
	if err != nil {
		return err
	}
	return s.enqueue(ctx, env)
}

// OpenChannel returns a channel for topic name. Nothing is sent until Subscribe.
func (s *Socket) OpenChannel(_ context.Context, name string) (Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("realtime: empty topic")
	}
	select {
	case <-s.ctx.Done():
		return nil, ErrClosed
	default:
	}
	return &socketChannel{
		s:          s,
		topic:      name,
		broadcasts: make(map[string][]BroadcastFunc),
	}, nil
}

// Close ends the session (idempotent).
func (s *Socket) Close() error {
	s.shutdown(websocket.StatusNormalClosure, "bye")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeGrace):
	}
	return nil
}

// Done is closed when the session ends.
func (s *Socket) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Socket) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(code, reason)
		s.log.Info("realtime.socket.close", "session_id", s.SessionID(), "reason", reason)
	})
}

// ---- request/reply ----

func (s *Socket) envelope(typ, topic string, payload any) (v1.Envelope, error) {
	now := time.Now().UTC()
	id, err := NewEnvelopeID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return v1.Envelope{}, err
		}
		raw = b
	}
	return v1.Envelope{V: v1.Version, Type: typ, ID: id, Topic: topic, TS: now, Payload: raw}, nil
}

// request sends an envelope and waits for the reply whose Ref is its ID.
// hello is answered by hello_ack, everything else by reply.
func (s *Socket) request(ctx context.Context, typ, topic string, payload any) (v1.Envelope, error) {
	env, err := s.envelope(typ, topic, payload)
	if err != nil {
		return v1.Envelope{}, err
	}

	wait := make(chan v1.Envelope, 1)
	s.mu.Lock()
	s.pending[env.ID] = wait
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, env.ID)
		s.mu.Unlock()
	}()

	if err := s.enqueue(ctx, env); err != nil {
		return v1.Envelope{}, err
	}

	select {
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	case <-s.ctx.Done():
		return v1.Envelope{}, ErrClosed
	case reply := <-wait:
		if reply.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(reply.Payload, &ep)
			return reply, fmt.Errorf("realtime: server error: code=%q msg=%q", ep.Code, ep.Message)
		}
		return reply, nil
	}
}

func (s *Socket) enqueue(ctx context.Context, env v1.Envelope) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	case s.send <- env:
		return nil
	}
}

// ---- loops ----

func (s *Socket) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case env := <-s.send:
			if err := writeEnvelope(s.ctx, s.conn, env, writeTimeout); err != nil {
				s.log.Info("realtime.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *Socket) heartbeatLoop() {
	defer s.wg.Done()

	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(s.ctx, s.cfg.HeartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				s.log.Info("realtime.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *Socket) readLoop() {
	defer s.wg.Done()
	for {
		env, err := readEnvelope(s.ctx, s.conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadJSON:
				s.log.Warn("realtime.read.bad_json", "err", err)
				continue
			case readErrClose, readErrCtxDone:
				s.shutdown(websocket.StatusNormalClosure, "peer closed")
			default:
				s.log.Info("realtime.read.fail", "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}
		if err := env.Validate(); err != nil {
			s.log.Warn("realtime.read.bad_envelope", "err", err)
			continue
		}
		s.route(env)
	}
}

func (s *Socket) route(env v1.Envelope) {
	switch env.Type {
	case v1.TypeHelloAck, v1.TypeReply, v1.TypeError:
		if env.Ref != "" && s.deliver(env) {
			return
		}
		if env.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			s.log.Warn("realtime.server.error", "code", ep.Code, "msg", ep.Message)
		}

	case v1.TypeChange:
		if ch := s.channel(env.Topic); ch != nil {
			ch.dispatchChange(env.Payload)
		}

	case v1.TypeBroadcast:
		var p v1.BroadcastPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Warn("realtime.broadcast.bad_payload", "topic", env.Topic, "err", err)
			return
		}
		if ch := s.channel(env.Topic); ch != nil {
			ch.dispatchBroadcast(p.Event, p.Payload)
		}

	default:
		s.log.Debug("realtime.read.ignored", "type", env.Type)
	}
}

func (s *Socket) deliver(env v1.Envelope) bool {
	s.mu.Lock()
	wait, ok := s.pending[env.Ref]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case wait <- env:
	default:
	}
	return true
}

func (s *Socket) channel(topic string) *socketChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[topic]
}

// ---- channel ----

type changeBinding struct {
	table  string
	filter string
	cb     RawChangeFunc
}

type socketChannel struct {
	s     *Socket
	topic string

	mu         sync.RWMutex
	changes    []changeBinding
	broadcasts map[string][]BroadcastFunc
}

func (c *socketChannel) OnChange(table, filter string, cb RawChangeFunc) {
	if cb == nil {
		return
	}
	c.mu.Lock()
	c.changes = append(c.changes, changeBinding{table: table, filter: filter, cb: cb})
	c.mu.Unlock()
}

func (c *socketChannel) OnBroadcast(event string, cb BroadcastFunc) {
	if cb == nil {
		return
	}
	c.mu.Lock()
	c.broadcasts[event] = append(c.broadcasts[event], cb)
	c.mu.Unlock()
}

func (c *socketChannel) Subscribe(ctx context.Context) error {
	c.mu.RLock()
	p := v1.ChannelJoinPayload{Broadcast: len(c.broadcasts) > 0}
	for _, b := range c.changes {
		p.Changes = append(p.Changes, v1.ChangeFilter{Event: string(EventAll), Table: b.table, Filter: b.filter})
	}
	c.mu.RUnlock()

	c.s.mu.Lock()
	c.s.channels[c.topic] = c
	c.s.mu.Unlock()

	jctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	reply, err := c.s.request(jctx, v1.TypeChannelJoin, c.topic, p)
	if err == nil {
		err = replyErr(reply)
	}
	if err != nil {
		c.detach()
		return err
	}
	return nil
}

func (c *socketChannel) Send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env, err := c.s.envelope(v1.TypeBroadcast, c.topic, v1.BroadcastPayload{Event: event, Payload: raw})
	if err != nil {
		return err
	}
	return c.s.enqueue(ctx, env)
}

func (c *socketChannel) Unsubscribe(ctx context.Context) error {
	c.detach()

	lctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	reply, err := c.s.request(lctx, v1.TypeChannelLeave, c.topic, nil)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	return replyErr(reply)
}

func (c *socketChannel) detach() {
	c.s.mu.Lock()
	if c.s.channels[c.topic] == c {
		delete(c.s.channels, c.topic)
	}
	c.s.mu.Unlock()
}

func (c *socketChannel) dispatchChange(payload json.RawMessage) {
	c.mu.RLock()
	bs := append([]changeBinding(nil), c.changes...)
	c.mu.RUnlock()
	for _, b := range bs {
		b.cb(payload)
	}
}

func (c *socketChannel) dispatchBroadcast(event string, payload json.RawMessage) {
	c.mu.RLock()
	cbs := append([]BroadcastFunc(nil), c.broadcasts[event]...)
	if event != "*" {
		cbs = append(cbs, c.broadcasts["*"]...)
	}
	c.mu.RUnlock()
	for _, cb := range cbs {
		cb(event, payload)
	}
}

func replyErr(reply v1.Envelope) error {
	var p v1.ReplyPayload
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		return fmt.Errorf("%w: bad reply: %v", ErrJoinRejected, err)
	}
	if p.Status != v1.ReplyOK {
		return fmt.Errorf("%w: %s", ErrJoinRejected, p.Reason)
	}
	return nil
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	return readErrUnknown
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}
