package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codepair/internal/auth"
	"codepair/internal/jobs"
	"codepair/internal/monitor"
	"codepair/internal/ratelimit"
)

// GatewayConfig bounds each WebSocket connection.
type GatewayConfig struct {
	MaxMessageBytes int64
	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	AllowedOrigins  []string
}

func (c *GatewayConfig) defaults() {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 128 * 1024
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
}

// Gateway upgrades authenticated requests to WebSocket connections and routes
// their messages. The identity must already be on the request context.
type Gateway struct {
	cfg        GatewayConfig
	handler    *Handler
	dispatcher *Dispatcher
	queue      *jobs.Queue
	executor   *jobs.Executor
	limiter    ratelimit.Limiter
	metrics    *monitor.Metrics
	upgrader   websocket.Upgrader
}

// NewGateway creates a gateway. queue, executor, limiter and metrics may be nil;
// the matching messages are then rejected or unlimited.
func NewGateway(cfg GatewayConfig, handler *Handler, dispatcher *Dispatcher, queue *jobs.Queue, executor *jobs.Executor, limiter ratelimit.Limiter, metrics *monitor.Metrics) *Gateway {
	cfg.defaults()
	g := &Gateway{
		cfg:        cfg,
		handler:    handler,
		dispatcher: dispatcher,
		queue:      queue,
		executor:   executor,
		limiter:    limiter,
		metrics:    metrics,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, `{"error":"authentication required","code":"UNAUTHORIZED"}`, http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		ws:   ws,
		send: make(chan []byte, g.cfg.SendBuffer),
		conn: NewConn(uuid.New().String()),
		id:   id,
	}
	c.log = log.With().Str("conn_id", c.conn.ID).Str("user_id", id.SubjectID).Logger()
	_ = c.conn.Authenticate()

	g.dispatcher.Register(c.conn.ID, c)
	if g.metrics != nil {
		g.metrics.Connections.Inc()
		defer g.metrics.Connections.Dec()
	}
	c.log.Debug().Msg("websocket connected")

	go g.writePump(c)
	g.readPump(c)
}

// readPump owns c.conn. It returns when the socket fails or closes.
func (g *Gateway) readPump(c *client) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.pending.Wait()
		g.dispatcher.Unregister(c.conn.ID)
		c.Close()
		c.log.Debug().Msg("websocket disconnected")
	}()

	c.ws.SetReadLimit(g.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read failed")
			}
			break
		}
		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			g.replyError(c, fmt.Errorf("%w: malformed message", errBadRequest))
			continue
		}
		g.route(ctx, c, msg)
	}

	sessionID := c.conn.SessionID()
	if err := g.dispatcher.Apply(ctx, sessionID, func() ([]Event, error) {
		return g.handler.Disconnect(context.WithoutCancel(ctx), c.id, c.conn), nil
	}); err != nil {
		c.log.Warn().Err(err).Msg("disconnect failed")
	}
}

func (g *Gateway) writePump(c *client) {
	ticker := time.NewTicker(g.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) route(ctx context.Context, c *client, msg Inbound) {
	var err error
	switch msg.Type {
	case TypeJoin:
		err = g.dispatcher.Apply(ctx, msg.SessionID, func() ([]Event, error) {
			return g.handler.Join(ctx, c.id, c.conn, msg.SessionID)
		})
	case TypeEdit:
		if msg.Code == nil {
			err = fmt.Errorf("%w: code is required", errBadRequest)
			break
		}
		err = g.dispatcher.Apply(ctx, c.conn.SessionID(), func() ([]Event, error) {
			return g.handler.Edit(ctx, c.id, c.conn, *msg.Code, msg.Language)
		})
	case TypeCursor:
		if msg.Cursor == nil {
			err = fmt.Errorf("%w: cursor is required", errBadRequest)
			break
		}
		err = g.dispatcher.Apply(ctx, c.conn.SessionID(), func() ([]Event, error) {
			return g.handler.Cursor(c.id, c.conn, *msg.Cursor)
		})
	case TypeTyping:
		err = g.dispatcher.Apply(ctx, c.conn.SessionID(), func() ([]Event, error) {
			return g.handler.Typing(c.id, c.conn, msg.Typing)
		})
	case TypeLeave:
		err = g.dispatcher.Apply(ctx, c.conn.SessionID(), func() ([]Event, error) {
			return g.handler.Leave(ctx, c.id, c.conn)
		})
	case TypeExecute:
		err = g.execute(ctx, c, msg)
	case TypeSubmit:
		err = g.submit(ctx, c, msg)
	case TypeJobStatus:
		err = g.jobStatus(ctx, c, msg)
	default:
		err = fmt.Errorf("%w: unknown message type %q", errBadRequest, msg.Type)
	}
	if err != nil {
		g.replyError(c, err)
	}
}

// request builds an execution request, defaulting to the shared document
// when the client sends no code.
func (g *Gateway) request(c *client, msg Inbound) jobs.SubmitRequest {
	req := jobs.SubmitRequest{
		Language:    msg.Language,
		Stdin:       msg.Stdin,
		SessionID:   c.conn.SessionID(),
		SubmitterID: c.id.SubjectID,
		Priority:    msg.Priority,
	}
	if msg.Code != nil {
		req.Code = *msg.Code
	}
	if req.SessionID != "" && (req.Code == "" || req.Language == "") {
		if code, lang, ok := g.handler.registry.Document(req.SessionID); ok {
			if req.Code == "" {
				req.Code = code
			}
			if req.Language == "" {
				req.Language = lang
			}
		}
	}
	return req
}

// execute runs code inline off the read loop; the result goes to the
// requester only.
func (g *Gateway) execute(ctx context.Context, c *client, msg Inbound) error {
	if g.executor == nil {
		return fmt.Errorf("%w: execution disabled", jobs.ErrInfrastructure)
	}
	if g.limiter != nil {
		if err := ratelimit.Check(ctx, g.limiter, c.id.SubjectID, "execute"); err != nil {
			return err
		}
	}
	req := g.request(c, msg)

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		result, err := g.executor.ExecuteSync(ctx, req)
		if err != nil {
			g.replyError(c, err)
			return
		}
		g.dispatcher.Send(c.conn.ID, TypeExecutionResult, ExecutionResultPayload{
			SessionID:   req.SessionID,
			SubmitterID: req.SubmitterID,
			State:       string(jobs.StateCompleted),
			Result:      result,
		})
	}()
	return nil
}

func (g *Gateway) submit(ctx context.Context, c *client, msg Inbound) error {
	if g.queue == nil {
		return fmt.Errorf("%w: job queue disabled", jobs.ErrInfrastructure)
	}
	if g.limiter != nil {
		if err := ratelimit.Check(ctx, g.limiter, c.id.SubjectID, "submit"); err != nil {
			return err
		}
	}
	jobID, err := g.queue.Submit(ctx, g.request(c, msg))
	if err != nil {
		return err
	}
	g.dispatcher.Send(c.conn.ID, TypeJobAccepted, JobAcceptedPayload{JobID: jobID})
	return nil
}

func (g *Gateway) jobStatus(ctx context.Context, c *client, msg Inbound) error {
	if g.queue == nil {
		return fmt.Errorf("%w: job queue disabled", jobs.ErrInfrastructure)
	}
	if msg.JobID == "" {
		return fmt.Errorf("%w: job_id is required", errBadRequest)
	}
	job, err := g.queue.Get(ctx, msg.JobID)
	if err != nil {
		return err
	}
	g.dispatcher.Send(c.conn.ID, TypeJobStatus, JobStatusPayload{
		JobID:       job.ID,
		State:       string(job.State),
		Attempts:    job.Attempts,
		Result:      job.Result,
		Error:       job.Error,
		CompletedAt: job.CompletedAt,
	})
	return nil
}

func (g *Gateway) replyError(c *client, err error) {
	p := errorPayload(err)
	if p.Code == CodeInternal {
		c.log.Error().Err(err).Msg("message handling failed")
		p.Message = "internal error"
	}
	g.dispatcher.Send(c.conn.ID, TypeError, p)
}

// client is one WebSocket connection. send is closed exactly once, by Close.
type client struct {
	ws      *websocket.Conn
	send    chan []byte
	conn    *Conn
	id      auth.Identity
	log     zerolog.Logger
	pending sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Send queues a frame without blocking. A client that cannot keep up is
// disconnected.
func (c *client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn().Msg("send buffer full, closing slow connection")
		c.closeLocked()
		return false
	}
}

func (c *client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *client) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
