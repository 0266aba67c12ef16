// Package server exposes the bridge to the UI over a WebSocket. Clients send
// requests and receive responses correlated by id; tag events are pushed to
// every client as notifications.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/databox/nfcbridge/bridge"
	"github.com/databox/nfcbridge/nfc"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Server serves /ws and /healthz.
type Server struct {
	bridge   *bridge.Bridge
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	unsubscribe func()
}

// New creates a Server and subscribes it to the bridge's events.
func New(b *bridge.Bridge, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		bridge: b,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The UI is a local Electron/browser page on a file:// or dev origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	s.unsubscribe = b.Subscribe(s.onTagEvent)
	b.SetMonitorErrorHandler(s.onMonitorError)
	return s
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("/ws", s.serveWS)
	return mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info("listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close disconnects every client and stops receiving bridge events.
func (s *Server) Close() {
	s.unsubscribe()
	s.bridge.SetMonitorErrorHandler(nil)

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
		log:    s.log.With("remote", r.RemoteAddr),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	c.log.Info("client connected")

	go c.writeLoop()
	s.readLoop(ctx, c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
	c.log.Info("client disconnected")
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", "error", err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(msg, &req); err != nil {
			c.reply(Response{ID: json.RawMessage("null"), Error: &Error{Code: CodeParseError, Message: "Parse error"}})
			continue
		}
		if req.Method == "" {
			c.reply(Response{ID: req.ID, Error: &Error{Code: CodeInvalidRequest, Message: "Invalid Request"}})
			continue
		}
		// Requests run concurrently; the bridge serializes reader access.
		go func() {
			c.reply(s.dispatch(ctx, req))
		}()
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	resp := Response{ID: req.ID}
	result, err := s.call(ctx, req)
	if err != nil {
		resp.Error = err
		s.log.Debug("request failed", "method", req.Method, "code", err.Code, "message", err.Message)
		return resp
	}
	resp.Result = result
	return resp
}

func (s *Server) call(ctx context.Context, req Request) (any, *Error) {
	switch req.Method {
	case MethodStartMonitor:
		if err := s.bridge.StartMonitor(ctx); err != nil {
			return nil, errorFor(err)
		}
		return monitorState{Monitoring: true}, nil

	case MethodStopMonitor:
		s.bridge.StopMonitor()
		return monitorState{Monitoring: false}, nil

	case MethodWriteData:
		var payload nfc.WritePayload
		if err := decodeParams(req.Params, &payload); err != nil {
			return nil, err
		}
		res, err := s.bridge.RequestWrite(ctx, payload)
		if err != nil {
			return nil, errorFor(err)
		}
		if !res.Success {
			return nil, &Error{Code: CodeWriteFailed, Message: res.Message}
		}
		return res.Message, nil

	case MethodReadOnce:
		res, err := s.bridge.RequestRead(ctx)
		if err != nil {
			return nil, errorFor(err)
		}
		return res, nil

	case MethodLookup:
		var params lookupParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		res, err := s.bridge.RequestLookup(ctx, params.IDm)
		if err != nil {
			return nil, errorFor(err)
		}
		return res, nil
	}
	return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)}
}

func decodeParams(raw json.RawMessage, v any) *Error {
	if len(raw) == 0 {
		return &Error{Code: CodeInvalidParams, Message: "Invalid params: missing params"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &Error{Code: CodeInvalidParams, Message: "Invalid params: " + err.Error()}
	}
	return nil
}

// onTagEvent runs on the monitor reader goroutine and must not block.
func (s *Server) onTagEvent(ev nfc.TagEvent) {
	if n, ok := TagNotification(s.bridge, ev); ok {
		s.broadcast(n)
	}
}

// TagNotification builds the notification pushed for ev.
func TagNotification(b *bridge.Bridge, ev nfc.TagEvent) (Notification, bool) {
	switch ev := ev.(type) {
	case nfc.DataEvent:
		layout := b.Config().StatusLayout
		return Notification{Event: EventDataRead, Payload: TagData{
			IDm:       ev.IDm,
			Name:      ev.Name,
			Status:    ev.Status,
			Stats:     layout.Named(ev.Status),
			Admin:     b.IsAdmin(ev.Status),
			Inventory: ev.Inventory,
		}}, true
	case nfc.RemovedEvent:
		return Notification{Event: EventTagRemoved}, true
	}
	return Notification{}, false
}

func (s *Server) onMonitorError(err error) {
	s.broadcast(Notification{Event: EventMonitorError, Payload: map[string]string{"message": bridge.Message(err)}})
}

func (s *Server) broadcast(n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		s.log.Error("failed to encode notification", "event", n.Event, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if !c.enqueue(data) {
			c.log.Warn("client too slow, dropping notification", "event", n.Event)
		}
	}
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	cancel context.CancelFunc
	log    *slog.Logger

	closeOnce sync.Once
}

// enqueue queues data without blocking. It reports false when the buffer is
// full or the client is gone.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) reply(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.log.Error("failed to encode response", "error", err)
		return
	}
	// Responses are never dropped while the client is connected.
	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			c.conn.Close()
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("websocket write failed", "error", err)
				c.close()
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
	})
}
