// Package wsserver binds the Dispatcher (internal/dispatcher) to a real
// gorilla/websocket transport, grounded on the upgrade/read/write-loop
// pattern used by the teacher pack's go-memsh REPL handler
// (go-memsh/api/handlers.go). Unlike that handler's single synchronous
// read-write loop, each connection here runs a dedicated writer goroutine
// so a slow reader never blocks the Dispatcher's fan-out, matching spec.md
// §5's "non-blocking with respect to other clients" requirement.
package wsserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/opencode-ai/toolbroker/internal/dispatcher"
	"github.com/opencode-ai/toolbroker/internal/idgen"
	"github.com/opencode-ai/toolbroker/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server upgrades HTTP connections to WebSocket and wires each one into a
// Dispatcher as a dispatcher.Channel.
type Server struct {
	dispatcher *dispatcher.Dispatcher
}

// New creates a Server bound to d.
func New(d *dispatcher.Dispatcher) *Server {
	return &Server{dispatcher: d}
}

// wsChannel adapts one *websocket.Conn to dispatcher.Channel. Writes go
// through a single goroutine (writeLoop) reading from outCh/pingCh, so Send
// and Ping from the Dispatcher's fan-out and heartbeat paths never touch
// the connection directly — gorilla/websocket forbids concurrent writers
// on the same *Conn.
type wsChannel struct {
	conn   *websocket.Conn
	outCh  chan any
	pingCh chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{
		conn:   conn,
		outCh:  make(chan any, 1),
		pingCh: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Send queues v for the write loop. It never blocks past a short window:
// if the write loop is wedged the Dispatcher's own per-client outbound
// queue (internal/dispatcher.Client) is the real backpressure boundary, so
// this only needs to report "not currently writable", not buffer forever.
func (w *wsChannel) Send(v any) error {
	select {
	case w.outCh <- v:
		return nil
	default:
		return errNotWritable
	}
}

// Ping queues a native WebSocket ping frame for the write loop.
func (w *wsChannel) Ping() error {
	select {
	case w.pingCh <- struct{}{}:
		return nil
	default:
		return errNotWritable
	}
}

func (w *wsChannel) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return w.conn.Close()
}

var errNotWritable = &notWritableError{}

type notWritableError struct{}

func (*notWritableError) Error() string { return "wsserver: connection not currently writable" }

// HandleWS upgrades r to a WebSocket connection, registers it with the
// Dispatcher under clientID/sessionID (both supplied by the caller's HTTP
// routing layer, e.g. from query parameters or a prior auth step), and
// blocks until the connection closes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request, clientID, sessionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("wsserver: upgrade failed")
		return
	}

	// pongWait bounds how long the connection tolerates silence from the peer
	// before it is considered dead; it must exceed the Dispatcher's own
	// heartbeat interval so a single missed tick doesn't race the
	// server-side heartbeat reaper.
	pongWait := s.dispatcher.HeartbeatInterval() + 10*time.Second

	ch := newWSChannel(conn)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		s.dispatcher.Pong(clientID)
		return nil
	})

	s.dispatcher.Connect(clientID, sessionID, ch)
	defer s.dispatcher.Disconnect(clientID)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ch.writeLoop()
	}()

	s.readLoop(conn, clientID)

	ch.Close()
	wg.Wait()
}

// readLoop decodes inbound frames and hands each one to the Dispatcher.
// Native ping frames are answered automatically by gorilla's default
// handler; application-level pong tracking happens in SetPongHandler above.
func (s *Server) readLoop(conn *websocket.Conn, clientID string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue // malformed frame: discarded per spec.md §6 validation policy
		}
		s.dispatcher.Dispatch(clientID, msg)
	}
}

// writeLoop is the connection's sole writer. Transient write failures are
// retried with a short bounded backoff before the connection is given up as
// dead — a single slow write should not immediately sever a client that is
// merely behind.
func (w *wsChannel) writeLoop() {
	for {
		select {
		case <-w.closed:
			return
		case <-w.pingCh:
			if err := w.writeWithRetry(func() error {
				w.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				return w.conn.WriteMessage(websocket.PingMessage, nil)
			}); err != nil {
				return
			}
		case v := <-w.outCh:
			if err := w.writeWithRetry(func() error {
				w.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				return w.conn.WriteJSON(v)
			}); err != nil {
				return
			}
		}
	}
}

func (w *wsChannel) writeWithRetry(write func() error) error {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	return backoff.Retry(write, bo)
}

// NewClientID generates a unique client identifier for a new connection
// (grounded on the teacher's ULID-based generateID helper, via idgen).
func NewClientID() string { return idgen.New() }
