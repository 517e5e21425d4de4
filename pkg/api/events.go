package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/taskrunner/taskd/pkg/taskqueue"
)

const (
	eventBroadcastBuffer = 256
	eventSendBuffer      = 64
	writeWait            = 10 * time.Second
	pongWait             = 60 * time.Second
	pingPeriod           = 54 * time.Second
)

// eventHub fans coordinator lifecycle events out to WebSocket
// subscribers. Frames to slow subscribers are dropped rather than
// blocking the engine.
type eventHub struct {
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
	broadcast chan EventFrame
	done      chan struct{}
	stopOnce  sync.Once

	mu    sync.Mutex
	conns map[string]*eventConn
}

type eventConn struct {
	id   string
	conn *websocket.Conn
	send chan EventFrame
	once sync.Once
}

func newEventHub(logger zerolog.Logger) *eventHub {
	return &eventHub{
		logger: logger.With().Str("component", "events").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		broadcast: make(chan EventFrame, eventBroadcastBuffer),
		done:      make(chan struct{}),
		conns:     make(map[string]*eventConn),
	}
}

// run starts the fan-out goroutine.
func (h *eventHub) run() {
	go func() {
		for {
			select {
			case <-h.done:
				return
			case frame := <-h.broadcast:
				h.mu.Lock()
				for _, c := range h.conns {
					select {
					case c.send <- frame:
					default:
						// Slow subscriber, drop the frame
					}
				}
				h.mu.Unlock()
			}
		}
	}()
}

// stop shuts the dispatcher down and closes every connection.
func (h *eventHub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		conns := make([]*eventConn, 0, len(h.conns))
		for _, c := range h.conns {
			conns = append(conns, c)
		}
		h.conns = make(map[string]*eventConn)
		h.mu.Unlock()

		for _, c := range conns {
			c.close()
		}
	})
}

func (c *eventConn) close() {
	c.once.Do(func() { close(c.send) })
}

// publish queues a frame for broadcast, dropping it when the hub itself
// is saturated.
func (h *eventHub) publish(frame EventFrame) {
	select {
	case h.broadcast <- frame:
	default:
		h.logger.Warn().Str("event", frame.Event).Msg("Event broadcast buffer full, dropping frame")
	}
}

func (h *eventHub) frame(event string, info *taskqueue.TaskInfo) EventFrame {
	return EventFrame{
		Event:     event,
		Task:      info.Snapshot(),
		Timestamp: time.Now(),
	}
}

// TaskEventListener implementation

func (h *eventHub) OnTaskSubmitted(info *taskqueue.TaskInfo) {
	h.publish(h.frame("task.submitted", info))
}

func (h *eventHub) OnTaskStarted(info *taskqueue.TaskInfo) {
	h.publish(h.frame("task.started", info))
}

func (h *eventHub) OnTaskProgress(info *taskqueue.TaskInfo, progress float64) {
	f := h.frame("task.progress", info)
	f.Progress = &progress
	h.publish(f)
}

func (h *eventHub) OnTaskCompleted(info *taskqueue.TaskInfo, result *taskqueue.TaskResult) {
	h.publish(h.frame("task.completed", info))
}

func (h *eventHub) OnTaskFailed(info *taskqueue.TaskInfo, errMsg string) {
	f := h.frame("task.failed", info)
	f.Error = errMsg
	h.publish(f)
}

func (h *eventHub) OnTaskCancelled(info *taskqueue.TaskInfo) {
	h.publish(h.frame("task.cancelled", info))
}

// HTTP side

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &eventConn{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan EventFrame, eventSendBuffer),
	}

	s.hub.mu.Lock()
	s.hub.conns[c.id] = c
	s.hub.mu.Unlock()

	s.hub.logger.Info().
		Str("connection_id", c.id).
		Str("remote_addr", r.RemoteAddr).
		Msg("Event subscriber connected")

	go s.hub.writePump(c)
	go s.hub.readPump(c)
}

func (h *eventHub) removeConn(c *eventConn) {
	h.mu.Lock()
	_, present := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()

	if present {
		c.close()
		h.logger.Info().Str("connection_id", c.id).Msg("Event subscriber disconnected")
	}
}

// readPump discards inbound messages; its job is noticing the close.
func (h *eventHub) readPump(c *eventConn) {
	defer func() {
		h.removeConn(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("connection_id", c.id).Msg("WebSocket read error")
			}
			return
		}
	}
}

func (h *eventHub) writePump(c *eventConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				h.logger.Debug().Err(err).Str("connection_id", c.id).Msg("WebSocket write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
