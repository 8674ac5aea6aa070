package control

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Progress snapshots are pushed at one of these periods once a client
// subscribes; stream events are delivered regardless.
var progressIntervals = map[int]bool{1000: true, 2000: true, 5000: true}

type subscribeRequest struct {
	Type       string `json:"type"`
	IntervalMs int    `json:"interval_ms"`
}

// statusSession is one websocket subscriber. The reader handles subscribe
// requests; the writer owns every write to the connection. Replies to the
// client go through direct, which is never closed; hub broadcasts arrive on
// client.send, which the hub closes.
type statusSession struct {
	server *ControlServer
	conn   *websocket.Conn
	client *statusClient
	direct chan []byte
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	stopTicker chan struct{}
}

func (c *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !c.auth.allowStream(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:  sameOrigin,
		Subprotocols: []string{wsPrimaryProtocol},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := &statusSession{
		server: c,
		conn:   conn,
		client: &statusClient{send: make(chan []byte, 32)},
		direct: make(chan []byte, 8),
		done:   make(chan struct{}),
	}
	c.hub.Register(s.client)
	s.sendProgress()
	go s.readLoop()
	go s.writeLoop()
}

func (s *statusSession) close() {
	s.once.Do(func() {
		s.unsubscribe()
		close(s.done)
		_ = s.conn.Close()
		s.server.hub.Unregister(s.client)
	})
}

func (s *statusSession) readLoop() {
	defer s.close()
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		switch req.Type {
		case "subscribe":
			if !progressIntervals[req.IntervalMs] {
				s.sendError("invalid_interval", "interval_ms must be 1000, 2000, or 5000")
				continue
			}
			s.subscribe(time.Duration(req.IntervalMs) * time.Millisecond)
		case "unsubscribe":
			s.unsubscribe()
		}
	}
}

func (s *statusSession) writeLoop() {
	defer s.close()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case data := <-s.direct:
			if !s.write(data) {
				return
			}
		case data, ok := <-s.client.send:
			if !ok || !s.write(data) {
				return
			}
		}
	}
}

func (s *statusSession) write(data []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data) == nil
}

// subscribe replaces any running progress ticker. A first subscription
// gets an immediate snapshot.
func (s *statusSession) subscribe(every time.Duration) {
	s.mu.Lock()
	first := s.stopTicker == nil
	if !first {
		close(s.stopTicker)
	}
	stop := make(chan struct{})
	s.stopTicker = stop
	s.mu.Unlock()

	if first {
		s.sendProgress()
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-s.done:
				return
			case <-ticker.C:
				s.sendProgress()
			}
		}
	}()
}

func (s *statusSession) unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopTicker != nil {
		close(s.stopTicker)
		s.stopTicker = nil
	}
}

func (s *statusSession) send(msg statusMessage) {
	select {
	case <-s.done:
		return
	default:
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case s.direct <- data:
	default:
	}
}

func (s *statusSession) sendError(code, message string) {
	msg := newStatusMessage("error")
	msg.Error = &statusErrorPayload{Code: code, Message: message}
	s.send(msg)
}

func (s *statusSession) sendProgress() {
	run := s.server.currentRun()
	if run == nil {
		return
	}
	p := run.Progress()
	msg := newStatusMessage("progress")
	msg.Progress = &p
	s.send(msg)
}
