package control

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/NodePath81/joule/internal/descriptor"
	"github.com/NodePath81/joule/internal/measure"
	"github.com/NodePath81/joule/internal/meter"
)

const statusSchemaVersion = 1

// StintEvent is the status stream view of a stint. Traffic figures stay
// absent until the stint completes with probe counters.
type StintEvent struct {
	RunID       string                 `json:"run_id"`
	Index       int                    `json:"index"`
	Src         string                 `json:"src"`
	Dst         string                 `json:"dst"`
	BitrateMbps float64                `json:"bitrate_mbps"`
	PacketSize  int                    `json:"packetsize_bytes"`
	DurationS   float64                `json:"duration_s"`
	TPS         int                    `json:"tps,omitempty"`
	Physical    *descriptor.PowerStats `json:"stats,omitempty"`
	Virtual     *descriptor.PowerStats `json:"virtual,omitempty"`
	TP          *float64               `json:"tp,omitempty"`
	GP          *float64               `json:"gp,omitempty"`
	Losses      *float64               `json:"losses,omitempty"`
	Skipped     string                 `json:"skipped,omitempty"`
}

type IdleEvent struct {
	RunID     string                 `json:"run_id"`
	DurationS float64                `json:"duration_s"`
	Physical  *descriptor.PowerStats `json:"stats,omitempty"`
	Virtual   *descriptor.PowerStats `json:"virtual,omitempty"`
}

type statusErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type statusMessage struct {
	SchemaVersion int                 `json:"schema_version"`
	Type          string              `json:"type"`
	Timestamp     int64               `json:"timestamp"`
	Reading       *meter.Reading      `json:"reading,omitempty"`
	Stint         *StintEvent         `json:"stint,omitempty"`
	Idle          *IdleEvent          `json:"idle,omitempty"`
	Progress      *measure.Progress   `json:"progress,omitempty"`
	Error         *statusErrorPayload `json:"error,omitempty"`
}

func newStatusMessage(kind string) statusMessage {
	return statusMessage{
		SchemaVersion: statusSchemaVersion,
		Type:          kind,
		Timestamp:     time.Now().UnixMilli(),
	}
}

// Feed turns scheduler and meter callbacks into status stream messages.
// Messages are encoded by the caller, so a descriptor mutated after the
// callback returns never races with the hub.
type Feed struct {
	hub *StatusHub
}

func NewFeed(hub *StatusHub) *Feed {
	return &Feed{hub: hub}
}

func (f *Feed) Reading(r meter.Reading) {
	msg := newStatusMessage("reading")
	msg.Reading = &r
	f.hub.Broadcast(msg)
}

func (f *Feed) Idle(runID string, idle *descriptor.Idle) {
	msg := newStatusMessage("idle")
	ev := &IdleEvent{RunID: runID, DurationS: idle.DurationS, Virtual: copyPower(idle.Virtual)}
	if idle.Stats != nil {
		ev.Physical = copyPower(idle.Stats.PowerStats)
	}
	msg.Idle = ev
	f.hub.Broadcast(msg)
}

func (f *Feed) StintStarted(runID string, index int, stint *descriptor.Stint) {
	msg := newStatusMessage("stint_start")
	msg.Stint = &StintEvent{
		RunID:       runID,
		Index:       index,
		Src:         stint.Src,
		Dst:         stint.Dst,
		BitrateMbps: stint.BitrateMbps,
		PacketSize:  stint.PacketSize,
		DurationS:   stint.DurationS,
	}
	f.hub.Broadcast(msg)
}

func (f *Feed) StintCompleted(stint *descriptor.Stint, r measure.StintResult) {
	msg := newStatusMessage("stint_complete")
	msg.Stint = &StintEvent{
		RunID:       r.RunID,
		Index:       r.Index,
		Src:         stint.Src,
		Dst:         stint.Dst,
		BitrateMbps: stint.BitrateMbps,
		PacketSize:  stint.PacketSize,
		DurationS:   stint.DurationS,
		TPS:         r.TPS,
		Physical:    copyPower(r.Physical),
		Virtual:     copyPower(r.Virtual),
		TP:          copyFloat(r.TP),
		GP:          copyFloat(r.GP),
		Losses:      copyFloat(r.Losses),
	}
	f.hub.Broadcast(msg)
}

func (f *Feed) StintSkipped(runID string, index int, err error) {
	msg := newStatusMessage("stint_skipped")
	msg.Stint = &StintEvent{RunID: runID, Index: index, Skipped: err.Error()}
	f.hub.Broadcast(msg)
}

func (f *Feed) Progress(p measure.Progress) {
	msg := newStatusMessage("progress")
	msg.Progress = &p
	f.hub.Broadcast(msg)
}

func copyPower(p *descriptor.PowerStats) *descriptor.PowerStats {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

type StatusHub struct {
	mu        sync.Mutex
	clients   map[*statusClient]struct{}
	broadcast chan []byte
	ctxDone   <-chan struct{}
}

type statusClient struct {
	send      chan []byte
	closeOnce sync.Once
}

func NewStatusHub(ctxDone <-chan struct{}) *StatusHub {
	h := &StatusHub{
		clients:   make(map[*statusClient]struct{}),
		broadcast: make(chan []byte, 128),
		ctxDone:   ctxDone,
	}
	go h.run()
	return h
}

func (h *StatusHub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*statusClient]struct{})
			h.mu.Unlock()
			return
		case data := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *StatusHub) Register(client *statusClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *StatusHub) Unregister(client *statusClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

// Clients reports the number of connected status subscribers.
func (h *StatusHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast drops the message when the hub is backed up.
func (h *StatusHub) Broadcast(msg statusMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

func (c *statusClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
