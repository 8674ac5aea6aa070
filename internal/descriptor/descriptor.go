// Package descriptor models the run descriptor: the probes available on the
// network, the stints to execute and, once profiled, their results.
package descriptor

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalid = errors.New("descriptor: invalid")

// Probe is one remote endpoint running a sender and a receiver Click
// process, each with its own control port.
type Probe struct {
	IP              string `json:"ip"`
	Receiver        string `json:"receiver,omitempty"`
	SenderPort      int    `json:"sender_port,omitempty"`
	ReceiverPort    int    `json:"receiver_port,omitempty"`
	ReceiverControl int    `json:"receiver_control"`
	SenderControl   int    `json:"sender_control,omitempty"`

	extra map[string]json.RawMessage
}

type probeFields Probe

func (p *Probe) UnmarshalJSON(data []byte) error {
	var fields probeFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	extra, err := unknownFields(data, probeKeys)
	if err != nil {
		return err
	}
	*p = Probe(fields)
	p.extra = extra
	return nil
}

func (p Probe) MarshalJSON() ([]byte, error) {
	return mergeFields(probeFields(p), p.extra)
}

// SenderControlPort falls back to the port after the receiver's when the
// descriptor leaves it unset.
func (p Probe) SenderControlPort() int {
	if p.SenderControl != 0 {
		return p.SenderControl
	}
	return p.ReceiverControl + 1
}

type PowerStats struct {
	Median  float64 `json:"median"`
	Mean    float64 `json:"mean"`
	CI      float64 `json:"ci"`
	Samples int     `json:"samples"`
}

// Stats carries the power summary of a physical meter (when present) and the
// traffic figures of a stint. Traffic figures stay absent when the probes
// could not report their counters.
type Stats struct {
	*PowerStats
	TP     *float64 `json:"tp,omitempty"`
	GP     *float64 `json:"gp,omitempty"`
	Losses *float64 `json:"losses,omitempty"`

	extra map[string]json.RawMessage
}

type statsFields Stats

func (s *Stats) UnmarshalJSON(data []byte) error {
	var fields statsFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	extra, err := unknownFields(data, statsKeys)
	if err != nil {
		return err
	}
	*s = Stats(fields)
	s.extra = extra
	return nil
}

func (s Stats) MarshalJSON() ([]byte, error) {
	return mergeFields(statsFields(s), s.extra)
}

type Results struct {
	ClientCount    int64   `json:"client_count"`
	ClientInterval float64 `json:"client_interval"`
	ServerCount    int64   `json:"server_count"`
	ServerInterval float64 `json:"server_interval"`
}

type Stint struct {
	Src         string      `json:"src"`
	Dst         string      `json:"dst"`
	BitrateMbps float64     `json:"bitrate_mbps"`
	PacketSize  int         `json:"packetsize_bytes"`
	DurationS   float64     `json:"duration_s"`
	Results     *Results    `json:"results,omitempty"`
	Stats       *Stats      `json:"stats,omitempty"`
	Virtual     *PowerStats `json:"virtual,omitempty"`

	extra map[string]json.RawMessage
}

type stintFields Stint

func (s *Stint) UnmarshalJSON(data []byte) error {
	var fields stintFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	extra, err := unknownFields(data, stintKeys)
	if err != nil {
		return err
	}
	*s = Stint(fields)
	s.extra = extra
	return nil
}

func (s Stint) MarshalJSON() ([]byte, error) {
	return mergeFields(stintFields(s), s.extra)
}

type Idle struct {
	DurationS float64     `json:"duration_s"`
	Stats     *Stats      `json:"stats,omitempty"`
	Virtual   *PowerStats `json:"virtual,omitempty"`

	extra map[string]json.RawMessage
}

type idleFields Idle

func (i *Idle) UnmarshalJSON(data []byte) error {
	var fields idleFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	extra, err := unknownFields(data, idleKeys)
	if err != nil {
		return err
	}
	*i = Idle(fields)
	i.extra = extra
	return nil
}

func (i Idle) MarshalJSON() ([]byte, error) {
	return mergeFields(idleFields(i), i.extra)
}

// ModelLink maps a model direction to the probe pair that produced it.
type ModelLink struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

type Descriptor struct {
	Probes map[string]Probe           `json:"probes"`
	Stints []*Stint                   `json:"stints"`
	Idle   *Idle                      `json:"idle,omitempty"`
	Models map[string]json.RawMessage `json:"models,omitempty"`

	extra map[string]json.RawMessage
}

type descriptorFields Descriptor

func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var fields descriptorFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	extra, err := unknownFields(data, descriptorKeys)
	if err != nil {
		return err
	}
	*d = Descriptor(fields)
	d.extra = extra
	return nil
}

func (d Descriptor) MarshalJSON() ([]byte, error) {
	return mergeFields(descriptorFields(d), d.extra)
}

// Links returns the models entries that name a src/dst probe pair.
func (d *Descriptor) Links() map[string]ModelLink {
	links := make(map[string]ModelLink, len(d.Models))
	for name, raw := range d.Models {
		var link ModelLink
		if err := json.Unmarshal(raw, &link); err != nil || link.Src == "" || link.Dst == "" {
			continue
		}
		links[name] = link
	}
	return links
}

// SetLink records the probe pair for a model direction.
func (d *Descriptor) SetLink(name string, link ModelLink) {
	if d.Models == nil {
		d.Models = make(map[string]json.RawMessage)
	}
	raw, _ := json.Marshal(link)
	d.Models[name] = raw
}

// Validate checks the descriptor's internal references.
func (d *Descriptor) Validate() error {
	if len(d.Probes) == 0 {
		return fmt.Errorf("%w: no probes", ErrInvalid)
	}
	for id, p := range d.Probes {
		if p.IP == "" {
			return fmt.Errorf("%w: probe %s has no ip", ErrInvalid, id)
		}
		if p.ReceiverControl <= 0 || p.ReceiverControl > 65535 {
			return fmt.Errorf("%w: probe %s receiver_control must be in 1..65535", ErrInvalid, id)
		}
		if port := p.SenderControlPort(); port <= 0 || port > 65535 {
			return fmt.Errorf("%w: probe %s sender_control must be in 1..65535", ErrInvalid, id)
		}
	}
	for i, s := range d.Stints {
		if s == nil {
			return fmt.Errorf("%w: stint %d is null", ErrInvalid, i)
		}
	}
	return nil
}

var (
	probeKeys      = jsonKeys(probeFields{})
	statsKeys      = jsonKeys(statsFields{})
	idleKeys       = jsonKeys(idleFields{})
	stintKeys      = jsonKeys(stintFields{})
	descriptorKeys = jsonKeys(descriptorFields{})
)
