// Package device implements the relay device state machine and the frame
// router that dispatches inbound CAN traffic to it.
package device

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/freitascorp/cabinetcore/pkg/relayproto"
)

// MaxChannel is the highest valid channel index (4 channels, 0-3).
const MaxChannel = 3

// onlineTimeout bounds how stale last_seen_ms may be before a device is
// considered offline.
const onlineTimeout = 30 * time.Second

// StatusEvent is emitted for every channel status decoded from an inbound
// frame, whether or not the cached status changed.
type StatusEvent struct {
	Node    int
	Channel uint8
	Status  relayproto.ChannelStatus
}

// FrameSender is the subset of the CAN adapter a Relay needs to emit
// control/query frames; it decouples the device package from canbus.
type FrameSender interface {
	SendFrame(id uint32, payload []byte, extended, rtr bool) bool
}

// Relay is the per-node state machine for a GD427-class relay module: four
// independently controlled switched outputs with current sensing.
type Relay struct {
	Node int

	bus    FrameSender
	logger *slog.Logger

	mu             sync.RWMutex
	status         [4]relayproto.ChannelStatus
	lastAutoStatus relayproto.AutoStatusReport
	lastSeenMs     int64
	hasSeen        bool

	onStatus func(StatusEvent)
}

// NewRelay builds a relay device bound to bus for the given node id.
func NewRelay(node int, bus FrameSender, logger *slog.Logger, onStatus func(StatusEvent)) *Relay {
	r := &Relay{Node: node, bus: bus, logger: logger, onStatus: onStatus}
	for ch := range r.status {
		r.status[ch] = relayproto.ChannelStatus{Channel: uint8(ch)}
	}
	return r
}

func (r *Relay) ctrlID() uint32 {
	return relayproto.CtrlBaseID + uint32(r.Node)
}

// Init queries every channel's status, the way a freshly registered device
// bootstraps its cache.
func (r *Relay) Init() bool {
	ok := true
	for ch := uint8(0); ch <= MaxChannel; ch++ {
		if !r.Query(ch) {
			ok = false
		}
	}
	return ok
}

// Control emits a single-channel control command.
func (r *Relay) Control(channel uint8, action relayproto.Action) bool {
	if channel > MaxChannel {
		return false
	}
	payload := relayproto.EncodeCtrl(relayproto.CtrlCmd{
		Type: relayproto.CmdControlRelay, Channel: channel, Action: action,
	})
	return r.bus.SendFrame(r.ctrlID(), payload[:], false, false)
}

// Query emits a status query for one channel.
func (r *Relay) Query(channel uint8) bool {
	if channel > MaxChannel {
		return false
	}
	payload := relayproto.EncodeCtrl(relayproto.CtrlCmd{
		Type: relayproto.CmdQueryStatus, Channel: channel, Action: relayproto.Stop,
	})
	return r.bus.SendFrame(r.ctrlID(), payload[:], false, false)
}

// QueryAll requests the device's auto-status report in a single frame.
func (r *Relay) QueryAll() bool {
	payload := relayproto.EncodeCtrl(relayproto.CtrlCmd{Type: relayproto.CmdQueryAll})
	return r.bus.SendFrame(r.ctrlID(), payload[:], false, false)
}

// ControlMulti emits one frame controlling all four channels. Per the
// optimizer's invariant, callers that only intend to change a subset of
// channels must have already filled the rest from LastStatus — this method
// does not itself consult the cache, it only encodes what it is given.
func (r *Relay) ControlMulti(actions [4]relayproto.Action) bool {
	payload := relayproto.EncodeMulti(actions)
	return r.bus.SendFrame(r.ctrlID(), payload[:], false, false)
}

// SetOvercurrentFlag arms or clears the overcurrent-trip flag for one
// channel, or relayproto.AllChannelMask for all four.
func (r *Relay) SetOvercurrentFlag(channel uint8, flag bool) bool {
	payload := relayproto.EncodeSetOvercurrentFlag(channel, flag)
	return r.bus.SendFrame(r.ctrlID(), payload[:], false, false)
}

// LastStatus returns the cached status of one channel, or a zero-value
// status (mode Stop) if it was never observed.
func (r *Relay) LastStatus(channel uint8) relayproto.ChannelStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if channel > MaxChannel {
		return relayproto.ChannelStatus{Channel: channel}
	}
	return r.status[channel]
}

// LastAutoStatus returns the most recently decoded auto-status report.
func (r *Relay) LastAutoStatus() relayproto.AutoStatusReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastAutoStatus
}

// LastSeenMs returns the last-seen timestamp and whether the device has
// ever been heard from.
func (r *Relay) LastSeenMs() (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSeenMs, r.hasSeen
}

// Online reports whether the device has sent a frame within onlineTimeout
// of nowMs.
func (r *Relay) Online(nowMs int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.hasSeen {
		return false
	}
	return nowMs-r.lastSeenMs <= onlineTimeout.Milliseconds()
}

// Accepts reports whether an inbound frame belongs to this device: a
// standard (non-extended, non-RTR) frame addressed to this node's status
// id. Single-channel status and the device-initiated auto-status report
// share this one id; OnFrame tells them apart by length.
func (r *Relay) Accepts(canID uint32, extended, rtr bool) bool {
	if extended || rtr {
		return false
	}
	return canID == relayproto.StatusBaseID+uint32(r.Node)
}

// OnFrame updates last_seen_ms for any well-formed frame from this node,
// decodes it according to its payload length, caches the result, and emits
// a status event per decoded channel. Online tracking does not depend on
// successful decoding. A relayproto.AutoStatusDLC-byte payload is the
// device-initiated multi-channel report; a full 8-byte payload is a
// single-channel status frame.
func (r *Relay) OnFrame(canID uint32, nowMs int64, payload []byte) {
	r.mu.Lock()
	r.lastSeenMs = nowMs
	r.hasSeen = true
	r.mu.Unlock()

	if len(payload) == relayproto.AutoStatusDLC {
		var b [relayproto.AutoStatusDLC]byte
		copy(b[:], payload)
		report := relayproto.DecodeAutoStatus(b)
		r.mu.Lock()
		r.lastAutoStatus = report
		for ch, pc := range report.Channels {
			r.status[ch] = relayproto.ChannelStatus{
				Channel: uint8(ch), Mode: pc.Mode, PhaseLost: pc.PhaseLost, CurrentA: pc.CurrentA,
			}
		}
		r.mu.Unlock()
		if r.onStatus != nil {
			for ch, pc := range report.Channels {
				r.onStatus(StatusEvent{
					Node: r.Node, Channel: uint8(ch),
					Status: relayproto.ChannelStatus{Channel: uint8(ch), Mode: pc.Mode, PhaseLost: pc.PhaseLost, CurrentA: pc.CurrentA},
				})
			}
		}
		return
	}

	var b [8]byte
	if n := copy(b[:], payload); n < 8 {
		return
	}

	status, ok := relayproto.DecodeStatus(b)
	if !ok || status.Channel > MaxChannel {
		return
	}
	r.mu.Lock()
	r.status[status.Channel] = status
	r.mu.Unlock()
	if r.onStatus != nil {
		r.onStatus(StatusEvent{Node: r.Node, Channel: status.Channel, Status: status})
	}
}

// Name mirrors the teacher's device-name convention for logs.
func (r *Relay) Name() string {
	return fmt.Sprintf("RelayGD427(node=0x%02X)", r.Node)
}
