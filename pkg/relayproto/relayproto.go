// Package relayproto implements the CAN wire protocol for GD427-class relay
// devices: command/status encoding, decoding, and the bit layouts shared by
// the CAN adapter and device state machine. Every function here is pure —
// no I/O, no device state — so it is exhaustively testable by fixture
// vectors.
package relayproto

import (
	"encoding/binary"
	"fmt"
	"math"
)

// CAN ID base addresses. A device's control frame id is CtrlBaseID+node;
// both its single-channel status and its device-initiated auto-status
// report share StatusBaseID+node, disambiguated by DLC (see
// DecodeAutoStatus).
const (
	CtrlBaseID   uint32 = 0x100
	StatusBaseID uint32 = 0x200
)

// CmdType identifies the kind of control frame on the wire.
type CmdType uint8

const (
	CmdControlRelay  CmdType = 0x01
	CmdQueryStatus   CmdType = 0x02
	CmdControlMulti  CmdType = 0x03
	CmdQueryAll      CmdType = 0x04
	CmdSetOvercurrent CmdType = 0x05
)

// Action is a per-channel relay output state.
type Action uint8

const (
	Stop Action = iota
	Forward
	Reverse
)

// String renders an Action for logs and strategy action identifiers.
func (a Action) String() string {
	switch a {
	case Stop:
		return "stop"
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	default:
		return "unknown"
	}
}

// ParseAction maps a strategy/RPC action name to its wire value.
func ParseAction(s string) (Action, error) {
	switch s {
	case "stop", "":
		return Stop, nil
	case "forward":
		return Forward, nil
	case "reverse":
		return Reverse, nil
	default:
		return Stop, fmt.Errorf("relayproto: unknown action %q", s)
	}
}

// AllChannelMask targets every channel of a device in a single command,
// e.g. for SetOvercurrentFlag or a channel-scoped query.
const AllChannelMask uint8 = 0xFF

// CtrlCmd is a single-channel control or query command.
type CtrlCmd struct {
	Type    CmdType
	Channel uint8
	Action  Action
}

// EncodeCtrl packs a single-channel command into its 8-byte CAN payload:
// [type, channel, action, 0, 0, 0, 0, 0].
func EncodeCtrl(cmd CtrlCmd) [8]byte {
	var out [8]byte
	out[0] = byte(cmd.Type)
	out[1] = cmd.Channel
	out[2] = byte(cmd.Action)
	return out
}

// EncodeMulti packs a four-channel control command into its 8-byte payload:
// [0x03, a0, a1, a2, a3, 0, 0, 0]. Callers MUST fill every slot, including
// channels they do not intend to change, with the device's last-observed
// action — see pkg/device's ControlMulti invariant.
func EncodeMulti(actions [4]Action) [8]byte {
	var out [8]byte
	out[0] = byte(CmdControlMulti)
	for i, a := range actions {
		out[1+i] = byte(a)
	}
	return out
}

// EncodeSetOvercurrentFlag packs the special device command that arms or
// clears the overcurrent-trip flag for one channel, or AllChannelMask for
// every channel.
func EncodeSetOvercurrentFlag(channel uint8, flag bool) [8]byte {
	var out [8]byte
	out[0] = byte(CmdSetOvercurrent)
	out[1] = channel
	if flag {
		out[2] = 1
	}
	return out
}

// ChannelStatus is the decoded content of one status frame.
type ChannelStatus struct {
	Channel   uint8
	Mode      Action
	PhaseLost bool
	CurrentA  float32
}

// ModeBits extracts the mode bits (0-1) from a status byte.
func ModeBits(statusByte uint8) uint8 {
	return statusByte & 0x03
}

// PhaseLost reports the phase-lost flag (bit 2) of a status byte.
func PhaseLost(statusByte uint8) bool {
	return statusByte&0x04 != 0
}

// LeF32 decodes 4 little-endian bytes as an IEEE-754 float32.
func LeF32(b [4]byte) float32 {
	bits := binary.LittleEndian.Uint32(b[:])
	return math.Float32frombits(bits)
}

// PutLeF32 encodes an IEEE-754 float32 as 4 little-endian bytes.
func PutLeF32(v float32) [4]byte {
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], math.Float32bits(v))
	return out
}

// DecodeStatus decodes a single-channel status frame:
// [channel, status_byte, _, _, current_lo, ..., current_hi].
func DecodeStatus(b [8]byte) (ChannelStatus, bool) {
	var floatBytes [4]byte
	copy(floatBytes[:], b[4:8])
	return ChannelStatus{
		Channel:   b[0],
		Mode:      Action(ModeBits(b[1])),
		PhaseLost: PhaseLost(b[1]),
		CurrentA:  LeF32(floatBytes),
	}, true
}

// PerChannelReport is one channel's entry in an auto-status report.
type PerChannelReport struct {
	Mode        Action
	PhaseLost   bool
	Overcurrent bool
	CurrentA    float32
}

// AutoStatusReport is the decoded device-initiated multi-channel report.
type AutoStatusReport struct {
	Channels [4]PerChannelReport
}

// AutoStatusDLC is the data length of a device-initiated auto-status
// report. It arrives on the same id as a single-channel status frame
// (StatusBaseID+node) and is told apart from one by length alone: a
// single-channel status frame always carries all 8 bytes (channel,
// status_byte, 2 reserved, 4-byte current), while the multi-channel report
// has no per-channel reserved padding to spare, so it is the narrower,
// 6-byte frame. See pkg/device.Relay.OnFrame.
const AutoStatusDLC = 6

// DecodeAutoStatus decodes a device-initiated auto-status frame. The layout
// (fixed here since no prior-art wire capture pins it — see DESIGN.md)
// packs the 4 (mode:2, phase_lost:1, overcurrent:1) nibbles into bytes 0-1,
// two channels per byte (low nibble then high nibble), and the 4 channel
// currents as u8 tenths-of-amp (0.0-25.5 A) in bytes 2-5.
func DecodeAutoStatus(b [AutoStatusDLC]byte) AutoStatusReport {
	var report AutoStatusReport
	nibbles := [4]uint8{
		b[0] & 0x0F,
		(b[0] >> 4) & 0x0F,
		b[1] & 0x0F,
		(b[1] >> 4) & 0x0F,
	}
	for i := 0; i < 4; i++ {
		n := nibbles[i]
		report.Channels[i] = PerChannelReport{
			Mode:        Action(n & 0x03),
			PhaseLost:   n&0x04 != 0,
			Overcurrent: n&0x08 != 0,
			CurrentA:    float32(b[2+i]) / 10.0,
		}
	}
	return report
}

// EncodeAutoStatus is the inverse of DecodeAutoStatus, used by test
// fixtures and device simulators to construct well-formed auto-status
// frames.
func EncodeAutoStatus(report AutoStatusReport) [AutoStatusDLC]byte {
	var out [AutoStatusDLC]byte
	for i := 0; i < 4; i++ {
		ch := report.Channels[i]
		var n uint8
		n |= uint8(ch.Mode) & 0x03
		if ch.PhaseLost {
			n |= 0x04
		}
		if ch.Overcurrent {
			n |= 0x08
		}
		tenths := ch.CurrentA * 10.0
		if tenths < 0 {
			tenths = 0
		}
		if tenths > 255 {
			tenths = 255
		}
		out[2+i] = uint8(tenths)
		if i%2 == 0 {
			out[i/2] |= n
		} else {
			out[i/2] |= n << 4
		}
	}
	return out
}
