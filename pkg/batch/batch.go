// Package batch implements the group/batch optimizer: it minimizes the
// number of CAN frames needed to apply a set of per-channel write requests
// by coalescing multi-channel writes to the same node into one
// ControlMulti frame.
package batch

import (
	"github.com/freitascorp/cabinetcore/pkg/observability"
	"github.com/freitascorp/cabinetcore/pkg/relayproto"
)

// Write is one requested channel write.
type Write struct {
	Node    int
	Channel uint8
	Action  relayproto.Action
}

// Device is the subset of a relay device the optimizer needs: issuing a
// coalesced multi-channel frame and reading the last-observed state of
// channels it isn't touching.
type Device interface {
	ControlMulti(actions [4]relayproto.Action) bool
	LastStatus(channel uint8) relayproto.ChannelStatus
}

// Enqueuer is the single-channel fallback path for nodes with exactly one
// write — normally pkg/jobqueue.Queue.Enqueue, force-queued so ordering
// with sibling writes in the same batch is preserved.
type Enqueuer func(node int, channel uint8, action relayproto.Action, source string) bool

// DeviceLookup resolves a node to its device, or false if unregistered.
type DeviceLookup func(node int) (Device, bool)

// maxChannel is the highest valid channel index (4 channels, 0-3).
const maxChannel = 3

// Report summarizes the outcome of Optimize.
type Report struct {
	Total           int
	Accepted        int
	Missing         int
	OriginalFrames  int
	OptimizedFrames int
}

// Optimize buckets writes by node and issues the minimum number of frames:
// nodes with two or more writes get one ControlMulti frame with untouched
// channels filled from the device's last-observed state; nodes with a
// single write go through the normal single-channel job path. Nodes that
// are not registered are counted as missing.
func Optimize(writes []Write, lookup DeviceLookup, enqueue Enqueuer, source string, metrics *observability.CabinetMetrics) Report {
	perNode := make(map[int]map[uint8]relayproto.Action)
	for _, w := range writes {
		m, ok := perNode[w.Node]
		if !ok {
			m = make(map[uint8]relayproto.Action)
			perNode[w.Node] = m
		}
		m[w.Channel] = w.Action
	}

	report := Report{Total: len(writes)}
	for _, m := range perNode {
		report.OriginalFrames += len(m)
	}

	for node, writesForNode := range perNode {
		device, ok := lookup(node)
		if !ok {
			report.Missing += len(writesForNode)
			continue
		}

		if len(writesForNode) >= 2 {
			var actions [4]relayproto.Action
			for ch := uint8(0); ch <= maxChannel; ch++ {
				if a, touched := writesForNode[ch]; touched {
					actions[ch] = a
				} else {
					actions[ch] = device.LastStatus(ch).Mode
				}
			}
			if device.ControlMulti(actions) {
				report.Accepted += len(writesForNode)
				report.OptimizedFrames++
			} else {
				report.Missing += len(writesForNode)
			}
			continue
		}

		for ch, action := range writesForNode {
			if enqueue(node, ch, action, source) {
				report.Accepted++
				report.OptimizedFrames++
			} else {
				report.Missing++
			}
		}
	}

	if metrics != nil && report.OriginalFrames > report.OptimizedFrames {
		metrics.FramesSaved.Add(int64(report.OriginalFrames - report.OptimizedFrames))
	}
	return report
}
