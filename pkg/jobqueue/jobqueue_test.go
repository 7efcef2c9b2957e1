package jobqueue

import (
	"io"
	"log/slog"
	"testing"

	"github.com/freitascorp/cabinetcore/pkg/observability"
	"github.com/freitascorp/cabinetcore/pkg/relayproto"
)

type fakeDevice struct {
	result bool
}

func (d *fakeDevice) Control(channel uint8, action relayproto.Action) bool {
	return d.result
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func lookupOf(devices map[int]*fakeDevice) DeviceLookup {
	return func(node int) (Controllable, bool) {
		d, ok := devices[node]
		return d, ok
	}
}

func TestEnqueue_FastPathExecutesImmediately(t *testing.T) {
	devices := map[int]*fakeDevice{1: {result: true}}
	q := New(lookupOf(devices), observability.NewCabinetMetrics(), testLogger())

	res := q.Enqueue(1, 0, relayproto.Forward, "test", false, 1000)
	if !res.Accepted || !res.ExecutedImmediately || !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
	if snap := q.Snapshot(); snap.Pending != 0 {
		t.Errorf("expected empty pending queue after fast path, got %d", snap.Pending)
	}
}

func TestEnqueue_UnknownNodeRejected(t *testing.T) {
	q := New(lookupOf(map[int]*fakeDevice{}), observability.NewCabinetMetrics(), testLogger())
	res := q.Enqueue(99, 0, relayproto.Stop, "test", false, 1000)
	if res.Accepted {
		t.Error("expected unknown node to be rejected")
	}
	if res.Error != "unknown node" {
		t.Errorf("error = %q, want 'unknown node'", res.Error)
	}
}

func TestEnqueue_ForceQueueGoesToSlowPath(t *testing.T) {
	devices := map[int]*fakeDevice{1: {result: true}}
	q := New(lookupOf(devices), observability.NewCabinetMetrics(), testLogger())

	res := q.Enqueue(1, 0, relayproto.Forward, "test", true, 1000)
	if !res.Accepted || res.ExecutedImmediately {
		t.Fatalf("expected force-queued job to not execute immediately, got %+v", res)
	}
	if snap := q.Snapshot(); snap.Pending != 1 {
		t.Fatalf("expected 1 pending job, got %d", snap.Pending)
	}

	q.Tick(1010)
	if snap := q.Snapshot(); snap.Pending != 0 {
		t.Errorf("expected queue drained after tick, got %d pending", snap.Pending)
	}

	result, ok := q.Result(res.JobID)
	if !ok || !result.OK {
		t.Errorf("expected successful result, got %+v ok=%v", result, ok)
	}
}

func TestEnqueue_QueuedJobsGetSequentialIDsAndResults(t *testing.T) {
	devices := map[int]*fakeDevice{1: {result: true}}
	q := New(lookupOf(devices), observability.NewCabinetMetrics(), testLogger())

	var ids []int64
	for i := 0; i < 3; i++ {
		res := q.Enqueue(1, 0, relayproto.Forward, "test", true, 1000)
		ids = append(ids, res.JobID)
	}
	for range ids {
		q.Tick(1000)
	}
	for i, id := range ids {
		if id != ids[0]+int64(i) {
			t.Errorf("job ids not monotonically increasing: %v", ids)
		}
		if _, ok := q.Result(id); !ok {
			t.Errorf("expected result for job %d", id)
		}
	}
}

func TestEnqueue_DeviceRejectionRecorded(t *testing.T) {
	devices := map[int]*fakeDevice{1: {result: false}}
	q := New(lookupOf(devices), observability.NewCabinetMetrics(), testLogger())

	res := q.Enqueue(1, 0, relayproto.Forward, "test", false, 1000)
	if !res.Accepted || res.Success {
		t.Fatalf("expected accepted-but-failed result, got %+v", res)
	}
	if res.Error != "device rejected" {
		t.Errorf("error = %q, want 'device rejected'", res.Error)
	}
}

func TestResult_UnknownJobIDNotFound(t *testing.T) {
	q := New(lookupOf(map[int]*fakeDevice{}), observability.NewCabinetMetrics(), testLogger())
	if _, ok := q.Result(9999); ok {
		t.Error("expected unknown job id to be not found")
	}
}

func TestTick_NoOpOnEmptyQueue(t *testing.T) {
	q := New(lookupOf(map[int]*fakeDevice{}), observability.NewCabinetMetrics(), testLogger())
	q.Tick(1000) // must not panic
	if snap := q.Snapshot(); snap.Pending != 0 {
		t.Errorf("expected no pending jobs, got %d", snap.Pending)
	}
}
