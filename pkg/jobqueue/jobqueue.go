// Package jobqueue implements the FIFO control job queue: the single path
// through which every relay control command — manual RPC, strategy firing,
// or batch optimizer output — reaches a device, in strict enqueue order.
package jobqueue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/freitascorp/cabinetcore/pkg/observability"
	"github.com/freitascorp/cabinetcore/pkg/relayproto"
	"github.com/freitascorp/cabinetcore/pkg/resilience"
)

// maxJobResults bounds the result cache; eviction drops the lowest job ids
// first since ids are monotonically increasing.
const maxJobResults = 4096

// Controllable is the subset of a relay device the queue needs to execute
// a job.
type Controllable interface {
	Control(channel uint8, action relayproto.Action) bool
}

// DeviceLookup resolves a node id to its device, or false if unregistered.
type DeviceLookup func(node int) (Controllable, bool)

// Job is one queued control command.
type Job struct {
	ID         int64
	Node       int
	Channel    uint8
	Action     relayproto.Action
	Source     string
	EnqueuedMs int64
}

// Result is the outcome of executing a job.
type Result struct {
	OK         bool
	Message    string
	FinishedMs int64
}

// EnqueueResult reports how Enqueue handled a request.
type EnqueueResult struct {
	JobID               int64
	Accepted            bool
	ExecutedImmediately bool
	Success             bool
	Error                string
}

// Snapshot summarizes queue depth for observability endpoints.
type Snapshot struct {
	Pending   int
	Active    bool
	LastJobID int64
}

// Queue is the FIFO control job queue. All exported methods are safe for
// concurrent use; Tick is meant to be driven by a single owner's 10ms
// ticker, matching the single-reactor-goroutine concurrency model.
type Queue struct {
	lookup   DeviceLookup
	bulkhead *resilience.Bulkhead
	metrics  *observability.CabinetMetrics
	logger   *slog.Logger

	mu        sync.Mutex
	nextID    int64
	pending   []Job
	active    bool
	results   map[int64]Result
	resultIDs []int64 // insertion order, oldest first
}

// New creates a control job queue bound to a device lookup.
func New(lookup DeviceLookup, metrics *observability.CabinetMetrics, logger *slog.Logger) *Queue {
	return &Queue{
		lookup:   lookup,
		bulkhead: resilience.NewBulkhead("jobqueue.execute", 1),
		metrics:  metrics,
		logger:   logger,
		results:  make(map[int64]Result),
	}
}

// Enqueue accepts a control request. If forceQueue is false and the queue
// is empty and idle, the job executes synchronously and ExecutedImmediately
// is true — this is the fast path RPC callers rely on for latency-free
// single commands. Otherwise the job is appended to the FIFO for the next
// Tick.
func (q *Queue) Enqueue(node int, channel uint8, action relayproto.Action, source string, forceQueue bool, nowMs int64) EnqueueResult {
	q.mu.Lock()

	if _, ok := q.lookup(node); !ok {
		q.mu.Unlock()
		return EnqueueResult{Accepted: false, Error: "unknown node"}
	}

	id := q.nextID + 1

	if !forceQueue && len(q.pending) == 0 && !q.active {
		q.nextID = id
		q.active = true
		q.mu.Unlock()

		result := q.execute(Job{ID: id, Node: node, Channel: channel, Action: action, Source: source, EnqueuedMs: nowMs})

		q.mu.Lock()
		q.active = false
		q.storeResultLocked(id, result)
		q.mu.Unlock()

		return EnqueueResult{JobID: id, Accepted: true, ExecutedImmediately: true, Success: result.OK, Error: errString(result)}
	}

	q.nextID = id
	job := Job{ID: id, Node: node, Channel: channel, Action: action, Source: source, EnqueuedMs: nowMs}
	q.pending = append(q.pending, job)
	if q.metrics != nil {
		q.metrics.JobsEnqueued.Inc()
		q.metrics.QueueDepth.Set(int64(len(q.pending)))
	}
	q.mu.Unlock()

	return EnqueueResult{JobID: id, Accepted: true}
}

func errString(r Result) string {
	if r.OK {
		return ""
	}
	return r.Message
}

// Tick dequeues and executes exactly one pending job, if any. Driven by the
// owning reactor's 10ms ticker.
func (q *Queue) Tick(nowMs int64) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	q.active = true
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(int64(len(q.pending)))
	}
	q.mu.Unlock()

	start := time.Now()
	result := q.execute(job)
	if q.metrics != nil {
		q.metrics.JobDuration.Observe(time.Since(start).Seconds())
		if !result.OK {
			q.metrics.JobsFailed.Inc()
		}
	}

	q.mu.Lock()
	q.active = false
	q.storeResultLocked(job.ID, result)
	idle := len(q.pending) == 0
	q.mu.Unlock()

	if idle {
		q.evictIfNeeded()
	}
}

// execute resolves the device and calls Control, guarded by a bulkhead of
// capacity 1 enforcing the single-in-flight execution invariant even if
// Enqueue's fast path and Tick ever race from different goroutines.
func (q *Queue) execute(job Job) Result {
	now := time.Now().UnixMilli()

	device, ok := q.lookup(job.Node)
	if !ok {
		return Result{OK: false, Message: "device not found", FinishedMs: now}
	}

	var ok2 bool
	err := q.bulkhead.TryExecute(func() error {
		ok2 = device.Control(job.Channel, job.Action)
		return nil
	})
	if err != nil {
		if q.metrics != nil {
			q.metrics.BulkheadRejects.Inc()
		}
		return Result{OK: false, Message: "execution busy, retry", FinishedMs: now}
	}
	if !ok2 {
		return Result{OK: false, Message: "device rejected", FinishedMs: now}
	}
	return Result{OK: true, Message: "ok", FinishedMs: now}
}

func (q *Queue) storeResultLocked(id int64, r Result) {
	q.results[id] = r
	q.resultIDs = append(q.resultIDs, id)
}

// evictIfNeeded trims the result cache down to maxJobResults, dropping the
// lowest job ids first. Runs only on queue-idle transitions, never in the
// hot path.
func (q *Queue) evictIfNeeded() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.resultIDs) <= maxJobResults {
		return
	}
	drop := len(q.resultIDs) - maxJobResults
	for _, id := range q.resultIDs[:drop] {
		delete(q.results, id)
	}
	q.resultIDs = q.resultIDs[drop:]
}

// Snapshot reports current queue depth and activity.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Snapshot{Pending: len(q.pending), Active: q.active, LastJobID: q.nextID}
}

// Result returns the cached outcome of job id, if still present.
func (q *Queue) Result(id int64) (Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.results[id]
	return r, ok
}
