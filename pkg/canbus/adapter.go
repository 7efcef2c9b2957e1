// Package canbus implements the SocketCAN transport: a non-blocking raw CAN
// socket with a queued TX pump, exponential backoff, and automatic interface
// recovery on persistent bus failure.
package canbus

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/freitascorp/cabinetcore/pkg/observability"
	"github.com/freitascorp/cabinetcore/pkg/resilience"
)

// Tuning constants mirror the reference CAN adapter's tx pump and recovery
// policy exactly.
const (
	maxTxQueueSize             = 512
	txInterval                 = 2 * time.Millisecond
	txBackoffUnit              = 10 * time.Millisecond
	maxBackoffMultiplier       = 5 // max backoff = 10ms * 2^5 = 320ms
	maxConsecutiveMaxBackoffs  = 3
	resetThreshold             = 3
	maxResetAttempts           = 3
	resetCooldown              = 30 * time.Second
	processTimeout             = 5 * time.Second
	readPollInterval           = 500 * time.Microsecond
)

// Config configures an Adapter's target interface.
type Config struct {
	Interface string
	CANFD     bool
}

// FrameHandler is invoked once per decoded inbound frame. It is called from
// the adapter's read-pump goroutine; callers that touch shared state must
// hand the frame off through a channel rather than mutate state directly.
type FrameHandler func(Frame)

// Adapter is a SocketCAN transport bound to one network interface. All
// exported methods except PumpTx and the read pump are safe to call from
// any goroutine; PumpTx is meant to be driven by a single owner's ticker.
type Adapter struct {
	cfg    Config
	opener socketOpener
	logger *slog.Logger
	metrics *observability.CabinetMetrics

	mu     sync.Mutex
	sock   rawSocket
	queue  []Frame

	backoff                  time.Duration
	backoffMultiplier        int
	consecutiveMaxBackoffs   int
	diagLogged               bool
	droppedFrameCount        int

	resetBreaker *resilience.CircuitBreaker

	stopRead context.CancelFunc
	readWG   sync.WaitGroup
	onFrame  FrameHandler
}

// NewAdapter builds an Adapter for the named interface. onFrame is called
// for every well-formed inbound frame once the adapter is opened.
func NewAdapter(cfg Config, metrics *observability.CabinetMetrics, logger *slog.Logger, onFrame FrameHandler) *Adapter {
	a := &Adapter{
		cfg:     cfg,
		opener:  openSocketCAN,
		logger:  logger,
		metrics: metrics,
		onFrame: onFrame,
	}
	a.resetBreaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "canbus.reset." + cfg.Interface,
		MaxFailures:      maxResetAttempts,
		ResetTimeout:     resetCooldown,
		HalfOpenMaxCalls: 1,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			logger.Info("canbus: interface reset breaker transition", "breaker", name, "from", from, "to", to)
			if to == resilience.CircuitOpen {
				metrics.CircuitBreakerTrips.Inc()
			}
		},
	})
	return a
}

// Open binds the socket and starts the read pump. Safe to call again after
// Close, or as a no-op if already open.
func (a *Adapter) Open() error {
	a.mu.Lock()
	if a.sock != nil {
		a.mu.Unlock()
		return nil
	}
	sock, err := a.opener(a.cfg.Interface, a.cfg.CANFD)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.sock = sock
	a.backoff = 0
	a.backoffMultiplier = 0
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	a.stopRead = cancel
	a.readWG.Add(1)
	go a.readPump(ctx)

	a.logger.Info("canbus: interface opened", "interface", a.cfg.Interface)
	return nil
}

// Close releases the socket and stops the read pump. The queue and backoff
// counters are cleared; dropped-frame and reset-attempt counters persist
// across Close/Open so recovery tracking survives a reset cycle.
func (a *Adapter) Close() error {
	if a.stopRead != nil {
		a.stopRead()
		a.readWG.Wait()
		a.stopRead = nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	var err error
	if a.sock != nil {
		err = a.sock.close()
		a.sock = nil
	}
	a.queue = nil
	a.backoff = 0
	a.backoffMultiplier = 0
	a.diagLogged = false
	a.consecutiveMaxBackoffs = 0
	return err
}

// SendFrame validates and enqueues a frame for transmission. It returns
// false (and emits no frame) if the adapter is closed, the payload is
// malformed, or the TX queue is full.
func (a *Adapter) SendFrame(f Frame) bool {
	if err := f.Validate(); err != nil {
		a.logger.Warn("canbus: sendFrame rejected", "error", err)
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sock == nil {
		a.logger.Warn("canbus: sendFrame failed, interface not opened")
		return false
	}
	if len(a.queue) >= maxTxQueueSize {
		a.logger.Warn("canbus: TX queue overflow, dropping send", "queue_len", len(a.queue))
		return false
	}
	a.queue = append(a.queue, f)
	if a.metrics != nil {
		a.metrics.TxQueueLen.Set(int64(len(a.queue)))
	}
	return true
}

// TxQueueLen reports the number of frames waiting to be transmitted.
func (a *Adapter) TxQueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// PumpTx advances the TX pump by one tick. Callers drive this from a
// txInterval ticker on the single owning goroutine.
func (a *Adapter) PumpTx() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pumpTxLocked()
}

func (a *Adapter) pumpTxLocked() {
	if a.sock == nil || len(a.queue) == 0 {
		return
	}

	if a.backoff > 0 {
		a.backoff -= txInterval
		if a.backoff < 0 {
			a.backoff = 0
		}
		return
	}

	item := a.queue[0]
	raw := encodeFrame(item)
	err := a.sock.send(raw)

	if err == nil {
		a.queue = a.queue[1:]
		a.backoffMultiplier = 0
		a.diagLogged = false
		a.consecutiveMaxBackoffs = 0
		a.droppedFrameCount = 0
		if a.metrics != nil {
			a.metrics.FramesSent.Inc()
			a.metrics.TxQueueLen.Set(int64(len(a.queue)))
		}
		return
	}

	if err != errWouldBlock {
		a.logger.Error("canbus: write failed", "error", err)
		a.queue = a.queue[1:]
		if a.metrics != nil {
			a.metrics.TxQueueLen.Set(int64(len(a.queue)))
		}
		return
	}

	// Exponential backoff: backoff = txBackoffUnit * 2^multiplier, capped at
	// maxBackoffMultiplier (320ms max).
	a.backoff = txBackoffUnit * time.Duration(1<<a.backoffMultiplier)
	if a.backoffMultiplier < maxBackoffMultiplier {
		a.backoffMultiplier++
		a.consecutiveMaxBackoffs = 0
	} else {
		a.consecutiveMaxBackoffs++
	}

	if a.backoffMultiplier == maxBackoffMultiplier && !a.diagLogged {
		a.diagLogged = true
		a.logger.Warn("canbus: TX buffer full at max backoff",
			"interface", a.cfg.Interface,
			"hint", "check bus termination, bitrate, and wiring")
	}

	if a.consecutiveMaxBackoffs >= maxConsecutiveMaxBackoffs {
		a.logger.Warn("canbus: TX persistent failure, dropping frame",
			"id", fmt.Sprintf("0x%X", item.ID), "retries", a.consecutiveMaxBackoffs)
		a.queue = a.queue[1:]
		a.backoff = 0
		a.backoffMultiplier = 0
		a.consecutiveMaxBackoffs = 0
		a.diagLogged = false
		a.droppedFrameCount++
		if a.metrics != nil {
			a.metrics.FramesDropped.Inc()
			a.metrics.TxQueueLen.Set(int64(len(a.queue)))
		}

		if a.droppedFrameCount >= resetThreshold {
			a.logger.Warn("canbus: dropped frames consecutively, attempting interface reset",
				"count", a.droppedFrameCount)
			if a.tryResetInterfaceLocked() {
				a.droppedFrameCount = 0
				a.logger.Info("canbus: interface reset succeeded, communication recovered")
			} else {
				a.droppedFrameCount = 0
			}
		}
	}
}

// tryResetInterfaceLocked runs `ip link set <iface> down` then `up` and
// reopens the socket. Reset attempts are gated by resetBreaker so a bus that
// cannot recover stops being hammered after maxResetAttempts within
// resetCooldown.
func (a *Adapter) tryResetInterfaceLocked() bool {
	if a.metrics != nil {
		a.metrics.ResetAttempts.Inc()
	}

	err := a.resetBreaker.Execute(func() error {
		if a.sock != nil {
			a.sock.close()
			a.sock = nil
		}

		if err := runIPLink(a.cfg.Interface, "down"); err != nil {
			return fmt.Errorf("ip link down: %w", err)
		}
		if err := runIPLink(a.cfg.Interface, "up"); err != nil {
			return fmt.Errorf("ip link up: %w", err)
		}

		sock, err := a.opener(a.cfg.Interface, a.cfg.CANFD)
		if err != nil {
			return fmt.Errorf("reopen: %w", err)
		}
		a.sock = sock
		return nil
	})

	if err != nil {
		a.logger.Error("canbus: interface reset failed", "interface", a.cfg.Interface, "error", err)
		return false
	}
	return true
}

func runIPLink(iface, state string) error {
	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "ip", "link", "set", iface, state)
	return cmd.Run()
}

// readPump drains inbound frames until the socket reports no data
// available, then idles briefly before polling again.
func (a *Adapter) readPump(ctx context.Context) {
	defer a.readWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		a.mu.Lock()
		sock := a.sock
		a.mu.Unlock()
		if sock == nil {
			return
		}

		raw, err := sock.recv()
		if err != nil {
			if err == errWouldBlock {
				time.Sleep(readPollInterval)
				continue
			}
			a.logger.Error("canbus: read failed", "error", err)
			time.Sleep(readPollInterval)
			continue
		}

		frame := decodeFrame(raw)
		if a.metrics != nil {
			a.metrics.FramesReceived.Inc()
		}
		if a.onFrame != nil {
			a.onFrame(frame)
		}
	}
}
