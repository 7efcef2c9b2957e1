package canbus

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/freitascorp/cabinetcore/pkg/observability"
)

// fakeSocket is an in-memory rawSocket. sendErr/recvErr let tests force
// errWouldBlock or a hard failure on demand.
type fakeSocket struct {
	mu       sync.Mutex
	sent     [][frameSize]byte
	sendErr  error
	recvErr  error
	closed   bool
	closeErr error
}

func (f *fakeSocket) send(raw [frameSize]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, raw)
	return nil
}

func (f *fakeSocket) recv() ([frameSize]byte, error) {
	var raw [frameSize]byte
	return raw, errWouldBlock
}

func (f *fakeSocket) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAdapter(t *testing.T, sock *fakeSocket) *Adapter {
	t.Helper()
	a := NewAdapter(Config{Interface: "can0"}, observability.NewCabinetMetrics(), testLogger(), nil)
	a.opener = func(iface string, canFD bool) (rawSocket, error) {
		return sock, nil
	}
	if err := a.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSendFrame_QueuesAndSends(t *testing.T) {
	sock := &fakeSocket{}
	a := newTestAdapter(t, sock)

	if !a.SendFrame(Frame{ID: 0x100, Data: []byte{1, 2, 3}}) {
		t.Fatal("expected SendFrame to succeed")
	}
	if a.TxQueueLen() != 1 {
		t.Fatalf("queue len = %d, want 1", a.TxQueueLen())
	}

	a.PumpTx()
	if a.TxQueueLen() != 0 {
		t.Fatalf("queue len after pump = %d, want 0", a.TxQueueLen())
	}
	if len(sock.sent) != 1 {
		t.Fatalf("frames sent = %d, want 1", len(sock.sent))
	}
}

func TestSendFrame_RejectsOversizedPayload(t *testing.T) {
	sock := &fakeSocket{}
	a := newTestAdapter(t, sock)

	if a.SendFrame(Frame{ID: 0x100, Data: make([]byte, 9)}) {
		t.Error("expected SendFrame to reject payload > 8 bytes")
	}
}

func TestSendFrame_QueueOverflow(t *testing.T) {
	sock := &fakeSocket{sendErr: errWouldBlock}
	a := newTestAdapter(t, sock)

	for i := 0; i < maxTxQueueSize; i++ {
		if !a.SendFrame(Frame{ID: 0x100}) {
			t.Fatalf("SendFrame unexpectedly rejected at i=%d", i)
		}
	}
	if a.SendFrame(Frame{ID: 0x100}) {
		t.Error("expected SendFrame to reject once queue is full")
	}
}

func TestPumpTx_BackoffGrows(t *testing.T) {
	sock := &fakeSocket{sendErr: errWouldBlock}
	a := newTestAdapter(t, sock)
	a.SendFrame(Frame{ID: 0x100})

	a.PumpTx() // first failure: multiplier 0 -> 1, backoff = 10ms
	a.mu.Lock()
	if a.backoffMultiplier != 1 {
		t.Errorf("backoffMultiplier = %d, want 1", a.backoffMultiplier)
	}
	if a.backoff != txBackoffUnit {
		t.Errorf("backoff = %v, want %v", a.backoff, txBackoffUnit)
	}
	a.mu.Unlock()

	// Drain the backoff timer down to zero without another send attempt.
	for a.backoffRemaining() > 0 {
		a.PumpTx()
	}

	a.PumpTx() // second failure: multiplier 1 -> 2
	a.mu.Lock()
	if a.backoffMultiplier != 2 {
		t.Errorf("backoffMultiplier = %d, want 2", a.backoffMultiplier)
	}
	a.mu.Unlock()
}

// backoffRemaining is a small test helper exposing internal state safely.
func (a *Adapter) backoffRemaining() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backoff
}

func TestPumpTx_PersistentFailureDropsAndResets(t *testing.T) {
	sock := &fakeSocket{sendErr: errWouldBlock}
	a := newTestAdapter(t, sock)
	a.SendFrame(Frame{ID: 0x123})

	// Drive the multiplier to its cap, then past maxConsecutiveMaxBackoffs
	// more failures at the cap, each time draining the backoff timer first.
	ticks := 0
	for a.TxQueueLen() > 0 && ticks < 10000 {
		a.PumpTx()
		ticks++
	}

	if a.TxQueueLen() != 0 {
		t.Fatalf("expected frame to be dropped eventually, queue len = %d", a.TxQueueLen())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.backoffMultiplier != 0 || a.consecutiveMaxBackoffs != 0 {
		t.Errorf("expected backoff state reset after drop, got multiplier=%d consecutive=%d",
			a.backoffMultiplier, a.consecutiveMaxBackoffs)
	}
}

func TestPumpTx_SuccessResetsBackoffState(t *testing.T) {
	sock := &fakeSocket{}
	a := newTestAdapter(t, sock)
	a.mu.Lock()
	a.backoffMultiplier = 3
	a.consecutiveMaxBackoffs = 1
	a.mu.Unlock()

	a.SendFrame(Frame{ID: 0x100})
	a.PumpTx()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.backoffMultiplier != 0 {
		t.Errorf("backoffMultiplier after success = %d, want 0", a.backoffMultiplier)
	}
	if a.consecutiveMaxBackoffs != 0 {
		t.Errorf("consecutiveMaxBackoffs after success = %d, want 0", a.consecutiveMaxBackoffs)
	}
}

func TestSendFrame_FailsWhenClosed(t *testing.T) {
	sock := &fakeSocket{}
	a := newTestAdapter(t, sock)
	a.Close()
	if a.SendFrame(Frame{ID: 0x100}) {
		t.Error("expected SendFrame to fail on closed adapter")
	}
}

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{ID: 0x1FF, Extended: false, Data: []byte{0xAA, 0xBB, 0xCC}}
	raw := encodeFrame(f)
	got := decodeFrame(raw)
	if got.ID != f.ID || got.Extended != f.Extended || got.RTR != f.RTR {
		t.Fatalf("decodeFrame = %+v, want %+v", got, f)
	}
	if string(got.Data) != string(f.Data) {
		t.Errorf("data = %v, want %v", got.Data, f.Data)
	}
}

func TestFrameEncodeDecode_ExtendedAndRTR(t *testing.T) {
	f := Frame{ID: 0x1FFFFFFF, Extended: true, RTR: true}
	raw := encodeFrame(f)
	got := decodeFrame(raw)
	if !got.Extended || !got.RTR {
		t.Errorf("expected extended+rtr flags preserved, got %+v", got)
	}
	if got.ID != f.ID {
		t.Errorf("ID = 0x%X, want 0x%X", got.ID, f.ID)
	}
}

func TestFrameValidate_RejectsOutOfRangeStandardID(t *testing.T) {
	f := Frame{ID: 0x800} // 11-bit max is 0x7FF
	if err := f.Validate(); err == nil {
		t.Error("expected validation error for standard id > 11 bits")
	}
}
