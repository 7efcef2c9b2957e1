package canbus

import "errors"

// errWouldBlock is returned by rawSocket.send/recv when the operation would
// block on a non-blocking descriptor (EAGAIN/EWOULDBLOCK) or the kernel's
// socket buffer is full (ENOBUFS) — the TX pump treats all three the same.
var errWouldBlock = errors.New("canbus: would block")

// rawSocket abstracts the SocketCAN file descriptor so the TX pump, backoff
// state machine, and reset policy can be driven from tests without a real
// can0 interface present.
type rawSocket interface {
	// send writes one raw wire-format frame. Returns errWouldBlock if the
	// kernel's TX buffer is currently full.
	send(raw [frameSize]byte) error
	// recv reads one raw wire-format frame. Returns errWouldBlock if no
	// frame is currently available.
	recv() ([frameSize]byte, error)
	close() error
}

// socketOpener creates a bound, non-blocking rawSocket for a named CAN
// interface. The real implementation lives in socket_linux.go.
type socketOpener func(iface string, canFD bool) (rawSocket, error)
