//go:build linux

package canbus

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// socketCANSocket is the production rawSocket: a PF_CAN/SOCK_RAW/CAN_RAW
// socket bound to a single interface in non-blocking mode.
type socketCANSocket struct {
	fd int
}

// openSocketCAN opens and binds a SocketCAN raw socket to iface, the way
// ip link show / candump expect it: non-blocking, optionally CAN-FD framed.
func openSocketCAN(iface string, canFD bool) (rawSocket, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("canbus: socket(PF_CAN) failed: %w", err)
	}

	if canFD {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("canbus: setsockopt(CAN_RAW_FD_FRAMES) failed: %w", err)
		}
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("canbus: fcntl(O_NONBLOCK) failed: %w", err)
	}

	idx, err := unix.IfNameToIndex(iface)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("canbus: ioctl(SIOCGIFINDEX) for %q failed: %w", iface, err)
	}

	addr := &unix.SockaddrCAN{Ifindex: idx}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("canbus: bind(AF_CAN) on %q failed: %w", iface, err)
	}

	return &socketCANSocket{fd: fd}, nil
}

func (s *socketCANSocket) send(raw [frameSize]byte) error {
	n, err := unix.Write(s.fd, raw[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.ENOBUFS {
			return errWouldBlock
		}
		return err
	}
	if n != frameSize {
		return fmt.Errorf("canbus: short write %d/%d", n, frameSize)
	}
	return nil
}

func (s *socketCANSocket) recv() ([frameSize]byte, error) {
	var raw [frameSize]byte
	n, err := unix.Read(s.fd, raw[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return raw, errWouldBlock
		}
		return raw, err
	}
	if n != frameSize {
		return raw, errWouldBlock
	}
	return raw, nil
}

func (s *socketCANSocket) close() error {
	return unix.Close(s.fd)
}
