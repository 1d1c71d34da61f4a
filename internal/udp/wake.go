package udp

import (
	"fmt"
	"net"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"

	"github.com/opencci/gocci/internal/transport"
)

// wakeHandle is the UDP transport's pollable wake signal.
// It multiplexes two sources behind one epoll fd: the endpoint's UDP
// socket (readable whenever a datagram is waiting) and an eventfd the
// transport writes to each time it pushes a ready event, so a caller
// blocked in poll(2) on FD() wakes for either reason.
type wakeHandle struct {
	epollFD  int
	eventFD  int
	sockFD   int
	oneShot  bool
}

// newWakeHandle creates a wake handle that watches conn's underlying
// socket and its own internal eventfd via one epoll instance.
func newWakeHandle(conn net.PacketConn) (*wakeHandle, error) {
	nc, ok := conn.(net.Conn)
	if !ok {
		return nil, fmt.Errorf("udp: wake handle requires a net.Conn-capable PacketConn")
	}
	sockFD, err := netfd.GetFd(nc)
	if err != nil {
		return nil, fmt.Errorf("udp: extracting socket fd: %w", err)
	}

	eventFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("udp: eventfd: %w", err)
	}

	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(eventFD)
		return nil, fmt.Errorf("udp: epoll_create1: %w", err)
	}

	w := &wakeHandle{epollFD: epollFD, eventFD: eventFD, sockFD: int(sockFD)}
	if err := unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, int(sockFD), &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(sockFD)}); err != nil {
		w.Close()
		return nil, fmt.Errorf("udp: epoll_ctl add socket: %w", err)
	}
	if err := unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, eventFD, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(eventFD)}); err != nil {
		w.Close()
		return nil, fmt.Errorf("udp: epoll_ctl add eventfd: %w", err)
	}
	return w, nil
}

// FD satisfies transport.WakeHandle: callers poll/select on the epoll
// fd, which itself becomes readable when either the socket or the
// internal eventfd is readable.
func (w *wakeHandle) FD() int { return w.epollFD }

// Signal marks the handle ready; the transport calls it after every
// event it pushes onto the ready-event queue.
func (w *wakeHandle) Signal() {
	var one [8]byte
	one[7] = 1
	_, _ = unix.Write(w.eventFD, one[:])
}

// Drain clears the eventfd's counter after a caller wakes, so the next
// empty-to-non-empty transition raises the signal again. Level
// triggered epoll would otherwise keep re-firing on the stale counter.
func (w *wakeHandle) Drain() {
	var buf [8]byte
	_, _ = unix.Read(w.eventFD, buf[:])
}

// Rearm satisfies the ArmWake contract. epoll's default
// level-triggered mode needs no rearming; this is a no-op kept for API
// symmetry with one-shot wake primitives a future transport might add.
func (w *wakeHandle) Rearm() {}

func (w *wakeHandle) Close() error {
	if w.epollFD > 0 {
		unix.Close(w.epollFD)
	}
	if w.eventFD > 0 {
		unix.Close(w.eventFD)
	}
	return nil
}

var _ transport.WakeHandle = (*wakeHandle)(nil)
