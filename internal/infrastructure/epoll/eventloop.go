package epoll

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
)

const (
	maxEvents          = 128
	DefaultPollTimeout = 100 * time.Millisecond
)

// LinuxEventLoop is an edge-triggered epoll instance. Each registration
// carries the connection id in the event user data, so events are dispatched
// by id rather than by file descriptor.
type LinuxEventLoop struct {
	epollFD int
	timeout time.Duration
	log     *slog.Logger
}

func New(timeout time.Duration, log *slog.Logger) (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &LinuxEventLoop{epollFD: fd, timeout: timeout, log: log}, nil
}

func newEvent(id domain.ConnID, events domain.EventType) *unix.EpollEvent {
	return &unix.EpollEvent{
		Events: uint32(events) | unix.EPOLLRDHUP | unix.EPOLLET, // Edge-triggered
		Fd:     int32(uint32(id)),
		Pad:    int32(uint32(id >> 32)),
	}
}

func eventID(ev *unix.EpollEvent) domain.ConnID {
	return domain.ConnID(uint32(ev.Fd)) | domain.ConnID(uint32(ev.Pad))<<32
}

func (l *LinuxEventLoop) Register(fd int, id domain.ConnID, events domain.EventType) error {
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, newEvent(id, events))
}

// Modify replaces the interest set. Under edge triggering this also re-arms
// the descriptor, so a socket that is already writable reports again.
func (l *LinuxEventLoop) Modify(fd int, id domain.ConnID, events domain.EventType) error {
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, newEvent(id, events))
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run polls until ctx is done. handler.Tick runs before every wait, which is
// bounded by the loop timeout so ticks happen even without I/O.
func (l *LinuxEventLoop) Run(ctx context.Context, handler domain.EventHandler) error {
	events := make([]unix.EpollEvent, maxEvents)
	msec := int(l.timeout / time.Millisecond)
	for {
		if ctx.Err() != nil {
			return nil
		}
		handler.Tick(ctx)

		n, err := unix.EpollWait(l.epollFD, events, msec)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			id := eventID(&events[i])
			evMask := events[i].Events

			var domainEv domain.EventType
			if evMask&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				domainEv |= domain.EventRead
			}
			if evMask&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				domainEv |= domain.EventWrite
			}

			if err := handler.HandleEvent(ctx, id, domainEv); err != nil {
				l.log.Warn("Error handling event", "id", id, "error", err)
			}
		}
	}
}

func (l *LinuxEventLoop) Stop() {
	unix.Close(l.epollFD)
}
