package epoll

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
)

type recordingHandler struct {
	cancel func()
	ticks  int
	seen   map[domain.ConnID]domain.EventType
}

func (h *recordingHandler) Tick(context.Context) {
	h.ticks++
}

func (h *recordingHandler) HandleEvent(_ context.Context, id domain.ConnID, ev domain.EventType) error {
	h.seen[id] |= ev
	if h.seen[id]&domain.EventRead != 0 {
		h.cancel()
	}
	return nil
}

func TestRunDispatchesByID(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	loop, err := New(10*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Stop()

	id := domain.ConnID(1<<40 | 7)
	if err := loop.Register(fds[0], id, domain.EventRead); err != nil {
		t.Fatal(err)
	}
	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h := &recordingHandler{cancel: cancel, seen: map[domain.ConnID]domain.EventType{}}

	if err := loop.Run(ctx, h); err != nil {
		t.Fatal(err)
	}
	if h.seen[id]&domain.EventRead == 0 {
		t.Fatalf("no read event for id %d: %v", id, h.seen)
	}
	if h.ticks == 0 {
		t.Fatal("Tick never ran")
	}
}

func TestRunTicksWithoutEvents(t *testing.T) {
	loop, err := New(5*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	h := &recordingHandler{cancel: cancel, seen: map[domain.ConnID]domain.EventType{}}

	if err := loop.Run(ctx, h); err != nil {
		t.Fatal(err)
	}
	if h.ticks < 2 {
		t.Fatalf("expected repeated ticks, got %d", h.ticks)
	}
}

func TestModifyRearmsWritable(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	loop, err := New(10*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Stop()

	if err := loop.Register(fds[0], 3, domain.EventRead); err != nil {
		t.Fatal(err)
	}
	if err := loop.Modify(fds[0], 3, domain.EventRead|domain.EventWrite); err != nil {
		t.Fatal(err)
	}

	events := make([]unix.EpollEvent, 4)
	n, err := unix.EpollWait(loop.epollFD, events, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || events[0].Events&unix.EPOLLOUT == 0 || eventID(&events[0]) != 3 {
		t.Fatalf("unexpected events n=%d %+v", n, events[:n])
	}

	if err := loop.Unregister(fds[0]); err != nil {
		t.Fatal(err)
	}
}
