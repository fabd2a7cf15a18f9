package meshcast

import (
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// waker is an eventfd that is polled alongside the relay sockets so that the engine can be
// woken from its otherwise unbounded wait.
type waker struct {
	lock   sync.Mutex
	fd     int
	closed bool
}

func newWaker() (*waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}

	return &waker{fd: fd}, nil
}

func (w *waker) Fd() int {
	return w.fd
}

// Wake makes the waker readable. Waking a closed waker is a no-op.
func (w *waker) Wake() error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.closed {
		return nil
	}

	var b [8]byte

	binary.NativeEndian.PutUint64(b[:], 1)

	_, err := unix.Write(w.fd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		// counter is saturated, the waker is readable anyway
		return nil
	}

	return err
}

// Drain resets the waker.
func (w *waker) Drain() {
	var b [8]byte

	_, _ = unix.Read(w.fd, b[:])
}

func (w *waker) Close() error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true

	return unix.Close(w.fd)
}
