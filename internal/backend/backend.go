// Package backend runs instance processes and exposes each one through a
// uniform Adapter: an ordered output channel, a one-shot exit signal, and
// write/resize/stop controls. Three variants exist: a local process under a
// pseudo-terminal, a single Docker container, and a Docker Compose project.
package backend

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

var ErrRuntimeUnavailable = errors.New("container runtime unavailable")

// Adapter is a live handle on a running backend.
//
// Output delivers chunks in emission order and is closed once the stream
// ends. Done is closed exactly once, after Output has been closed, so a
// consumer that ranges over Output and then waits on Done never misses bytes.
type Adapter interface {
	Output() <-chan []byte
	Done() <-chan struct{}
	ExitCode() int
	Write(p []byte) error
	Resize(cols, rows uint16) error
	// Stop ends the backend. A graceful stop interrupts local shells and
	// asks the container runtime to stop; force kills outright.
	Stop(ctx context.Context, force bool) error
	Info() Info
}

type Info struct {
	Command     string `json:"command"`
	PID         int    `json:"pid,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
	TTY         bool   `json:"tty"`
}

const outputQueue = 64

// base implements the output/exit half of Adapter.
type base struct {
	out      chan []byte
	done     chan struct{}
	readDone chan struct{}
	once     sync.Once
	exitCode atomic.Int64
}

func newBase() *base {
	return &base{
		out:      make(chan []byte, outputQueue),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

func (b *base) Output() <-chan []byte { return b.out }
func (b *base) Done() <-chan struct{} { return b.done }
func (b *base) ExitCode() int         { return int(b.exitCode.Load()) }

// pump copies r into the output channel until r fails. split, when set,
// turns each read into zero or more payloads (used for multiplexed streams).
func (b *base) pump(r io.Reader, split func([]byte) [][]byte) {
	defer close(b.readDone)
	defer close(b.out)

	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if split == nil {
				b.out <- data
			} else {
				for _, p := range split(data) {
					if len(p) > 0 {
						b.out <- p
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// finish records the exit code and closes Done once the reader has drained.
func (b *base) finish(code int) {
	b.once.Do(func() {
		<-b.readDone
		b.exitCode.Store(int64(code))
		close(b.done)
	})
}
