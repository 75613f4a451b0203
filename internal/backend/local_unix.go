//go:build !windows

package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty/v2"
)

// drainGrace bounds how long the reader may keep going after the process
// has exited. Background children can hold the pty open indefinitely.
const drainGrace = 250 * time.Millisecond

type localProcess struct {
	*base
	mu   sync.Mutex
	ptmx *os.File
	cmd  *exec.Cmd
	info Info
}

func startLocal(shell, command, workDir string, env []string) (*localProcess, error) {
	if _, err := exec.LookPath(shell); err != nil {
		shell = "sh"
	}
	cmd := exec.Command(shell, "-c", command)
	cmd.Dir = workDir
	cmd.Env = env

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Cols: 120, Rows: 30})

	p := &localProcess{
		base: newBase(),
		ptmx: ptmx,
		cmd:  cmd,
		info: Info{Command: command, PID: cmd.Process.Pid, TTY: true},
	}
	go p.pump(ptmx, nil)
	go p.waitLoop()
	return p, nil
}

func (p *localProcess) waitLoop() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	select {
	case <-p.readDone:
	case <-time.After(drainGrace):
	}
	p.mu.Lock()
	p.ptmx.Close()
	p.ptmx = nil
	p.mu.Unlock()

	p.finish(code)
}

func (p *localProcess) Write(data []byte) error {
	p.mu.Lock()
	ptmx := p.ptmx
	p.mu.Unlock()
	if ptmx == nil {
		return os.ErrClosed
	}
	_, err := ptmx.Write(data)
	return err
}

func (p *localProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	ptmx := p.ptmx
	p.mu.Unlock()
	if ptmx == nil {
		return os.ErrClosed
	}
	return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Stop sends an interrupt through the terminal, or kills the whole process
// group when forced.
func (p *localProcess) Stop(_ context.Context, force bool) error {
	if !force {
		return p.Write([]byte{0x03})
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	// pty.Start puts the child in its own session, so -pid is its group
	if err := syscall.Kill(-p.info.PID, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group %d: %w", p.info.PID, err)
	}
	return nil
}

func (p *localProcess) Info() Info { return p.info }
