//go:build windows

package backend

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/UserExistsError/conpty"
)

const drainGrace = 250 * time.Millisecond

type localProcess struct {
	*base
	mu   sync.Mutex
	cpty *conpty.ConPty
	info Info
}

func startLocal(shell, command, workDir string, env []string) (*localProcess, error) {
	cpty, err := conpty.Start("cmd.exe /C "+command,
		conpty.ConPtyDimensions(120, 30),
		conpty.ConPtyWorkDir(workDir),
		conpty.ConPtyEnv(env),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start conpty: %w", err)
	}
	p := &localProcess{
		base: newBase(),
		cpty: cpty,
		info: Info{Command: command, TTY: true},
	}
	go p.pump(cpty, nil)
	go p.waitLoop()
	return p, nil
}

func (p *localProcess) waitLoop() {
	p.mu.Lock()
	cpty := p.cpty
	p.mu.Unlock()
	code := -1
	if c, err := cpty.Wait(context.Background()); err == nil {
		code = int(c)
	}
	select {
	case <-p.readDone:
	case <-time.After(drainGrace):
	}
	p.mu.Lock()
	if p.cpty != nil {
		p.cpty.Close()
		p.cpty = nil
	}
	p.mu.Unlock()
	p.finish(code)
}

func (p *localProcess) Write(data []byte) error {
	p.mu.Lock()
	cpty := p.cpty
	p.mu.Unlock()
	if cpty == nil {
		return os.ErrClosed
	}
	_, err := cpty.Write(data)
	return err
}

func (p *localProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	cpty := p.cpty
	p.mu.Unlock()
	if cpty == nil {
		return os.ErrClosed
	}
	return cpty.Resize(int(cols), int(rows))
}

// Stop interrupts through the console, or tears the console down when
// forced, which terminates the attached process.
func (p *localProcess) Stop(_ context.Context, force bool) error {
	if !force {
		return p.Write([]byte{0x03})
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cpty == nil {
		return nil
	}
	err := p.cpty.Close()
	p.cpty = nil
	return err
}

func (p *localProcess) Info() Info { return p.info }
