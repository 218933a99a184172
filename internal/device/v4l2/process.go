package v4l2

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Process is a running external command whose stdout is consumed.
type Process interface {
	Stdout() io.Reader
	// Interrupt asks the process to finish cleanly; ffmpeg finalizes its
	// outputs on SIGINT.
	Interrupt() error
	Kill() error
	// Wait reaps the process. Safe to call more than once.
	Wait() error
}

// Starter starts external processes.
type Starter interface {
	Start(name string, args ...string) (Process, error)
}

// ExecStarter starts processes with os/exec.
type ExecStarter struct{}

// Start implements Starter.
func (ExecStarter) Start(name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Stderr = nil // ffmpeg is chatty
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%s: stdout pipe: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: start: %w", name, err)
	}
	return &execProcess{cmd: cmd, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader

	waitOnce sync.Once
	waitErr  error
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Interrupt() error {
	return p.cmd.Process.Signal(os.Interrupt)
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *execProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}
