package relay

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"stream-relay/internal/platform/logger"
)

// Process is a running media server instance.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	Kill() error
	// Wait blocks until the process exits. It is called exactly once.
	Wait() error
}

// Launcher starts the media server with a configuration file.
type Launcher interface {
	Launch(configPath string) (Process, error)
}

// ExecLauncher runs the media server binary as a child process. Its stdout
// and stderr are logged line by line.
type ExecLauncher struct {
	Binary string
	Log    *slog.Logger
}

// NewExecLauncher returns a launcher for binary.
func NewExecLauncher(binary string, log *slog.Logger) *ExecLauncher {
	return &ExecLauncher{Binary: binary, Log: log}
}

// Launch implements Launcher.Launch. The child is not tied to any context:
// only the supervisor stops it.
func (l *ExecLauncher) Launch(configPath string) (Process, error) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "mediaserver")

	cmd := exec.Command(l.Binary, configPath)
	stdout := logger.NewLineWriter(log, "stdout")
	stderr := logger.NewLineWriter(log, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Binary, err)
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout *logger.LineWriter
	stderr *logger.LineWriter
}

func (p *execProcess) Pid() int                   { return p.cmd.Process.Pid }
func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Kill() error                { return p.cmd.Process.Kill() }

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	p.stdout.Flush()
	p.stderr.Flush()
	return err
}
