package relay

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func declared(labels ...string) []DeclaredSource {
	out := make([]DeclaredSource, 0, len(labels))
	for _, l := range labels {
		out = append(out, DeclaredSource{Label: l, URL: "rtsp://cam/" + l})
	}
	return out
}

// fakeProcess exits when signalled unless ignoreTerm is set.
type fakeProcess struct {
	pid        int
	ignoreTerm bool

	once    sync.Once
	exited  chan struct{}
	signals atomic.Int32
	kills   atomic.Int32
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exited: make(chan struct{})}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Signal(os.Signal) error {
	p.signals.Add(1)
	select {
	case <-p.exited:
		return os.ErrProcessDone
	default:
	}
	if !p.ignoreTerm {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	select {
	case <-p.exited:
		return os.ErrProcessDone
	default:
	}
	p.exit()
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() { close(p.exited) })
}

// fakeLauncher hands out fakeProcesses, failing the first failures calls.
type fakeLauncher struct {
	mu         sync.Mutex
	failures   int
	ignoreTerm bool
	calls      int
	paths      []string
	procs      []*fakeProcess
}

func (l *fakeLauncher) Launch(configPath string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.paths = append(l.paths, configPath)
	if l.failures > 0 {
		l.failures--
		return nil, errors.New("exec: binary not found")
	}
	p := newFakeProcess(1000 + len(l.procs))
	p.ignoreTerm = l.ignoreTerm
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launched() []*fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeProcess(nil), l.procs...)
}

func (l *fakeLauncher) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// memWriter records written documents, failing the first failures writes.
type memWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	docs     []ExternalServerConfig
}

func (w *memWriter) Path() string { return "/tmp/relay-test.yml" }

func (w *memWriter) Write(cfg ExternalServerConfig) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failures > 0 {
		w.failures--
		return errors.New("disk full")
	}
	w.docs = append(w.docs, cfg)
	return nil
}

func (w *memWriter) written() []ExternalServerConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]ExternalServerConfig(nil), w.docs...)
}

func fastOptions() SupervisorOptions {
	return SupervisorOptions{
		WriteAttempts:       3,
		WriteBackoff:        time.Millisecond,
		SpawnAttempts:       3,
		SpawnInitialBackoff: time.Millisecond,
		SpawnMaxBackoff:     2 * time.Millisecond,
		StopTimeout:         50 * time.Millisecond,
	}
}

func testDefaults() ServerDefaults {
	return ServerDefaults{
		LogLevel:           "info",
		LogFile:            "bin/rtsp-simple-server.log",
		ReadBufferCount:    1024,
		HLSAddress:         ":8888",
		HLSVariant:         "lowLatency",
		HLSSegmentCount:    10,
		HLSSegmentDuration: "1s",
		HLSPartDuration:    "500ms",
		HLSSegmentMaxSize:  "100M",
		HLSAllowOrigin:     "*",
		HLSEncryption:      true,
		HLSServerKey:       "bin/rtsp-key.pem",
		HLSServerCert:      "bin/rtsp.pem",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
