// Package supervisor manages the lifecycle of locally spawned sidecar
// services: spawn, health polling, graceful stop, and crash detection.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tomedesk/tome/internal/metrics"
)

// Status is the lifecycle state of a service.
type Status string

const (
	StatusStopped   Status = "stopped"
	StatusStarting  Status = "starting"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Publisher delivers push events to the UI. Satisfied by the WebSocket hub.
type Publisher interface {
	Publish(eventType string, data interface{})
}

// CrashEvent is pushed to the UI when a managed process exits unexpectedly.
type CrashEvent struct {
	Service  string `json:"name"`
	ExitCode int    `json:"exitCode"`
}

// EventServiceCrashed is the push event type for unexpected exits.
const EventServiceCrashed = "service.crashed"

// Config describes one managed sidecar.
type Config struct {
	// Name identifies the service ("backend", "vectordb").
	Name string

	// BaseURL is the loopback address the service listens on.
	BaseURL string
	// HealthPath is the health endpoint path, e.g. "/api/health".
	HealthPath string

	// ExecName is the executable file name. Resolution order: ResourcesDir,
	// then DevBinDir, then the start attempt fails.
	ExecName     string
	ResourcesDir string
	DevBinDir    string

	Args []string
	Env  []string

	// Health-poll tuning after a spawn.
	HealthInterval   time.Duration
	MaxHealthRetries int

	// StopGracePeriod is how long a SIGTERM may run before SIGKILL.
	StopGracePeriod time.Duration
}

func (c *Config) applyDefaults() {
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 500 * time.Millisecond
	}
	if c.MaxHealthRetries <= 0 {
		c.MaxHealthRetries = 20
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = 5 * time.Second
	}
}

// StatusInfo is the pure in-memory snapshot returned by Status.
type StatusInfo struct {
	Name       string  `json:"name"`
	Status     Status  `json:"status"`
	URL        string  `json:"url"`
	Managed    bool    `json:"managed"`
	PID        int     `json:"pid,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`
	MemoryMB   float64 `json:"memoryMB,omitempty"`
	LastError  string  `json:"lastError,omitempty"`
}

// Supervisor owns exactly one sidecar process end to end. All lifecycle
// transitions for the service serialize through one mutex, so a restart
// request cannot race an in-flight health-poll loop.
type Supervisor struct {
	cfg    Config
	events Publisher
	client *http.Client

	lifecycle sync.Mutex // serializes Start/Stop/Restart

	mu       sync.RWMutex // guards the fields below
	status   Status
	cmd      *exec.Cmd
	done     chan struct{} // closed when the owned process exits
	external bool          // service was found already running, not spawned
	stopping bool          // deliberate stop in progress; exit is not a crash
	lastErr  error
	cpuPct   float64
	memMB    float64
}

// New creates a supervisor for one sidecar. Events may be nil in tests.
func New(cfg Config, events Publisher) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg:    cfg,
		events: events,
		status: StatusStopped,
		client: &http.Client{Timeout: 3 * time.Second},
	}
}

// Name returns the service name.
func (s *Supervisor) Name() string {
	return s.cfg.Name
}

// Start brings the service up. If a health probe against the expected
// address already succeeds, the service is assumed to be running externally:
// it is marked healthy and no process is spawned. Otherwise the executable
// is resolved and spawned, and the health endpoint is polled at a fixed
// interval up to a bounded retry count.
//
// A false return means the service did not become healthy in time. The
// spawned process is deliberately left running so a slow-starting service
// can still become healthy later, visible via subsequent Status calls.
func (s *Supervisor) Start(ctx context.Context) bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.checkHealth(ctx) {
		s.mu.Lock()
		s.status = StatusHealthy
		s.external = true
		s.lastErr = nil
		s.mu.Unlock()
		metrics.RecordStart(s.cfg.Name, "external")
		log.Info().Str("service", s.cfg.Name).Str("url", s.cfg.BaseURL).
			Msg("Service already running externally, adopting")
		return true
	}

	execPath, err := s.resolveExecutable()
	if err != nil {
		s.mu.Lock()
		s.status = StatusStopped
		s.lastErr = err
		s.mu.Unlock()
		metrics.RecordStart(s.cfg.Name, "failed")
		log.Error().Err(err).Str("service", s.cfg.Name).Msg("Cannot resolve service executable")
		return false
	}

	cmd := exec.Command(execPath, s.cfg.Args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Stdout = &logWriter{service: s.cfg.Name, stderr: false}
	cmd.Stderr = &logWriter{service: s.cfg.Name, stderr: true}
	// The sidecar gets its own process group so stop signals reach any
	// children holding the output pipes; a child that outlives the sidecar
	// would otherwise keep Wait blocked on the open pipe write ends.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = s.cfg.StopGracePeriod

	if err := cmd.Start(); err != nil {
		s.mu.Lock()
		s.status = StatusStopped
		s.lastErr = fmt.Errorf("spawn %s: %w", s.cfg.Name, err)
		s.mu.Unlock()
		metrics.RecordStart(s.cfg.Name, "failed")
		log.Error().Err(err).Str("service", s.cfg.Name).Str("exec", execPath).Msg("Failed to spawn service")
		return false
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.done = done
	s.status = StatusStarting
	s.external = false
	s.stopping = false
	s.lastErr = nil
	s.mu.Unlock()

	log.Info().Str("service", s.cfg.Name).Str("exec", execPath).Int("pid", cmd.Process.Pid).
		Msg("Service spawned")

	go s.watchExit(cmd, done)
	go s.sampleResources(cmd.Process.Pid, done)

	if s.pollUntilHealthy(ctx, done) {
		metrics.RecordStart(s.cfg.Name, "spawned")
		return true
	}

	// Retries exhausted or the process died during startup. When the process
	// is still alive the status stays "starting": the service may only be
	// warming up slowly.
	s.mu.Lock()
	if s.lastErr == nil {
		s.lastErr = fmt.Errorf("%s did not become healthy after %d probes",
			s.cfg.Name, s.cfg.MaxHealthRetries)
	}
	s.mu.Unlock()
	metrics.RecordStart(s.cfg.Name, "failed")
	return false
}

// Stop terminates an owned process: SIGTERM, a grace period, then SIGKILL.
// It is a no-op without an owned process and safe to call when the process
// has already exited. The handle is always cleared and the status reset to
// stopped.
func (s *Supervisor) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stopLocked()
}

func (s *Supervisor) stopLocked() {
	s.mu.Lock()
	cmd := s.cmd
	done := s.done
	if cmd == nil || cmd.Process == nil {
		s.cmd = nil
		s.status = StatusStopped
		s.external = false
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()

	s.signalGroup(cmd, syscall.SIGTERM)

	select {
	case <-done:
	case <-time.After(s.cfg.StopGracePeriod):
		log.Warn().Str("service", s.cfg.Name).Dur("grace", s.cfg.StopGracePeriod).
			Msg("Service ignored SIGTERM, killing")
		s.signalGroup(cmd, syscall.SIGKILL)
		select {
		case <-done:
		case <-time.After(s.cfg.StopGracePeriod):
			log.Error().Str("service", s.cfg.Name).
				Msg("Service did not exit after SIGKILL, abandoning handle")
		}
	}

	s.mu.Lock()
	s.cmd = nil
	s.done = nil
	s.status = StatusStopped
	s.stopping = false
	s.external = false
	s.cpuPct = 0
	s.memMB = 0
	s.mu.Unlock()

	log.Info().Str("service", s.cfg.Name).Msg("Service stopped")
}

// signalGroup signals the whole process group. Children inheriting the
// output pipes must receive stop signals too, or Wait stays blocked on the
// open write ends. Falls back to signalling the process alone when the
// group is already gone.
func (s *Supervisor) signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return
	}
	if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Debug().Err(err).Str("service", s.cfg.Name).Stringer("signal", sig).
			Msg("Signal delivery failed")
	}
}

// Restart stops the service if owned and starts it again.
func (s *Supervisor) Restart(ctx context.Context) bool {
	s.lifecycle.Lock()
	s.stopLocked()
	s.lifecycle.Unlock()
	return s.Start(ctx)
}

// Status returns the current in-memory state. It performs no I/O: resource
// figures come from a background sampler running while a process is owned.
func (s *Supervisor) Status() StatusInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := StatusInfo{
		Name:       s.cfg.Name,
		Status:     s.status,
		URL:        s.cfg.BaseURL,
		Managed:    !s.external,
		CPUPercent: s.cpuPct,
		MemoryMB:   s.memMB,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		info.PID = s.cmd.Process.Pid
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// CheckNow performs one health probe and updates the status accordingly.
// Used by explicit status polls after a slow start.
func (s *Supervisor) CheckNow(ctx context.Context) bool {
	healthy := s.checkHealth(ctx)

	s.mu.Lock()
	switch {
	case healthy:
		s.status = StatusHealthy
		s.lastErr = nil
	case s.status == StatusHealthy:
		s.status = StatusUnhealthy
	}
	s.mu.Unlock()
	return healthy
}

// watchExit waits for the owned process and converts an unexpected exit into
// an immediate crash push event, independent of any poll interval.
func (s *Supervisor) watchExit(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	close(done)

	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	} else if err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		exitCode = -1
	}

	s.mu.Lock()
	// A stale handle means the exit was already accounted for by a stop or
	// replaced by a restart.
	deliberate := s.stopping || s.cmd != cmd
	if !deliberate {
		s.status = StatusUnhealthy
		s.cmd = nil
		s.lastErr = fmt.Errorf("process exited unexpectedly with code %d", exitCode)
	}
	s.mu.Unlock()

	if deliberate {
		return
	}

	metrics.RecordCrash(s.cfg.Name)
	log.Error().Str("service", s.cfg.Name).Int("exit_code", exitCode).
		Msg("Service exited unexpectedly")

	if s.events != nil {
		s.events.Publish(EventServiceCrashed, CrashEvent{
			Service:  s.cfg.Name,
			ExitCode: exitCode,
		})
	}
}

// pollUntilHealthy polls the health endpoint until success, process death,
// context cancellation, or retry exhaustion.
func (s *Supervisor) pollUntilHealthy(ctx context.Context, done chan struct{}) bool {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < s.cfg.MaxHealthRetries; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-done:
			return false
		case <-ticker.C:
		}

		if s.checkHealth(ctx) {
			s.mu.Lock()
			s.status = StatusHealthy
			s.lastErr = nil
			s.mu.Unlock()
			log.Info().Str("service", s.cfg.Name).Int("attempts", attempt+1).
				Msg("Service became healthy")
			return true
		}
	}
	return false
}

// checkHealth performs one probe. Network errors are swallowed and counted
// as "not yet healthy".
func (s *Supervisor) checkHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+s.cfg.HealthPath, nil)
	if err != nil {
		return false
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.RecordHealthCheck(s.cfg.Name, false)
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	metrics.RecordHealthCheck(s.cfg.Name, healthy)
	return healthy
}

// resolveExecutable finds the sidecar binary: packaged resources first, then
// the development fallback.
func (s *Supervisor) resolveExecutable() (string, error) {
	candidates := make([]string, 0, 2)
	if s.cfg.ResourcesDir != "" {
		candidates = append(candidates, filepath.Join(s.cfg.ResourcesDir, s.cfg.ExecName))
	}
	if s.cfg.DevBinDir != "" {
		candidates = append(candidates, filepath.Join(s.cfg.DevBinDir, s.cfg.ExecName))
	}

	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("executable %q not found in %v", s.cfg.ExecName, candidates)
}
