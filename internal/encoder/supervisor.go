package encoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"streamcast/internal/observability/logging"
)

// LaunchError reports a process that never started.
type LaunchError struct {
	Binary string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Binary, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// StartRequest describes one encoder run.
type StartRequest struct {
	SessionID string
	Source    string
	// StreamKey is joined onto IngestBaseURL. IngestURL, when set, wins and
	// is used verbatim.
	StreamKey     string
	IngestBaseURL string
	IngestURL     string
	Profile       Profile
	// Sink receives each output line in emission order from a single
	// goroutine. The final call is always the terminal line.
	Sink func(line string)
	// OnExit runs after the last sink line, with the process exit error.
	OnExit func(err error)
}

// Process is a running encoder.
type Process struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	exitErr error
}

// Done closes after the process has exited and the terminal line was emitted.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until exit and returns the process error, nil for a clean exit.
func (p *Process) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Stop cancels the process and waits for the exit sequence to finish. It is
// safe to call multiple times and after natural exit.
func (p *Process) Stop(ctx context.Context) error {
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Supervisor launches and tracks encoder processes.
type Supervisor struct {
	logger *slog.Logger
}

// NewSupervisor builds a supervisor logging through the given logger.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logging.WithComponent(logger, "encoder")}
}

func (r StartRequest) target() (string, error) {
	if strings.TrimSpace(r.IngestURL) != "" {
		return strings.TrimSpace(r.IngestURL), nil
	}
	if strings.TrimSpace(r.StreamKey) == "" {
		return "", fmt.Errorf("stream key or ingest url is required")
	}
	return IngestTarget(r.IngestBaseURL, strings.TrimSpace(r.StreamKey)), nil
}

// Start launches the encoder. Output lines flow to the sink in order from one
// reader goroutine; the sink always receives a terminal line, then OnExit
// fires, then Done closes. The context gates the launch only; a running
// process outlives it and is halted through Stop.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*Process, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(req.Source) == "" {
		return nil, fmt.Errorf("source is required")
	}
	target, err := req.target()
	if err != nil {
		return nil, err
	}
	profile := req.Profile.withDefaults()
	args := profile.Args(req.Source, target)

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, profile.Binary, args...)
	reader, writer := io.Pipe()
	cmd.Stdout = writer
	cmd.Stderr = writer

	if err := cmd.Start(); err != nil {
		cancel()
		writer.Close()
		reader.Close()
		return nil, &LaunchError{Binary: profile.Binary, Err: err}
	}

	logger := s.logger.With("session_id", req.SessionID)
	logger.Info("encoder started", "source", req.Source, "target", RedactTarget(target))

	process := &Process{cancel: cancel, done: make(chan struct{})}
	streamKey := strings.TrimSpace(req.StreamKey)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if streamKey != "" {
				line = strings.ReplaceAll(line, streamKey, "<redacted>")
			}
			if req.Sink != nil {
				req.Sink(line)
			}
		}
	}()

	go func() {
		waitErr := cmd.Wait()
		writer.Close()
		<-readerDone

		terminal := "encoder exited"
		if waitErr != nil {
			terminal = fmt.Sprintf("encoder exited with error: %v", waitErr)
			logger.Warn("encoder exited", "error", waitErr)
		} else {
			logger.Info("encoder exited")
		}
		if req.Sink != nil {
			req.Sink(terminal)
		}

		process.mu.Lock()
		process.exitErr = waitErr
		process.mu.Unlock()

		if req.OnExit != nil {
			req.OnExit(waitErr)
		}
		cancel()
		close(process.done)
	}()

	return process, nil
}

// StopTimeout is the default grace period for Stop calls made without a
// caller deadline.
const StopTimeout = 15 * time.Second
