package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const readySentinel = "READY"

// spawnReadyTimeout bounds how long a fresh worker may take to print its
// first READY.
const spawnReadyTimeout = 30 * time.Second

// Subprocess hosts scanner code in a child process speaking the line-JSON
// protocol over stdin/stdout. One process stays alive per (agent, ticker)
// for the duration of a backtest day loop or a live session, which
// removes the per-bar spawn cost entirely.
type Subprocess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu     sync.Mutex
	lines  chan string
	errs   chan error
	closed bool
}

// SpawnSubprocess starts the worker command (argv[0] is the binary, the
// rest are its arguments) and waits for the initial READY sentinel.
func SpawnSubprocess(ctx context.Context, argv ...string) (*Subprocess, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("worker.SpawnSubprocess: empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker.SpawnSubprocess: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker.SpawnSubprocess: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker.SpawnSubprocess: start %s: %w", argv[0], err)
	}

	w := &Subprocess{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, 16),
		errs:  make(chan error, 1),
	}
	go w.readLoop(stdout)

	if err := w.awaitReady(ctx, spawnReadyTimeout); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// readLoop pumps stdout lines into the lines channel until EOF.
func (w *Subprocess) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		w.lines <- line
	}
	if err := sc.Err(); err != nil {
		w.errs <- err
	}
	close(w.lines)
}

// awaitReady blocks until the worker prints READY.
func (w *Subprocess) awaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrTimeout
		case line, ok := <-w.lines:
			if !ok {
				return ErrCrashed
			}
			if line == readySentinel {
				return nil
			}
			// Workers may log before READY; anything else is ignored here.
		}
	}
}

// Scan writes one request line and reads the response line followed by
// READY. The context carries the per-request deadline (120 s by default,
// set by the engine); a breach terminates the worker.
func (w *Subprocess) Scan(ctx context.Context, req Request) (Response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Response{}, ErrCrashed
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("worker.Scan: marshal request: %w", err)
	}
	if _, err := w.stdin.Write(append(payload, '\n')); err != nil {
		return Response{}, fmt.Errorf("%w: write request: %v", ErrCrashed, err)
	}

	var resp Response
	gotResponse := false
	for {
		select {
		case <-ctx.Done():
			// Deadline breach fails the worker, not just the request.
			w.kill()
			return Response{}, ErrTimeout
		case line, ok := <-w.lines:
			if !ok {
				return Response{}, ErrCrashed
			}
			if line == readySentinel {
				if !gotResponse {
					return Response{}, fmt.Errorf("%w: READY before response", ErrProtocol)
				}
				if resp.RequestID != req.RequestID {
					return Response{}, fmt.Errorf("%w: response id %q does not match request %q",
						ErrProtocol, resp.RequestID, req.RequestID)
				}
				return resp, nil
			}
			if err := json.Unmarshal([]byte(line), &resp); err != nil {
				return Response{}, fmt.Errorf("%w: bad response line: %v", ErrProtocol, err)
			}
			gotResponse = true
		}
	}
}

// Close shuts the worker down: closing stdin asks it to exit cleanly,
// then we wait briefly before killing.
func (w *Subprocess) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	w.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		w.cmd.Process.Kill()
		return <-done
	}
}

// kill force-terminates the process after a deadline breach.
func (w *Subprocess) kill() {
	w.closed = true
	w.stdin.Close()
	if w.cmd.Process != nil {
		w.cmd.Process.Kill()
	}
	go w.cmd.Wait()
}
