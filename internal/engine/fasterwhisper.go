package engine

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

//go:embed assets/faster_whisper_worker.py
var workerScript []byte

// Error reports a failure inside the recognition worker. The client-facing
// message stays generic; Detail is for logs only.
type Error struct {
	Detail string
}

func (e *Error) Error() string {
	return "recognition engine failure"
}

type WorkerOptions struct {
	// Python is the interpreter used to run the worker, default "python3".
	Python string
	// StartTimeout bounds how long a model load may take, default 5m.
	StartTimeout time.Duration
	Logger       *slog.Logger
}

// NewFasterWhisperFactory returns a Factory that starts a long-lived
// faster-whisper worker process per config. The worker loads the model once
// and then answers newline-delimited JSON requests over stdin/stdout.
func NewFasterWhisperFactory(opts WorkerOptions) Factory {
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return func(cfg Config) (Engine, error) {
		return startWorker(cfg, opts)
	}
}

// fasterWhisperWorker serializes Recognize calls with a mutex: the worker
// handles one request at a time over its pipe, and faster-whisper itself is
// not safe for concurrent inference on one loaded model.
type fasterWhisperWorker struct {
	logger     *slog.Logger
	scriptPath string

	// dead flips once the pipe breaks (worker crashed or was killed); the
	// handle cannot recover and the cache replaces it on the next acquire.
	dead atomic.Bool

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	closed bool
}

// Alive reports whether the worker process can still serve requests.
func (w *fasterWhisperWorker) Alive() bool {
	return !w.dead.Load()
}

type workerRequest struct {
	Path     string `json:"path"`
	Language string `json:"language,omitempty"`
}

type workerResponse struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error"`
	Language string   `json:"language"`
	Duration *float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

type workerReady struct {
	Ready bool   `json:"ready"`
	Error string `json:"error"`
}

func startWorker(cfg Config, opts WorkerOptions) (Engine, error) {
	script, err := os.CreateTemp("", "voxgate-worker-*.py")
	if err != nil {
		return nil, fmt.Errorf("write worker script: %w", err)
	}
	scriptPath := script.Name()
	if _, err := script.Write(workerScript); err != nil {
		script.Close()
		os.Remove(scriptPath)
		return nil, fmt.Errorf("write worker script: %w", err)
	}
	if err := script.Close(); err != nil {
		os.Remove(scriptPath)
		return nil, fmt.Errorf("write worker script: %w", err)
	}

	cmd := exec.Command(opts.Python, scriptPath,
		"--model", cfg.ModelSize,
		"--device", cfg.Device,
		"--compute-type", cfg.ComputeType,
	)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		os.Remove(scriptPath)
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.Remove(scriptPath)
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		os.Remove(scriptPath)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		os.Remove(scriptPath)
		return nil, fmt.Errorf("start worker: %w", err)
	}

	logger := opts.Logger.With("component", "engine.fasterwhisper", "model", cfg.ModelSize)
	go logWorkerStderr(logger, stderr)

	w := &fasterWhisperWorker{
		logger:     logger,
		scriptPath: scriptPath,
		cmd:        cmd,
		stdin:      stdin,
		stdout:     newWorkerScanner(stdout),
	}
	if err := w.awaitReady(opts.StartTimeout); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func newWorkerScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	// Segment lists for long recordings can exceed the default token size.
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	return scanner
}

func (w *fasterWhisperWorker) awaitReady(timeout time.Duration) error {
	type outcome struct {
		ready workerReady
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		line, err := w.readLine()
		if err != nil {
			ch <- outcome{err: err}
			return
		}
		var ready workerReady
		if err := json.Unmarshal(line, &ready); err != nil {
			ch <- outcome{err: fmt.Errorf("parse worker ready line: %w", err)}
			return
		}
		ch <- outcome{ready: ready}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return fmt.Errorf("worker startup: %w", out.err)
		}
		if !out.ready.Ready {
			return &Error{Detail: "model load failed: " + out.ready.Error}
		}
		return nil
	case <-time.After(timeout):
		return &Error{Detail: fmt.Sprintf("model load timed out after %s", timeout)}
	}
}

// Recognize sends one request to the worker and waits for its reply. The
// context is accepted for interface symmetry but not used to abort the call:
// inference cannot be safely interrupted mid-flight, so a disconnected client
// still runs to completion.
func (w *fasterWhisperWorker) Recognize(_ context.Context, path, languageHint string, wantSegments bool) (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Result{}, &Error{Detail: "worker already closed"}
	}

	payload, err := json.Marshal(workerRequest{Path: path, Language: languageHint})
	if err != nil {
		return Result{}, err
	}
	if _, err := w.stdin.Write(append(payload, '\n')); err != nil {
		w.dead.Store(true)
		return Result{}, &Error{Detail: "write to worker: " + err.Error()}
	}

	line, err := w.readLine()
	if err != nil {
		w.dead.Store(true)
		return Result{}, &Error{Detail: "read from worker: " + err.Error()}
	}
	return parseWorkerLine(line, wantSegments)
}

func parseWorkerLine(line []byte, wantSegments bool) (Result, error) {
	var resp workerResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return Result{}, &Error{Detail: "parse worker response: " + err.Error()}
	}
	if !resp.OK {
		return Result{}, &Error{Detail: resp.Error}
	}

	segments := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, Segment{Start: s.Start, End: s.End, Text: s.Text})
	}
	return shapeResult(resp.Language, resp.Duration, segments, wantSegments), nil
}

func (w *fasterWhisperWorker) readLine() ([]byte, error) {
	if !w.stdout.Scan() {
		if err := w.stdout.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return w.stdout.Bytes(), nil
}

// Close shuts the worker down by closing its stdin; the worker exits on EOF.
// A worker that does not exit within a grace period is killed.
func (w *fasterWhisperWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.dead.Store(true)
	defer os.Remove(w.scriptPath)

	_ = w.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		_ = w.cmd.Process.Kill()
		return <-done
	}
}

func logWorkerStderr(logger *slog.Logger, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			logger.Debug("worker stderr", "line", line)
		}
	}
}
