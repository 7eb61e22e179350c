// Package classifier runs the image model in a long-lived child process.
//
// The child speaks newline-delimited JSON on stdin/stdout:
//
//	-> {"ready":true,"labels":["nothing","pizza","muffin","croissant"]}   once, after the model loads
//	<- {"id":"01J...","image_path":"/var/lib/trashtrack/captures/01J....jpg"}
//	-> {"id":"01J...","label":"pizza","confidence":0.82}
//	-> {"id":"01J...","error":"cannot decode image"}
//
// Anything the child writes to stderr is forwarded to the logger, with
// [ERROR] and [WARN] prefixes mapped to the matching slog level.
package classifier

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"trashtrack-station/internal/domain"
)

// DefaultLabels is the label set the station model is trained on.
var DefaultLabels = []string{"nothing", "pizza", "muffin", "croissant"}

// Config describes how to launch the worker.
type Config struct {
	Command        string
	Args           []string
	Threshold      float64       // detections below this confidence are dropped
	StartupTimeout time.Duration // model load budget (default 60s)
	RequestTimeout time.Duration // per image (default 15s)
	StopTimeout    time.Duration // grace after closing stdin (default 2s)
}

func (c Config) withDefaults() Config {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 2 * time.Second
	}
	return c
}

type request struct {
	ID        string `json:"id"`
	ImagePath string `json:"image_path"`
}

type message struct {
	Ready      bool     `json:"ready"`
	Labels     []string `json:"labels"`
	ID         string   `json:"id"`
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	Error      string   `json:"error"`
}

// Worker is a running classifier process. Classify calls are serialized.
type Worker struct {
	cfg    Config
	logger *slog.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	msgs    chan message
	exited  chan struct{}
	waitMu  sync.Mutex
	waitErr error

	callMu   sync.Mutex
	labels   []string
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Start launches the worker and blocks until it reports ready. Any failure
// to come up is ErrModelUnavailable, which the daemon treats as fatal.
func Start(ctx context.Context, cfg Config, logger *slog.Logger) (*Worker, error) {
	cfg = cfg.withDefaults()
	if cfg.Command == "" {
		return nil, domain.NewSubSystemError(domain.SubSystemClassifier, "Classifier.Start", domain.ErrModelUnavailable, "no worker command configured")
	}

	// The worker outlives the start context; Stop owns its lifetime.
	cmd := exec.Command(cfg.Command, cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("classifier: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("classifier: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("classifier: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, domain.NewSubSystemError(domain.SubSystemClassifier, "Classifier.Start", domain.ErrModelUnavailable, err.Error())
	}

	w := &Worker{
		cfg:    cfg,
		logger: logger,
		cmd:    cmd,
		stdin:  stdin,
		msgs:   make(chan message, 4),
		exited: make(chan struct{}),
	}
	logger.Info("classifier worker spawned", "command", cfg.Command, "pid", cmd.Process.Pid)

	w.wg.Add(2)
	go w.readMessages(stdout)
	go w.logStderr(stderr)
	go w.waitProcess()

	if err := w.awaitReady(ctx); err != nil {
		_ = w.Stop()
		return nil, err
	}
	return w, nil
}

func (w *Worker) awaitReady(ctx context.Context) error {
	timer := time.NewTimer(w.cfg.StartupTimeout)
	defer timer.Stop()
	for {
		select {
		case m := <-w.msgs:
			if m.Error != "" {
				return domain.NewSubSystemError(domain.SubSystemClassifier, "Classifier.Start", domain.ErrModelUnavailable, m.Error)
			}
			if !m.Ready {
				w.logger.Warn("classifier: unexpected message before ready", "id", m.ID)
				continue
			}
			w.labels = m.Labels
			if len(w.labels) == 0 {
				w.labels = DefaultLabels
			}
			w.logger.Info("classifier ready", "labels", w.labels, "threshold", w.cfg.Threshold)
			return nil
		case <-w.exited:
			return domain.NewSubSystemError(domain.SubSystemClassifier, "Classifier.Start", domain.ErrModelUnavailable,
				fmt.Sprintf("worker exited during startup: %v", w.exitErr()))
		case <-timer.C:
			return fmt.Errorf("%w: %w",
				domain.NewSubSystemError(domain.SubSystemClassifier, "Classifier.Start", domain.ErrTimeout, "waiting for ready"),
				domain.ErrModelUnavailable)
		case <-ctx.Done():
			return fmt.Errorf("classifier start: %w", ctx.Err())
		}
	}
}

// Labels returns the labels reported by the worker.
func (w *Worker) Labels() []string { return w.labels }

// Classify returns zero or one detection for img. A result below the
// confidence threshold is zero detections. A dead worker is
// ErrModelUnavailable; any other failure is ErrClassification.
func (w *Worker) Classify(ctx context.Context, img domain.Image) ([]domain.Detection, error) {
	w.callMu.Lock()
	defer w.callMu.Unlock()

	select {
	case <-w.exited:
		return nil, domain.NewSubSystemError(domain.SubSystemClassifier, "Classifier.Classify", domain.ErrModelUnavailable, "worker not running")
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	req := request{ID: ulid.Make().String(), ImagePath: img.Path}
	if err := w.send(ctx, req); err != nil {
		return nil, domain.NewSubSystemError(domain.SubSystemClassifier, "Classifier.Classify", domain.ErrClassification, err.Error())
	}

	for {
		select {
		case m := <-w.msgs:
			if m.ID != req.ID {
				w.logger.Debug("classifier: dropping stale response", "id", m.ID)
				continue
			}
			return w.toDetections(m)
		case <-w.exited:
			return nil, domain.NewSubSystemError(domain.SubSystemClassifier, "Classifier.Classify", domain.ErrModelUnavailable,
				fmt.Sprintf("worker exited: %v", w.exitErr()))
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w",
				domain.NewSubSystemError(domain.SubSystemClassifier, "Classifier.Classify", domain.ErrTimeout, img.ID),
				domain.ErrClassification)
		}
	}
}

func (w *Worker) toDetections(m message) ([]domain.Detection, error) {
	if m.Error != "" {
		return nil, domain.NewSubSystemError(domain.SubSystemClassifier, "Classifier.Classify", domain.ErrClassification, m.Error)
	}
	det, err := domain.NewDetection(strings.ToLower(m.Label), m.Confidence)
	if err != nil {
		return nil, fmt.Errorf("%w: %w",
			domain.NewSubSystemError(domain.SubSystemClassifier, "Classifier.Classify", domain.ErrInvalidInput, err.Error()),
			domain.ErrClassification)
	}
	if det.Confidence < w.cfg.Threshold {
		return []domain.Detection{}, nil
	}
	return []domain.Detection{det}, nil
}

// send writes one request line, giving up when ctx expires so that a hung
// worker cannot block the caller.
func (w *Worker) send(ctx context.Context, req request) error {
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	line = append(line, '\n')

	writeErr := make(chan error, 1)
	go func() {
		_, err := w.stdin.Write(line)
		writeErr <- err
	}()
	select {
	case err := <-writeErr:
		if err != nil {
			return fmt.Errorf("write to worker: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("write to worker: %w", ctx.Err())
	}
}

func (w *Worker) readMessages(stdout io.Reader) {
	defer w.wg.Done()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var m message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			w.logger.Warn("classifier: unparseable output", "error", err, "line", truncate(scanner.Text(), 200))
			continue
		}
		select {
		case w.msgs <- m:
		default:
			w.logger.Warn("classifier: dropping response, nobody waiting", "id", m.ID)
		}
	}
	if err := scanner.Err(); err != nil {
		w.logger.Error("classifier: stdout read failed", "error", err)
	}
}

func (w *Worker) logStderr(stderr io.Reader) {
	defer w.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			w.logger.Error("classifier worker", "line", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			w.logger.Warn("classifier worker", "line", line)
		default:
			w.logger.Debug("classifier worker", "line", line)
		}
	}
}

func (w *Worker) waitProcess() {
	// Pipes must be drained before Wait closes them.
	w.wg.Wait()
	err := w.cmd.Wait()
	w.waitMu.Lock()
	w.waitErr = err
	w.waitMu.Unlock()
	close(w.exited)
}

func (w *Worker) exitErr() error {
	w.waitMu.Lock()
	defer w.waitMu.Unlock()
	return w.waitErr
}

// Stop closes the worker's stdin and waits for it to exit, killing it after
// the stop timeout. Safe to call more than once.
func (w *Worker) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		_ = w.stdin.Close()
		select {
		case <-w.exited:
		case <-time.After(w.cfg.StopTimeout):
			w.logger.Warn("classifier worker did not exit, killing", "pid", w.cmd.Process.Pid)
			if killErr := w.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
				err = fmt.Errorf("classifier: kill: %w", killErr)
			}
			<-w.exited
		}
	})
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
