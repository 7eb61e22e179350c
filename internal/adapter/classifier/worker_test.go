package classifier

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trashtrack-station/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestHelperWorker is not a real test. It is re-executed as the classifier
// child process by workerConfig.
func TestHelperWorker(t *testing.T) {
	mode := os.Getenv("CLASSIFIER_HELPER_MODE")
	if mode == "" {
		return
	}
	defer os.Exit(0)

	switch mode {
	case "crash":
		fmt.Fprintln(os.Stderr, "[ERROR] model file missing")
		os.Exit(3)
	case "hang":
		time.Sleep(time.Minute)
		return
	case "load-error":
		fmt.Println(`{"error":"tflite: cannot open model"}`)
		return
	}

	fmt.Fprintln(os.Stderr, "[INFO] model loaded")
	fmt.Println(`{"ready":true,"labels":["nothing","pizza","muffin","croissant"]}`)

	label := os.Getenv("CLASSIFIER_HELPER_LABEL")
	conf := os.Getenv("CLASSIFIER_HELPER_CONF")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		switch mode {
		case "fail":
			fmt.Printf(`{"id":%q,"error":"cannot decode image"}`+"\n", req.ID)
		case "die":
			os.Exit(1)
		case "silent":
		default:
			fmt.Printf(`{"id":%q,"label":%q,"confidence":%s}`+"\n", req.ID, label, conf)
		}
	}
}

func workerConfig(t *testing.T, mode, label, conf string) Config {
	t.Helper()
	t.Setenv("CLASSIFIER_HELPER_MODE", mode)
	t.Setenv("CLASSIFIER_HELPER_LABEL", label)
	t.Setenv("CLASSIFIER_HELPER_CONF", conf)
	return Config{
		Command:        os.Args[0],
		Args:           []string{"-test.run=^TestHelperWorker$"},
		Threshold:      0.60,
		StartupTimeout: 10 * time.Second,
		RequestTimeout: 5 * time.Second,
		StopTimeout:    2 * time.Second,
	}
}

func startWorker(t *testing.T, cfg Config) *Worker {
	t.Helper()
	w, err := Start(context.Background(), cfg, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestClassify_AboveThreshold(t *testing.T) {
	w := startWorker(t, workerConfig(t, "ok", "Pizza", "0.82"))
	assert.Equal(t, DefaultLabels, w.Labels())

	dets, err := w.Classify(context.Background(), domain.Image{ID: "img", Path: "/tmp/img.jpg"})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "pizza", dets[0].Label)
	assert.InDelta(t, 0.82, dets[0].Confidence, 1e-9)
	assert.Equal(t, 1, dets[0].Count)
}

func TestClassify_BelowThreshold(t *testing.T) {
	w := startWorker(t, workerConfig(t, "ok", "muffin", "0.41"))

	dets, err := w.Classify(context.Background(), domain.Image{Path: "/tmp/img.jpg"})
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestClassify_WorkerError(t *testing.T) {
	w := startWorker(t, workerConfig(t, "fail", "", ""))

	_, err := w.Classify(context.Background(), domain.Image{Path: "/tmp/img.jpg"})
	assert.ErrorIs(t, err, domain.ErrClassification)
	assert.False(t, domain.IsFatal(err))
}

func TestClassify_InvalidConfidence(t *testing.T) {
	w := startWorker(t, workerConfig(t, "ok", "pizza", "1.7"))

	_, err := w.Classify(context.Background(), domain.Image{Path: "/tmp/img.jpg"})
	assert.ErrorIs(t, err, domain.ErrClassification)
}

func TestClassify_Timeout(t *testing.T) {
	cfg := workerConfig(t, "silent", "", "")
	cfg.RequestTimeout = 100 * time.Millisecond
	w := startWorker(t, cfg)

	_, err := w.Classify(context.Background(), domain.Image{ID: "img", Path: "/tmp/img.jpg"})
	assert.ErrorIs(t, err, domain.ErrClassification)
	assert.Equal(t, domain.CodeClassifierTimeout, domain.ErrorCodeOf(err))
}

func TestClassify_WorkerDiesIsFatal(t *testing.T) {
	w := startWorker(t, workerConfig(t, "die", "", ""))

	_, err := w.Classify(context.Background(), domain.Image{Path: "/tmp/img.jpg"})
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
}

func TestStart_Failures(t *testing.T) {
	tests := []struct {
		name string
		mode string
	}{
		{"process exits", "crash"},
		{"load error", "load-error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Start(context.Background(), workerConfig(t, tt.mode, "", ""), newTestLogger())
			assert.ErrorIs(t, err, domain.ErrModelUnavailable)
			assert.True(t, domain.IsFatal(err))
		})
	}
}

func TestStart_ReadyTimeout(t *testing.T) {
	cfg := workerConfig(t, "hang", "", "")
	cfg.StartupTimeout = 200 * time.Millisecond
	cfg.StopTimeout = 100 * time.Millisecond

	_, err := Start(context.Background(), cfg, newTestLogger())
	assert.ErrorIs(t, err, domain.ErrModelUnavailable)
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestStart_NoCommand(t *testing.T) {
	_, err := Start(context.Background(), Config{}, newTestLogger())
	assert.ErrorIs(t, err, domain.ErrModelUnavailable)
}

func TestStop_Idempotent(t *testing.T) {
	w := startWorker(t, workerConfig(t, "ok", "pizza", "0.9"))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	_, err := w.Classify(context.Background(), domain.Image{Path: "/tmp/img.jpg"})
	assert.True(t, domain.IsFatal(err))
}
