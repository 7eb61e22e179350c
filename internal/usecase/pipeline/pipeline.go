// Package pipeline runs one capture, classify, weigh and report cycle.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"trashtrack-station/internal/domain"
	"trashtrack-station/internal/infra/tracer"
)

// DebugPayloadFile is written into the debug directory after every cycle
// with food detections.
const DebugPayloadFile = "last_payload.json"

// Camera produces an image.
type Camera interface {
	Capture(ctx context.Context) (domain.Image, error)
}

// Classifier labels an image with zero or more detections.
type Classifier interface {
	Classify(ctx context.Context, img domain.Image) ([]domain.Detection, error)
}

// Cycle is the outcome of one RunCycle.
type Cycle struct {
	Image      domain.Image
	Detections []domain.Detection
	Reports    []domain.DetectionReport // every category seen
	Food       []domain.DetectionReport // the subset worth uploading
}

// Pipeline wires a camera and a classifier.
type Pipeline struct {
	camera     Camera
	classifier Classifier
	debugDir   string
	logger     *slog.Logger
}

// New creates a Pipeline. An empty debugDir disables the debug copy.
func New(camera Camera, classifier Classifier, debugDir string, logger *slog.Logger) *Pipeline {
	return &Pipeline{camera: camera, classifier: classifier, debugDir: debugDir, logger: logger}
}

// Capture takes one image. Failures are ErrCapture and never retried here.
func (p *Pipeline) Capture(ctx context.Context) (domain.Image, error) {
	ctx, span := tracer.StartSpan(ctx, "pipeline.capture")
	defer span.End()

	img, err := p.camera.Capture(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Image{}, domain.WrapOp("Pipeline.Capture", err)
	}
	span.SetAttributes(tracer.StringAttr("image.id", img.ID), tracer.Int64Attr("image.bytes", img.SizeBytes))
	tracer.SetOK(span)
	return img, nil
}

// Classify labels img. A per-image failure is logged and yields no
// detections; only a fatal classifier error is returned.
func (p *Pipeline) Classify(ctx context.Context, img domain.Image) ([]domain.Detection, error) {
	ctx, span := tracer.StartSpan(ctx, "pipeline.classify")
	defer span.End()

	dets, err := p.classifier.Classify(ctx, img)
	if err != nil {
		tracer.RecordError(span, err)
		if domain.IsFatal(err) {
			return nil, domain.WrapOp("Pipeline.Classify", err)
		}
		p.logger.Warn("classification failed, treating as no detection",
			"image", img.ID, "error", err, "code", domain.ErrorCodeOf(err))
		return []domain.Detection{}, nil
	}
	span.SetAttributes(tracer.IntAttr("detections", len(dets)))
	tracer.SetOK(span)
	return dets, nil
}

// Weigh fills in WeightKg from the weight table.
func Weigh(dets []domain.Detection) []domain.Detection {
	out := make([]domain.Detection, len(dets))
	for i, d := range dets {
		d.Label = strings.ToLower(d.Label)
		d.WeightKg = WeightKg(d.Label) * float64(max(d.Count, 1))
		out[i] = d
	}
	return out
}

// BuildReport groups detections by category in first-seen order. Confidence
// is averaged and weight summed, both rounded to four decimals. Non-food
// categories carry no weight.
func BuildReport(dets []domain.Detection) []domain.DetectionReport {
	type agg struct {
		confSum float64
		n       int
		weight  float64
		count   int
	}
	var order []string
	groups := make(map[string]*agg)
	for _, d := range dets {
		c := strings.ToLower(d.Label)
		g, ok := groups[c]
		if !ok {
			g = &agg{}
			groups[c] = g
			order = append(order, c)
		}
		g.confSum += d.Confidence
		g.n++
		g.weight += d.WeightKg
		g.count += max(d.Count, 1)
	}

	reports := make([]domain.DetectionReport, 0, len(order))
	for _, c := range order {
		g := groups[c]
		r := domain.DetectionReport{
			Category:      c,
			AvgConfidence: round4(g.confSum / float64(g.n)),
			ItemCount:     g.count,
		}
		if IsFood(c) {
			w := round4(g.weight)
			r.TotalWeightKg = &w
		}
		reports = append(reports, r)
	}
	return reports
}

// FoodOnly keeps reports for food categories.
func FoodOnly(reports []domain.DetectionReport) []domain.DetectionReport {
	out := make([]domain.DetectionReport, 0, len(reports))
	for _, r := range reports {
		if IsFood(r.Category) {
			out = append(out, r)
		}
	}
	return out
}

// RunCycle captures, classifies, weighs and builds reports. A capture error
// or fatal classifier error aborts the cycle. The frame is deleted once
// classified unless a debug directory is configured.
func (p *Pipeline) RunCycle(ctx context.Context) (Cycle, error) {
	img, err := p.Capture(ctx)
	if err != nil {
		return Cycle{}, err
	}
	dets, err := p.Classify(ctx, img)
	p.discard(img)
	if err != nil {
		return Cycle{Image: img}, err
	}
	dets = Weigh(dets)
	reports := BuildReport(dets)
	return Cycle{
		Image:      img,
		Detections: dets,
		Reports:    reports,
		Food:       FoodOnly(reports),
	}, nil
}

// discard removes a classified frame. With a debug directory set, frames
// stay on disk for the retention sweep.
func (p *Pipeline) discard(img domain.Image) {
	if p.debugDir != "" || img.Path == "" {
		return
	}
	if err := os.Remove(img.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		p.logger.Warn("could not delete classified frame", "image", img.ID, "error", err)
	}
}

type debugPayload struct {
	SessionID string                   `json:"session_id"`
	WrittenAt time.Time                `json:"written_at"`
	Results   []domain.DetectionReport `json:"results"`
}

// WriteDebugCopy writes the upload body to DebugPayloadFile. It is a no-op
// without a debug directory.
func (p *Pipeline) WriteDebugCopy(sessionID string, reports []domain.DetectionReport) error {
	if p.debugDir == "" {
		return nil
	}
	data, err := json.MarshalIndent(debugPayload{
		SessionID: sessionID,
		WrittenAt: time.Now().UTC(),
		Results:   reports,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal debug payload: %w", err)
	}
	if err := os.MkdirAll(p.debugDir, 0o755); err != nil {
		return fmt.Errorf("debug dir: %w", err)
	}

	tmp, err := os.CreateTemp(p.debugDir, ".payload-*.json")
	if err != nil {
		return fmt.Errorf("debug payload: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("debug payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("debug payload: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(p.debugDir, DebugPayloadFile)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("debug payload: %w", err)
	}
	return nil
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
