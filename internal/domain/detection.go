package domain

import (
	"fmt"
	"math"
	"time"
)

// CategoryNothing is the classifier label for an empty tray.
const CategoryNothing = "nothing"

// Image is a single captured frame on disk.
type Image struct {
	ID         string
	Path       string
	CapturedAt time.Time
	SizeBytes  int64
}

// Detection is one classified item.
type Detection struct {
	Label      string
	Confidence float64
	WeightKg   float64
	Count      int
}

// NewDetection validates and builds a Detection with a count of one.
func NewDetection(label string, confidence float64) (Detection, error) {
	if label == "" {
		return Detection{}, fmt.Errorf("%w: empty label", ErrInvalidInput)
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return Detection{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidInput, confidence)
	}
	return Detection{Label: label, Confidence: confidence, Count: 1}, nil
}

// DetectionReport aggregates detections of one category for upload.
// TotalWeightKg is nil for non-food categories.
type DetectionReport struct {
	Category      string   `json:"category"`
	AvgConfidence float64  `json:"confidence"`
	TotalWeightKg *float64 `json:"amount_kg"`
	ItemCount     int      `json:"count"`
}

// ReportAck is the backend's acknowledgement of an upload.
type ReportAck struct {
	Status          string `json:"status"`
	SessionID       string `json:"session_id"`
	NewDetections   int    `json:"new_detections"`
	TotalDetections int    `json:"total_detections"`
}
