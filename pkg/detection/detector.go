// Package detection submits call captures to a deepfake detection service and
// reads back the verdict.
package detection

import (
	"context"
	"strings"

	"github.com/harunnryd/callsentry/pkg/errorsx"
)

const (
	StatusAuthentic   = "AUTHENTIC"
	StatusManipulated = "MANIPULATED"
	StatusAnalyzing   = "ANALYZING"
	StatusUnknown     = "UNKNOWN"
)

// ModelResult is one model's contribution to the verdict.
type ModelResult struct {
	Name   string   `json:"name"`
	Status string   `json:"status"`
	Score  *float64 `json:"score,omitempty"`
}

// Result is the outcome of one analysis. Score is in [0,1] when present.
type Result struct {
	RequestID string        `json:"request_id"`
	Status    string        `json:"status"`
	Score     *float64      `json:"score,omitempty"`
	Models    []ModelResult `json:"models,omitempty"`
}

func (r Result) Manipulated() bool {
	return strings.EqualFold(r.Status, StatusManipulated)
}

// Detector is a two-step detection backend.
// Poll returns once the analysis has left the pending state.
type Detector interface {
	Name() string
	Upload(ctx context.Context, path string) (string, error)
	Poll(ctx context.Context, requestID string) (Result, error)
}

// Analyze uploads the file at path and waits for its verdict.
func Analyze(ctx context.Context, d Detector, path string) (Result, error) {
	requestID, err := d.Upload(ctx, path)
	if err != nil {
		if errorsx.Reason(err) == errorsx.ReasonUnknown {
			err = errorsx.Wrap(err, errorsx.ReasonDetectionUpload)
		}
		return Result{}, err
	}
	res, err := d.Poll(ctx, requestID)
	if err != nil {
		if errorsx.Reason(err) == errorsx.ReasonUnknown {
			err = errorsx.Wrap(err, errorsx.ReasonDetectionPoll)
		}
		return Result{RequestID: requestID}, err
	}
	if res.RequestID == "" {
		res.RequestID = requestID
	}
	return res, nil
}

// NormalizeScore maps percentage scores onto [0,1].
func NormalizeScore(v float64) float64 {
	if v > 1 {
		v = v / 100
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
