package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/callsentry/pkg/errorsx"
	"github.com/harunnryd/callsentry/pkg/logging"
	"github.com/harunnryd/callsentry/pkg/resilience"
)

const (
	DefaultBaseURL      = "https://api.prd.realitydefender.xyz"
	DefaultPollInterval = 5 * time.Second
	DefaultMaxAttempts  = 60
)

type RealityDefenderConfig struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	MaxAttempts  int
	HTTPClient   *http.Client
	// Breaker rejects uploads after repeated 429s. Defaults to 3 in a row, 30s cooldown.
	Breaker *resilience.CircuitBreaker
}

// RealityDefender talks to the Reality Defender REST API.
type RealityDefender struct {
	cfg    RealityDefenderConfig
	client *http.Client
	logger *slog.Logger
}

func NewRealityDefender(cfg RealityDefenderConfig) *RealityDefender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RealityDefender{
		cfg:    cfg,
		client: client,
		logger: logging.NewComponentLogger(nil, "reality_defender"),
	}
}

func (r *RealityDefender) Name() string { return "reality_defender" }

type presignedRequest struct {
	FileName string `json:"fileName"`
}

type presignedResponse struct {
	Code     string `json:"code"`
	Response struct {
		SignedURL string `json:"signedUrl"`
	} `json:"response"`
	MediaID   string `json:"mediaId"`
	RequestID string `json:"requestId"`
}

// Upload requests a presigned URL and PUTs the file to it.
func (r *RealityDefender) Upload(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errorsx.Errorf(errorsx.ReasonDetectionUpload, "read capture: %w", err)
	}

	if err := r.cfg.Breaker.Allow(); err != nil {
		return "", errorsx.Errorf(errorsx.ReasonDetectionUpload, "presign: %w", err)
	}
	var presigned presignedResponse
	body, _ := json.Marshal(presignedRequest{FileName: filepath.Base(path)})
	err = r.doJSON(ctx, http.MethodPost, r.cfg.BaseURL+"/api/files/aws-presigned", body, &presigned)
	r.cfg.Breaker.Record(err)
	if err != nil {
		return "", errorsx.Errorf(errorsx.ReasonDetectionUpload, "presign: %w", err)
	}
	if presigned.Response.SignedURL == "" || presigned.RequestID == "" {
		return "", errorsx.Errorf(errorsx.ReasonDetectionUpload, "presign: missing signed url or request id")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presigned.Response.SignedURL, bytes.NewReader(data))
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonDetectionUpload)
	}
	req.ContentLength = int64(len(data))
	resp, err := r.client.Do(req)
	if err != nil {
		return "", errorsx.Errorf(errorsx.ReasonDetectionUpload, "put capture: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return "", errorsx.Errorf(errorsx.ReasonDetectionUpload, "put capture: status %d", resp.StatusCode)
	}

	r.logger.Info("detection_uploaded",
		slog.String("request_id", presigned.RequestID),
		slog.String("media_id", presigned.MediaID),
		slog.Int("size_bytes", len(data)))
	return presigned.RequestID, nil
}

type mediaResponse struct {
	RequestID      string `json:"requestId"`
	OverallStatus  string `json:"overallStatus"`
	ResultsSummary struct {
		Status   string `json:"status"`
		Metadata struct {
			FinalScore *float64 `json:"finalScore"`
		} `json:"metadata"`
	} `json:"resultsSummary"`
	Models []struct {
		Name       string   `json:"name"`
		Status     string   `json:"status"`
		FinalScore *float64 `json:"finalScore"`
	} `json:"models"`
}

func (m mediaResponse) status() string {
	if m.ResultsSummary.Status != "" {
		return strings.ToUpper(m.ResultsSummary.Status)
	}
	if m.OverallStatus != "" {
		return strings.ToUpper(m.OverallStatus)
	}
	return StatusAnalyzing
}

// Poll fetches the media result until it leaves ANALYZING or MaxAttempts is reached.
func (r *RealityDefender) Poll(ctx context.Context, requestID string) (Result, error) {
	endpoint := r.cfg.BaseURL + "/api/media/users/" + url.PathEscape(requestID)
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		var media mediaResponse
		if err := r.doJSON(ctx, http.MethodGet, endpoint, nil, &media); err != nil {
			return Result{RequestID: requestID}, errorsx.Errorf(errorsx.ReasonDetectionPoll, "poll %s: %w", requestID, err)
		}
		status := media.status()
		if status != StatusAnalyzing {
			return media.toResult(requestID, status), nil
		}
		r.logger.Debug("detection_pending",
			slog.String("request_id", requestID),
			slog.Int("attempt", attempt))
		if attempt == r.cfg.MaxAttempts {
			break
		}
		timer := time.NewTimer(r.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{RequestID: requestID}, errorsx.Wrap(ctx.Err(), errorsx.ReasonDetectionPoll)
		case <-timer.C:
		}
	}
	return Result{RequestID: requestID, Status: StatusAnalyzing},
		errorsx.Errorf(errorsx.ReasonDetectionTimeout, "poll %s: still analyzing after %d attempts", requestID, r.cfg.MaxAttempts)
}

func (m mediaResponse) toResult(requestID, status string) Result {
	res := Result{RequestID: requestID, Status: status}
	if m.RequestID != "" {
		res.RequestID = m.RequestID
	}
	if s := m.ResultsSummary.Metadata.FinalScore; s != nil {
		v := NormalizeScore(*s)
		res.Score = &v
	}
	for _, model := range m.Models {
		mr := ModelResult{Name: model.Name, Status: model.Status}
		if model.FinalScore != nil {
			v := NormalizeScore(*model.FinalScore)
			mr.Score = &v
		}
		res.Models = append(res.Models, mr)
	}
	return res
}

func (r *RealityDefender) doJSON(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-KEY", r.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{
			Provider:   r.Name(),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return json.Unmarshal(payload, out)
}

// retryAfter parses the delta-seconds form of Retry-After.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

var _ Detector = (*RealityDefender)(nil)
