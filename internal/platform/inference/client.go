// Package inference is the HTTP client of the remote lesion detection and
// classification service.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dermrx/dermrx/internal/domain/lesion"
	"github.com/dermrx/dermrx/pkg/geometry"
)

const (
	DefaultTimeout = 20 * time.Second
	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 8 << 20

	OpDetect  = "detect"
	OpAnalyze = "analyze"
)

// Recorder observes each attempt against one endpoint.
type Recorder interface {
	ObserveCall(op, endpoint, outcome string, d time.Duration)
}

// Config configures the client. FallbackURL is optional.
type Config struct {
	BaseURL     string
	FallbackURL string
	APIKey      string
	Timeout     time.Duration
}

// Client calls /detect and /analyze on the primary endpoint and retries once
// on the fallback endpoint when the primary fails for any reason.
type Client struct {
	cfg       Config
	http      *http.Client
	recorder  Recorder
	logger    zerolog.Logger
	endpoints []endpoint
}

type endpoint struct {
	name string
	url  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithLogger sets the logger used for failed attempts.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("inference: base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: zerolog.Nop(),
		endpoints: []endpoint{
			{name: "primary", url: strings.TrimRight(cfg.BaseURL, "/")},
		},
	}
	if cfg.FallbackURL != "" {
		c.endpoints = append(c.endpoints, endpoint{name: "fallback", url: strings.TrimRight(cfg.FallbackURL, "/")})
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DetectRequest is the body of POST /detect.
type DetectRequest struct {
	ImageBase64 string `json:"imageBase64"`
}

type detectResponse struct {
	DetectedLesions []lesion.DetectedRegion `json:"detectedLesions"`
}

// Detect locates candidate regions on the image. It returns a
// *lesion.NetworkError when every endpoint fails.
func (c *Client) Detect(ctx context.Context, imageBase64 string) ([]lesion.DetectedRegion, error) {
	var resp detectResponse
	if err := c.call(ctx, OpDetect, DetectRequest{ImageBase64: imageBase64}, &resp); err != nil {
		return nil, err
	}
	if resp.DetectedLesions == nil {
		return []lesion.DetectedRegion{}, nil
	}
	return resp.DetectedLesions, nil
}

// AnalyzeRequest is the body of POST /analyze.
type AnalyzeRequest struct {
	ImageBase64     string        `json:"imageBase64"`
	PatientID       string        `json:"patientId"`
	DetectedLesions []RegionInput `json:"detectedLesions"`
}

// RegionInput is one region sent for classification.
type RegionInput struct {
	ID          string            `json:"id"`
	BoundingBox geometry.Box      `json:"boundingBox"`
	Provenance  lesion.Provenance `json:"provenance"`
}

type analyzedRegion struct {
	ID             string              `json:"id"`
	Classification *lesion.LesionType  `json:"classification"`
	Confidence     *float64            `json:"confidence"`
	Tracking       *lesion.Tracking    `json:"tracking,omitempty"`
	Predictions    []lesion.Prediction `json:"predictions,omitempty"`
}

type analyzeResponse struct {
	DetectedLesions []analyzedRegion `json:"detectedLesions"`
}

// Analyze classifies every region. Only regions that come back with both a
// classification and a confidence appear in the result.
func (c *Client) Analyze(ctx context.Context, imageBase64, patientID string, regions []lesion.Region) (map[string]lesion.Classification, error) {
	req := AnalyzeRequest{
		ImageBase64:     imageBase64,
		PatientID:       patientID,
		DetectedLesions: make([]RegionInput, len(regions)),
	}
	for i, r := range regions {
		req.DetectedLesions[i] = RegionInput{ID: r.ID, BoundingBox: r.BoundingBox, Provenance: r.Provenance}
	}

	var resp analyzeResponse
	if err := c.call(ctx, OpAnalyze, req, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]lesion.Classification, len(resp.DetectedLesions))
	for _, r := range resp.DetectedLesions {
		if r.Classification == nil || r.Confidence == nil {
			continue
		}
		out[r.ID] = lesion.Classification{
			Classification: *r.Classification,
			Confidence:     *r.Confidence,
			Tracking:       r.Tracking,
			Predictions:    r.Predictions,
		}
	}
	return out, nil
}

// call tries each endpoint in order and stops at the first success. The
// errors of all attempts are joined into one *lesion.NetworkError.
func (c *Client) call(ctx context.Context, op string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	var errs []error
	for _, ep := range c.endpoints {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		start := time.Now()
		err := c.attempt(ctx, ep, op, body, out)
		c.observe(op, ep.name, err, time.Since(start))
		if err == nil {
			return nil
		}
		c.logger.Warn().Err(err).Str("op", op).Str("endpoint", ep.name).Msg("inference attempt failed")
		errs = append(errs, fmt.Errorf("%s: %w", ep.name, err))
	}
	return &lesion.NetworkError{Op: op, Err: errors.Join(errs...)}
}

func (c *Client) attempt(ctx context.Context, ep endpoint, op string, body []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url+"/"+op, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: truncate(string(data), 256)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) observe(op, endpoint string, err error, d time.Duration) {
	if c.recorder == nil {
		return
	}
	outcome := "ok"
	var se *StatusError
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case errors.As(err, &se):
		outcome = fmt.Sprintf("http_%d", se.Code)
	default:
		outcome = "error"
	}
	c.recorder.ObserveCall(op, endpoint, outcome, d)
}

// StatusError is a non-2xx answer from the inference service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
