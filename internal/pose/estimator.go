// Package pose runs a pose-estimation engine against the live camera frame
// and draws the resulting skeleton onto an overlay surface.
package pose

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kinetix-coach/internal/coach"
	"github.com/kinetix-coach/internal/logging"
)

// Estimator is a pose-estimation engine. Estimate returns a nil Frame when
// no body was found. Close releases the engine's resources.
type Estimator interface {
	Estimate(ctx context.Context, frame image.Image) (*Frame, error)
	Close() error
}

// Options configure the engine once, at construction.
type Options struct {
	ModelComplexity        int
	SmoothLandmarks        bool
	EnableSegmentation     bool
	MinDetectionConfidence float64
	MinTrackingConfidence  float64
}

func DefaultOptions() Options {
	return Options{
		ModelComplexity:        1,
		SmoothLandmarks:        true,
		EnableSegmentation:     false,
		MinDetectionConfidence: 0.5,
		MinTrackingConfidence:  0.5,
	}
}

// HTTPEstimator posts JPEG frames to a pose sidecar service and decodes its
// landmark list.
type HTTPEstimator struct {
	endpoint string
	client   *http.Client
	quality  int
	closed   atomic.Bool

	requests atomic.Int64
	failures atomic.Int64
}

// NewHTTPEstimator builds an estimator for the sidecar at rawURL. The engine
// options are encoded as query parameters on every request.
func NewHTTPEstimator(rawURL string, opts Options, client *http.Client) (*HTTPEstimator, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid pose url %q", rawURL)
	}
	q := u.Query()
	q.Set("model_complexity", strconv.Itoa(opts.ModelComplexity))
	q.Set("smooth_landmarks", strconv.FormatBool(opts.SmoothLandmarks))
	q.Set("enable_segmentation", strconv.FormatBool(opts.EnableSegmentation))
	q.Set("min_detection_confidence", strconv.FormatFloat(opts.MinDetectionConfidence, 'f', -1, 64))
	q.Set("min_tracking_confidence", strconv.FormatFloat(opts.MinTrackingConfidence, 'f', -1, 64))
	u.RawQuery = q.Encode()
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	return &HTTPEstimator{endpoint: u.String(), client: client, quality: 80}, nil
}

type landmarkJSON struct {
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Z          float64  `json:"z"`
	Visibility *float64 `json:"visibility"`
}

type estimateResponse struct {
	Landmarks []landmarkJSON `json:"landmarks"`
}

func (e *HTTPEstimator) Estimate(ctx context.Context, frame image.Image) (*Frame, error) {
	if e.closed.Load() {
		return nil, fmt.Errorf("%w: estimator closed", coach.ErrEstimationFailed)
	}
	var body bytes.Buffer
	if err := jpeg.Encode(&body, frame, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, fmt.Errorf("%w: encode frame: %v", coach.ErrEstimationFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coach.ErrEstimationFailed, err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("X-Correlation-ID", uuid.NewString())

	e.requests.Add(1)
	resp, err := e.client.Do(req)
	if err != nil {
		e.failures.Add(1)
		return nil, fmt.Errorf("%w: %w", coach.ErrEstimationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		e.failures.Add(1)
		return nil, fmt.Errorf("%w: pose service returned status %d", coach.ErrEstimationFailed, resp.StatusCode)
	}
	var out estimateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		e.failures.Add(1)
		return nil, fmt.Errorf("%w: decode response: %v", coach.ErrEstimationFailed, err)
	}
	if len(out.Landmarks) == 0 {
		return nil, nil
	}
	b := frame.Bounds()
	f := &Frame{Landmarks: make([]Landmark, len(out.Landmarks)), Width: b.Dx(), Height: b.Dy()}
	for i, l := range out.Landmarks {
		vis := 1.0
		if l.Visibility != nil {
			vis = *l.Visibility
		}
		f.Landmarks[i] = Landmark{X: l.X, Y: l.Y, Z: l.Z, Visibility: vis}
	}
	return f, nil
}

// Close releases pooled connections. Later Estimate calls fail.
func (e *HTTPEstimator) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.client.CloseIdleConnections()
	logging.Debugw("pose: http estimator closed", "requests", e.requests.Load(), "failures", e.failures.Load())
	return nil
}

// NopEstimator never finds a body. It stands in when no pose service is
// configured.
type NopEstimator struct{ closed atomic.Bool }

func (n *NopEstimator) Estimate(ctx context.Context, frame image.Image) (*Frame, error) {
	if n.closed.Load() {
		return nil, errors.New("estimator closed")
	}
	return nil, nil
}

func (n *NopEstimator) Close() error { n.closed.Store(true); return nil }
