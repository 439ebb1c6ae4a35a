// Package httpdest implements the reference HTTP destination connector
// (spec §4.5), grounded on the engine's general Destination capability
// plus golang.org/x/time/rate for outbound throttling the way the
// destination queue throttles dispatch.
package httpdest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/hcengine/integration-engine/internal/connector"
)

// Config configures the HTTP destination connector.
type Config struct {
	URL             string
	Method          string // defaults to POST
	Headers         map[string]string
	Timeout         time.Duration
	RateLimitPerSec float64 // 0 disables client-side throttling
	SuccessStatuses []int   // empty defaults to 2xx
}

// Destination dispatches each connector message as one HTTP request.
type Destination struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

var _ connector.Destination = (*Destination)(nil)

// New builds an HTTP destination connector.
func New(cfg Config) *Destination {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	d := &Destination{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RateLimitPerSec > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), 1)
	}
	return d
}

func (d *Destination) Name() string                   { return "HTTP Sender" }
func (d *Destination) Start(ctx context.Context) error { return nil }
func (d *Destination) Stop(ctx context.Context) error  { return nil }

// Dispatch sends payload as the request body and maps the response back
// into the SENT/ERROR outcome the destination queue acts on.
func (d *Destination) Dispatch(ctx context.Context, payload []byte) connector.Response {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return connector.Response{Status: "ERROR", Err: err, StatusMessage: err.Error()}
		}
	}

	req, err := http.NewRequestWithContext(ctx, d.cfg.Method, d.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return connector.Response{Status: "ERROR", Err: err, StatusMessage: err.Error()}
	}
	for k, v := range d.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return connector.Response{Status: "ERROR", Err: err, StatusMessage: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if !d.isSuccess(resp.StatusCode) {
		err := fmt.Errorf("http destination: unexpected status %d", resp.StatusCode)
		return connector.Response{
			Status:        "ERROR",
			Err:           err,
			StatusMessage: fmt.Sprintf("HTTP %d", resp.StatusCode),
			Message:       string(body),
		}
	}

	return connector.Response{
		Status:        "SENT",
		StatusMessage: fmt.Sprintf("HTTP %d", resp.StatusCode),
		Message:       string(body),
	}
}

func (d *Destination) isSuccess(status int) bool {
	if len(d.cfg.SuccessStatuses) == 0 {
		return status >= 200 && status < 300
	}
	for _, s := range d.cfg.SuccessStatuses {
		if s == status {
			return true
		}
	}
	return false
}
