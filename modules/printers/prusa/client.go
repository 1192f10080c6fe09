// Package prusa implements the PrusaLink REST client. PrusaLink has no push
// surface, so this is a pull driver polled by the monitoring scheduler.
package prusa

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/printers"
)

const (
	apiKeyHeader   = "X-Api-Key"
	requestTimeout = 10 * time.Second
	connectTimeout = 5 * time.Second
)

// Client is a pull-based ProtocolClient for PrusaLink printers.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxConnsPerHost:       10,
				ResponseHeaderTimeout: requestTimeout,
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
	}
}

// printerResponse is the shape of GET /api/printer.
type printerResponse struct {
	State struct {
		Text string `json:"text"`
	} `json:"state"`
	Temperature struct {
		Bed struct {
			Actual *float64 `json:"actual"`
			Target *float64 `json:"target"`
		} `json:"bed"`
		Extruder struct {
			Actual *float64 `json:"actual"`
			Target *float64 `json:"target"`
		} `json:"tool0"`
	} `json:"temperature"`
}

// jobResponse is the shape of GET /api/job.
type jobResponse struct {
	Job struct {
		File struct {
			Name string `json:"name"`
		} `json:"file"`
	} `json:"job"`
	Progress struct {
		Completion    *float64 `json:"completion"`
		PrintTime     *int     `json:"printTime"`     // seconds
		PrintTimeLeft *int     `json:"printTimeLeft"` // seconds
	} `json:"progress"`
}

func (c *Client) Connect(ctx context.Context) error {
	// Stateless protocol; a successful status fetch is the connect check.
	_, err := c.fetchPrinter(ctx)
	return err
}

func (c *Client) Disconnect(ctx context.Context) error { return nil }

func (c *Client) Status(ctx context.Context) (printers.Status, error) {
	now := time.Now().UTC()
	resp, err := c.fetchPrinter(ctx)
	if err != nil {
		// A printer that does not answer this cycle is offline, not broken.
		return printers.Status{State: printers.StateOffline, ObservedAt: now}, err
	}

	status := printers.Status{
		State:         mapState(resp.State.Text),
		BedCurrent:    resp.Temperature.Bed.Actual,
		BedTarget:     resp.Temperature.Bed.Target,
		NozzleCurrent: resp.Temperature.Extruder.Actual,
		NozzleTarget:  resp.Temperature.Extruder.Target,
		ObservedAt:    now,
	}

	if status.State == printers.StatePrinting || status.State == printers.StatePaused {
		if job, err := c.fetchJob(ctx); err == nil {
			status.JobFilename = job.Job.File.Name
			if job.Progress.Completion != nil {
				pct := int(*job.Progress.Completion * 100)
				if pct < 0 {
					pct = 0
				}
				if pct > 100 {
					pct = 100
				}
				status.PercentComplete = &pct
			}
			if job.Progress.PrintTimeLeft != nil {
				minutes := *job.Progress.PrintTimeLeft / 60
				status.RemainingMinutes = &minutes
				end := now.Add(time.Duration(*job.Progress.PrintTimeLeft) * time.Second)
				status.EstimatedEnd = &end
			}
			if job.Progress.PrintTime != nil {
				minutes := *job.Progress.PrintTime / 60
				status.ElapsedMinutes = &minutes
				start := now.Add(-time.Duration(*job.Progress.PrintTime) * time.Second)
				status.PrintStart = &start
			}
		}
	}
	return status, nil
}

// mapState normalizes PrusaLink's free-text state, case-insensitively.
func mapState(text string) printers.State {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "printing"):
		return printers.StatePrinting
	case strings.Contains(lower, "paused"):
		return printers.StatePaused
	case strings.Contains(lower, "operational"), strings.Contains(lower, "ready"):
		return printers.StateIdle
	case strings.Contains(lower, "error"):
		return printers.StateError
	default:
		return printers.StateUnknown
	}
}

func (c *Client) Pause(ctx context.Context) error {
	return c.jobCommand(ctx, `{"command":"pause","action":"pause"}`)
}

func (c *Client) Resume(ctx context.Context) error {
	return c.jobCommand(ctx, `{"command":"pause","action":"resume"}`)
}

func (c *Client) Stop(ctx context.Context) error {
	return c.jobCommand(ctx, `{"command":"cancel"}`)
}

func (c *Client) ListFiles(ctx context.Context) ([]printers.RemoteFile, error) {
	var body struct {
		Files []struct {
			Name string `json:"name"`
			Path string `json:"path"`
			Size int64  `json:"size"`
		} `json:"files"`
	}
	if err := c.get(ctx, "/api/files", &body); err != nil {
		return nil, err
	}
	out := make([]printers.RemoteFile, 0, len(body.Files))
	for _, f := range body.Files {
		out = append(out, printers.RemoteFile{Name: f.Name, Path: f.Path, Size: f.Size})
	}
	return out, nil
}

func (c *Client) TakeSnapshot(ctx context.Context) ([]byte, string, error) {
	return nil, "", engine.Kind(engine.ErrNotFound, "PrusaLink has no snapshot endpoint")
}

func (c *Client) fetchPrinter(ctx context.Context) (*printerResponse, error) {
	var resp printerResponse
	if err := c.get(ctx, "/api/printer", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) fetchJob(ctx context.Context) (*jobResponse, error) {
	var resp jobResponse
	if err := c.get(ctx, "/api/job", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return engine.Kind(engine.ErrTransientNetwork, "GET %s: %s", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return engine.Kind(engine.ErrAuth, "GET %s: status %d", path, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return engine.Kind(engine.ErrTransientNetwork, "GET %s: status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return engine.Kind(engine.ErrProtocol, "GET %s: %s", path, err)
	}
	return nil
}

func (c *Client) jobCommand(ctx context.Context, payload string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/job", strings.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return engine.Kind(engine.ErrTransientNetwork, "POST /api/job: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return engine.Kind(engine.ErrProtocol, "POST /api/job: status %d", resp.StatusCode)
	}
	return nil
}

