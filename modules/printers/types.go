// Package printers implements the printer driver framework: per-printer
// connection lifecycle, status normalization, command dispatch, and the
// monitoring scheduler that drives it all.
package printers

import (
	"context"
	"time"
)

// Kind identifies a printer family.
type Kind string

const (
	KindBambu     Kind = "bambu"
	KindPrusa     Kind = "prusa"
	KindOctoPrint Kind = "octoprint"
)

// State is the normalized live print state.
type State string

const (
	StateUnknown  State = "unknown"
	StateIdle     State = "idle"
	StatePrinting State = "printing"
	StatePaused   State = "paused"
	StateError    State = "error"
	StateOffline  State = "offline"
)

// MonitoringState is the driver lifecycle state.
type MonitoringState string

const (
	MonitoringDisconnected MonitoringState = "disconnected"
	MonitoringConnecting   MonitoringState = "connecting"
	MonitoringConnected    MonitoringState = "connected"
	MonitoringDegraded     MonitoringState = "degraded"
	MonitoringFailed       MonitoringState = "failed"
	MonitoringSuspended    MonitoringState = "suspended"
)

// Endpoint carries the address and credentials appropriate to a printer
// kind. Bambu uses Host+AccessCode+Serial; Prusa and OctoPrint use
// URL+APIKey. WebcamURL optionally points at an external camera.
type Endpoint struct {
	Host       string `json:"host,omitempty"`
	AccessCode string `json:"access_code,omitempty"`
	Serial     string `json:"serial_number,omitempty"`
	URL        string `json:"url,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	WebcamURL  string `json:"webcam_url,omitempty"`
}

// Printer is the persisted printer configuration.
type Printer struct {
	ID       string
	Name     string
	Kind     Kind
	Endpoint Endpoint
	Enabled  bool

	MonitoringState MonitoringState
}

// Status is the normalized, ephemeral live picture of one printer. Pointer
// fields are nil when the vendor surface did not report the value.
type Status struct {
	State State `json:"state"`

	BedCurrent    *float64 `json:"bed_current"`
	BedTarget     *float64 `json:"bed_target"`
	NozzleCurrent *float64 `json:"nozzle_current"`
	NozzleTarget  *float64 `json:"nozzle_target"`

	PercentComplete  *int       `json:"percent_complete"`
	CurrentLayer     *int       `json:"current_layer"`
	TotalLayers      *int       `json:"total_layers"`
	RemainingMinutes *int       `json:"remaining_minutes"`
	ElapsedMinutes   *int       `json:"elapsed_minutes"`
	PrintStart       *time.Time `json:"print_start"`
	EstimatedEnd     *time.Time `json:"estimated_end"`

	JobFilename     string `json:"current_job_filename"`
	JobFileID       string `json:"current_job_file_id"`
	JobHasThumbnail bool   `json:"current_job_has_thumbnail"`

	ObservedAt time.Time `json:"last_observed_at"`
}

// RemoteFile describes a file visible on a printer's storage.
type RemoteFile struct {
	Name     string
	Path     string
	Size     int64
	Modified *time.Time
}

// ProtocolClient normalizes one vendor surface. Implementations must be safe
// for concurrent use by the driver and the monitoring scheduler.
type ProtocolClient interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	ListFiles(ctx context.Context) ([]RemoteFile, error)
	TakeSnapshot(ctx context.Context) ([]byte, string, error)
}

// Pusher is implemented by push-based clients (Bambu MQTT, OctoPrint
// SockJS). The monitoring scheduler uses LastMessageAt as a liveness probe
// instead of polling.
type Pusher interface {
	LastMessageAt() time.Time
}

// SnapshotGateway serves webcam frames for printers with an external camera
// configured. Implemented by the camera module.
type SnapshotGateway interface {
	Snapshot(ctx context.Context, printerID, webcamURL string) ([]byte, string, error)
}
