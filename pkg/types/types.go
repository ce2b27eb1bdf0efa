// Package types defines the core domain model shared across the geostream service.
package types

import (
	"strings"
	"time"
)

// PipelineRef is the correlation key of a pipeline owned by the geospatial engine.
type PipelineRef string

// String returns the reference in its textual form.
func (r PipelineRef) String() string { return string(r) }

// Valid reports whether the reference is non-empty.
func (r PipelineRef) Valid() bool { return strings.TrimSpace(string(r)) != "" }

// OperationKind names the kind of work a job performs.
type OperationKind string

// Operation kinds, one per job variant.
const (
	OperationImport       OperationKind = "import"
	OperationDownload     OperationKind = "download"
	OperationProcess      OperationKind = "process"
	OperationPublish      OperationKind = "publish"
	OperationCleanUp      OperationKind = "cleanup"
	OperationReportStatus OperationKind = "report"
	OperationRemove       OperationKind = "remove"
)

// StatusCode is the lifecycle state of a job.
type StatusCode string

// Lifecycle states
const (
	StatusPending   StatusCode = "pending"   // created, queued, not yet started
	StatusRunning   StatusCode = "running"   // DoExecute in progress
	StatusCompleted StatusCode = "completed" // finished without error
	StatusFailed    StatusCode = "failed"    // finished with an error
	StatusCancelled StatusCode = "cancelled" // stopped on request
)

// Terminal reports whether the status can no longer change.
func (s StatusCode) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ServerType selects which parts of the pipeline chain a node runs.
type ServerType string

const (
	ServerTest      ServerType = "Test"      // no status reports
	ServerProcessor ServerType = "Processor" // no republish at start
	ServerPublisher ServerType = "Publisher" // never pre-processes tiles
)

// ParseServerType maps a configured value onto a ServerType, defaulting to Publisher.
func ParseServerType(s string) ServerType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "test":
		return ServerTest
	case "processor":
		return ServerProcessor
	default:
		return ServerPublisher
	}
}

// SupportingFile is a local file a pipeline depends on.
type SupportingFile struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	Path     string `json:"path,omitempty"`
}

// ManifestEntry describes one file to fetch through the transfer subsystem.
type ManifestEntry struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// OperationStatus is a point-in-time copy of a job's status record.
type OperationStatus struct {
	ID          string            `json:"id"`
	Operation   OperationKind     `json:"operation"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Description string            `json:"description"`
	Progress    *float64          `json:"progress,omitempty"`
	Current     int64             `json:"current,omitempty"`
	Final       int64             `json:"final,omitempty"`
	Units       string            `json:"units,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
	Status      StatusCode        `json:"status"`
	Error       string            `json:"error,omitempty"`
}

// PipelineStatusCode groups pipelines in a status report.
type PipelineStatusCode string

const (
	PipelinePublished   PipelineStatusCode = "published"
	PipelinePublishing  PipelineStatusCode = "publishing"
	PipelineDownloading PipelineStatusCode = "downloading"
)

// StatusReport is the snapshot sent to the license server.
type StatusReport struct {
	NodeID     string                               `json:"node_id"`
	Name       string                               `json:"name"`
	ServerType ServerType                           `json:"server_type"`
	Operations []OperationStatus                    `json:"operations"`
	Pipelines  map[PipelineStatusCode][]PipelineRef `json:"pipelines"`
	CreatedAt  time.Time                            `json:"created_at"`
}

// PipelineRequest is an instruction returned by the license server.
type PipelineRequest struct {
	Operation  OperationKind     `json:"operation"`
	Parameters map[string]string `json:"parameters"`
}

// Ref returns the pipeline reference carried by the request, if any.
func (r PipelineRequest) Ref() PipelineRef {
	return PipelineRef(r.Parameters["ProcRef"])
}

// LicenseResponse is the license server's answer to a status report.
type LicenseResponse struct {
	PipelineRequests []PipelineRequest `json:"pipeline_requests"`
}
