// Package api contains shared JSON request/response structs.
// This package is shared between the worker and the tracking service contract.
package api

import (
	"bytes"
	"encoding/json"
	"time"
)

// Binary is a registered build configuration.
type Binary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Flags       []string `json:"flags"`
	Description string   `json:"description,omitempty"`
}

// Environment is a registered execution environment.
type Environment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CommitInfo is the commit provenance merged into metadata.json.
type CommitInfo struct {
	Hexsha         string `json:"hexsha"`
	ShortHexsha    string `json:"short_hexsha"`
	Author         string `json:"author"`
	AuthorEmail    string `json:"author_email"`
	AuthoredDate   string `json:"authored_date"`
	Committer      string `json:"committer"`
	CommitterEmail string `json:"committer_email"`
	CommittedDate  string `json:"committed_date"`
	Message        string `json:"message"`
}

// VersionInfo is the interpreter version triple reported by the built Python.
type VersionInfo struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Micro int `json:"micro"`
}

// Metadata is the subset of metadata.json the tracking service reads.
// The uploaded document carries more keys; it is sent as raw JSON.
type Metadata struct {
	Commit        CommitInfo     `json:"commit"`
	Version       VersionInfo    `json:"version"`
	ConfigureVars map[string]any `json:"configure_vars"`
}

// ConfigArgs returns the CONFIG_ARGS configure variable, or "" if absent.
func (m Metadata) ConfigArgs() string {
	if v, ok := m.ConfigureVars["CONFIG_ARGS"].(string); ok {
		return v
	}
	return ""
}

// BenchmarkResult is one benchmark's profiler output inside an upload.
type BenchmarkResult struct {
	BenchmarkName  string          `json:"benchmark_name"`
	StatsJSON      json.RawMessage `json:"stats_json"`
	FlamegraphHTML string          `json:"flamegraph_html"`
}

// UploadRunRequest is the request body for POST /api/upload-run.
type UploadRunRequest struct {
	Metadata         json.RawMessage   `json:"metadata"`
	BenchmarkResults []BenchmarkResult `json:"benchmark_results"`
	BinaryID         string            `json:"binary_id"`
	EnvironmentID    string            `json:"environment_id"`
}

// ResultID is a created benchmark result identifier. The service may encode
// it as a JSON string or number.
type ResultID string

// UnmarshalJSON accepts both string and numeric identifiers.
func (r *ResultID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = ResultID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*r = ResultID(n.String())
	return nil
}

// UploadRunResponse is the response body after a successful upload.
type UploadRunResponse struct {
	Message        string     `json:"message,omitempty"`
	RunID          string     `json:"run_id"`
	CommitSHA      string     `json:"commit_sha"`
	BinaryID       string     `json:"binary_id"`
	EnvironmentID  string     `json:"environment_id"`
	ResultsCreated int        `json:"results_created"`
	ResultIDs      []ResultID `json:"result_ids"`
}

// MemrayFailureReport is the request body for POST /api/report-memray-failure.
type MemrayFailureReport struct {
	CommitSHA       string    `json:"commit_sha"`
	CommitTimestamp time.Time `json:"commit_timestamp"`
	BinaryID        string    `json:"binary_id"`
	EnvironmentID   string    `json:"environment_id"`
	ErrorMessage    string    `json:"error_message"`
}

// ErrorResponse is the service's structured error body.
// Detail is usually a string but validation failures may carry a list.
type ErrorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// DetailString renders Detail as text.
func (e ErrorResponse) DetailString() string {
	if len(e.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Detail, &s); err == nil {
		return s
	}
	return string(e.Detail)
}

// NewErrorResponse builds an ErrorResponse with a string detail.
func NewErrorResponse(detail string) ErrorResponse {
	b, _ := json.Marshal(detail)
	return ErrorResponse{Detail: b}
}
