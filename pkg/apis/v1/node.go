package v1

import (
	"encoding/json"
	"time"
)

// RegisterRequest enrolls a node. The registration key authenticates the
// request; the node's client certificate supplies the identity that later
// requests are matched against.
type RegisterRequest struct {
	RegistrationKey string `json:"registrationKey"`
	FQDN            string `json:"fqdn"`
}

// RegisterResponse confirms an enrollment.
type RegisterResponse struct {
	NodeID       string    `json:"nodeId"`
	FQDN         string    `json:"fqdn"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// ChecksumResponse carries the manifest checksum of the node's current
// configuration bundle. Agents compare it against the checksum of the last
// applied bundle to decide whether a download is needed. Version and entry
// point describe the resolved bundle so agents can verify an extracted tree.
type ChecksumResponse struct {
	Checksum   string `json:"checksum"`
	Version    string `json:"version,omitempty"`
	EntryPoint string `json:"entryPoint,omitempty"`
}

// ReportRequest submits the outcome of a local apply or test run.
type ReportRequest struct {
	Operation string           `json:"operation"`
	ExitCode  int              `json:"exitCode"`
	Resources []ResourceReport `json:"resources,omitempty"`
	Raw       json.RawMessage  `json:"raw,omitempty"`
}

// ResourceReport is the per-resource slice of a report. InDesiredState is
// nil when the run failed before the resource was evaluated.
type ResourceReport struct {
	Type           string `json:"type"`
	Name           string `json:"name"`
	InDesiredState *bool  `json:"inDesiredState"`
}

// ReportResponse acknowledges a stored report.
type ReportResponse struct {
	ID         string    `json:"id"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Report operations.
const (
	OperationSet  = "set"
	OperationTest = "test"
)

// ErrorBody is the JSON error envelope returned by the HTTP API.
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Error codes carried in ErrorBody.Code.
const (
	CodeValidation      = "validation"
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeArchived        = "archived"
	CodeSemVerViolation = "semver_violation"
	CodeIntegrity       = "integrity"
	CodeInternal        = "internal"
)

// Bundle response headers. The archive digest arrives as a trailer because
// it is only known once the stream has been written.
const (
	HeaderBundleChecksum   = "X-Bundle-Sha256"
	HeaderBundleVersion    = "X-Bundle-Version"
	HeaderBundleEntryPoint = "X-Bundle-Entry-Point"
)
