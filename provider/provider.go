// Package provider is the client side of the external storage provider that
// owns the source data and runs batch copy jobs.
package provider

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/jobstore"
)

// DefaultStagingThreshold is the size above which single-part objects are
// staged instead of copied by the provider job.
const DefaultStagingThreshold int64 = 8 << 20

// DefaultMaxAttempts bounds provider calls made through Retrying.
const DefaultMaxAttempts = 10

type ObjectKind string

const (
	KindFile   ObjectKind = "FILE"
	KindFolder ObjectKind = "FOLDER"
)

// ObjectStatus is the provider's upload state for an object.
type ObjectStatus string

const (
	ObjectAvailable ObjectStatus = "AVAILABLE"
	ObjectPartial   ObjectStatus = "PARTIAL"
)

// Object describes one file or folder on the provider.
type Object struct {
	URI    string       `json:"uri"`
	Name   string       `json:"name"`
	Kind   ObjectKind   `json:"kind"`
	Size   int64        `json:"size"`
	ETag   string       `json:"etag,omitempty"`
	Status ObjectStatus `json:"status,omitempty"`
}

func (o Object) IsFolder() bool {
	return o.Kind == KindFolder
}

// CopyJobRequest asks the provider to copy Sources into DestinationURI.
type CopyJobRequest struct {
	SourceURIs     []string `json:"sourceUris"`
	DestinationURI string   `json:"destinationUri"`
}

// Raw provider job states.
const (
	JobInitialized         = "INITIALIZED"
	JobWaitingForResources = "WAITING_FOR_RESOURCES"
	JobRunning             = "RUNNING"
	JobStopped             = "STOPPED"
	JobSucceeded           = "SUCCEEDED"
	JobPartiallySucceeded  = "PARTIALLY_SUCCEEDED"
	JobFailed              = "FAILED"
)

// Client is the narrow surface of the provider API used by the service.
type Client interface {
	GetObject(ctx context.Context, uri string) (Object, error)
	// ListFolder lists the direct children of a folder.
	ListFolder(ctx context.Context, uri string) ([]Object, error)
	DeleteObject(ctx context.Context, uri string) error
	// StageObject copies a single object to destinationURI by buffering its
	// content, bypassing the provider's batch copy.
	StageObject(ctx context.Context, src Object, destinationURI string) error
	StartCopyJob(ctx context.Context, req CopyJobRequest) (string, error)
	// GetJobStatus returns the raw provider state of a copy job.
	GetJobStatus(ctx context.Context, jobID string) (string, error)
	// MoveObject moves src to targetURI on the provider side, for objects
	// too large to stream.
	MoveObject(ctx context.Context, src Object, targetURI string) error

	// GetExternalObject describes a file held by the external file manager.
	GetExternalObject(ctx context.Context, uri string) (Object, error)
	// UploadExternalObject streams an external file into targetURI.
	UploadExternalObject(ctx context.Context, src Object, targetURI string) error
}

// SummarizeStatus collapses a raw provider job state into a job status.
// Unknown states count as success, matching the provider's own reporting.
func SummarizeStatus(raw string) jobstore.Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case JobInitialized, JobWaitingForResources, JobRunning:
		return jobstore.StatusInProgress
	case JobStopped, JobPartiallySucceeded, JobFailed:
		return jobstore.StatusFailed
	default:
		return jobstore.StatusSucceeded
	}
}

var multipartETag = regexp.MustCompile(`^\w+-\d+$`)

// IsMultipart reports whether etag has the shape of a multipart upload.
func IsMultipart(etag string) bool {
	return multipartETag.MatchString(strings.Trim(etag, `"`))
}

// NeedsStaging reports whether obj should go through the staging path.
func NeedsStaging(obj Object, threshold int64) bool {
	if obj.IsFolder() || threshold <= 0 {
		return false
	}
	return obj.Size > threshold && !IsMultipart(obj.ETag)
}

// JoinURI appends name to a folder uri.
func JoinURI(folder, name string) string {
	if !strings.HasSuffix(folder, "/") {
		folder += "/"
	}
	return folder + strings.TrimPrefix(name, "/")
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// ClearDestination readies targetURI for a copy of size bytes. A partial
// object there is deleted. A complete object of the same size means the
// copy already happened and skip is true. Any other object is a conflict.
func ClearDestination(ctx context.Context, client Client, targetURI string, size int64) (skip bool, err error) {
	existing, err := client.GetObject(ctx, targetURI)
	switch {
	case IsNotFound(err):
		return false, nil
	case err != nil:
		return false, err
	}
	if existing.Status == ObjectPartial {
		return false, client.DeleteObject(ctx, targetURI)
	}
	if existing.Size == size {
		return true, nil
	}
	return false, datacopy.NewError(datacopy.ErrValidation, "destination exists with a different size", nil, map[string]any{
		"target_uri":    targetURI,
		"existing_size": existing.Size,
		"source_size":   size,
	})
}
