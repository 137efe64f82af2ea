package jobstore

import (
	"strings"
	"time"
)

// RecordType is the second half of the composite key.
type RecordType string

const (
	RecordTypeJob       RecordType = "JOB"
	RecordTypeTaskToken RecordType = "TASK_TOKEN"
)

func (t RecordType) Valid() bool {
	return t == RecordTypeJob || t == RecordTypeTaskToken
}

// Status is the observed lifecycle stage of a job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transitions happen after s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Outstanding reports whether a job in status s still awaits completion.
func (s Status) Outstanding() bool {
	return s == StatusPending || s == StatusInProgress
}

// ParseStatus normalizes s into a Status, reporting whether it was known.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusInProgress, StatusSucceeded, StatusFailed:
		return st, true
	default:
		return "", false
	}
}

// JobRecord is one row of the job table, keyed by (ID, RecordType).
type JobRecord struct {
	ID             string     `gorm:"primaryKey;column:id;size:191" json:"id"`
	RecordType     RecordType `gorm:"primaryKey;column:id_type;size:32" json:"id_type"`
	Status         Status     `gorm:"column:status;size:32;index" json:"status"`
	ResumeToken    string     `gorm:"column:resume_token" json:"resume_token,omitempty"`
	ExecutionID    string     `gorm:"column:execution_id;size:64" json:"execution_id,omitempty"`
	SourceURIs     []string   `gorm:"column:source_uris;serializer:json" json:"source_uris,omitempty"`
	DestinationURI string     `gorm:"column:destination_uri" json:"destination_uri,omitempty"`
	Error          string     `gorm:"column:error" json:"error,omitempty"`
	// ExpireAt is epoch seconds; zero means the row never expires.
	ExpireAt  int64     `gorm:"column:expire_at;index" json:"expire_at,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (JobRecord) TableName() string {
	return "datacopy_jobs"
}

// Expired reports whether the row is eligible for TTL removal at now.
func (r JobRecord) Expired(now time.Time) bool {
	return r.ExpireAt > 0 && r.ExpireAt <= now.Unix()
}

// ExpiryFrom returns the expire_at value for a row written at now with ttl.
func ExpiryFrom(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).Unix()
}

func cloneRecord(r JobRecord) JobRecord {
	if r.SourceURIs != nil {
		r.SourceURIs = append([]string(nil), r.SourceURIs...)
	}
	return r
}

type recordKey struct {
	id  string
	typ RecordType
}

func keyOf(id string, typ RecordType) recordKey {
	return recordKey{id: strings.TrimSpace(id), typ: typ}
}
