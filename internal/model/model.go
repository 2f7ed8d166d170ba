// Package model holds the data shapes shared across the connector runtime:
// envelopes, checkpoints, credentials, jobs and sync parameters. Beyond the
// standard library it imports only github.com/worldline-go/types for
// nullable timestamps and performs no I/O, so every other package (and the
// Transformer in particular, which may not perform I/O) can import it freely.
package model

import (
	"time"

	"github.com/worldline-go/types"
)

// ContentType is the closed set of payload encodings an Upload Envelope may carry.
type ContentType string

const (
	ContentPDF      ContentType = "pdf"
	ContentHTML     ContentType = "html"
	ContentText     ContentType = "text"
	ContentMarkdown ContentType = "markdown"
	ContentJSON     ContentType = "json"
	ContentCSV      ContentType = "csv"
	ContentXML      ContentType = "xml"
	ContentImage    ContentType = "image"
	ContentBinary   ContentType = "binary"
)

// Chunking strategies for processingHints.chunking.
type Chunking string

const (
	ChunkParagraph Chunking = "paragraph"
	ChunkSemantic  Chunking = "semantic"
	ChunkFixed     Chunking = "fixed"
	ChunkNone      Chunking = "none"
)

// Deduplication strategies for processingHints.deduplication.
type Deduplication string

const (
	DedupExact Deduplication = "exact"
	DedupFuzzy Deduplication = "fuzzy"
	DedupNone  Deduplication = "none"
)

// Priority levels for processingHints.priority.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Visibility levels for permissions.visibility.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
	VisibilityPublic  Visibility = "public"
)

// ContentRef identifies where the envelope's bytes live: exactly one of
// Inline, RemoteURL, or Base64 should be set.
type ContentRef struct {
	Inline    []byte `json:"inline_bytes,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`
	Base64    string `json:"base64_string,omitempty"`
}

// SchemaField describes one field of structured data carried by an envelope.
type SchemaField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ProcessingHints steers how the brain ingests an envelope.
type ProcessingHints struct {
	ExtractTables    bool          `json:"extractTables,omitempty"`
	OCRLanguage      string        `json:"ocrLanguage,omitempty"`
	Chunking         Chunking      `json:"chunking,omitempty"`
	ChunkSize        int           `json:"chunkSize,omitempty"`
	ChunkOverlap     int           `json:"chunkOverlap,omitempty"`
	Deduplication    Deduplication `json:"deduplication,omitempty"`
	PrimaryKey       string        `json:"primaryKey,omitempty"`
	TimestampField   string        `json:"timestampField,omitempty"`
	Priority         Priority      `json:"priority,omitempty"`
	Async            bool          `json:"async,omitempty"`
}

// Relationships links an envelope to others already ingested.
type Relationships struct {
	Parent   string   `json:"parent,omitempty"`
	Related  []string `json:"related,omitempty"`
	Replaces string   `json:"replaces,omitempty"`
}

// Permissions carries ACL hints forwarded to the brain; it is advisory only,
// the runtime performs no authorization of its own (user/permission
// management is an explicit Non-goal).
type Permissions struct {
	Readers    []string   `json:"readers,omitempty"`
	Writers    []string   `json:"writers,omitempty"`
	Visibility Visibility `json:"visibility,omitempty"`
}

// Envelope is the canonical ingestion unit accepted by the Upload Gateway.
type Envelope struct {
	Content         ContentRef        `json:"content"`
	ContentType     ContentType       `json:"contentType"`
	Schema          []SchemaField     `json:"schema,omitempty"`
	Metadata        map[string]string `json:"metadata"`
	Tags            []string          `json:"tags,omitempty"`
	ProcessingHints ProcessingHints   `json:"processingHints,omitempty"`
	Relationships   *Relationships    `json:"relationships,omitempty"`
	Permissions     *Permissions      `json:"permissions,omitempty"`
}

// Metadata keys that every envelope is expected to carry (spec §3: "must
// include source identifier, external id").
const (
	MetaSourceKey        = "source"
	MetaExternalID       = "external_id"
	MetaSourceUpdatedAt  = "source_updated_at"
)

// SyncStrategy is how a Connector Definition moves data.
type SyncStrategy string

const (
	SyncPull   SyncStrategy = "pull"
	SyncPush   SyncStrategy = "push"
	SyncHybrid SyncStrategy = "hybrid"
)

// InstanceState is the lifecycle state of a Connector Instance.
type InstanceState string

const (
	InstanceInitialized InstanceState = "initialized"
	InstanceRunning     InstanceState = "running"
	InstancePaused      InstanceState = "paused"
	InstanceErrored     InstanceState = "errored"
	InstanceTerminated  InstanceState = "terminated"
)

// SyncParams parameterizes one pull invocation.
type SyncParams struct {
	Since    types.Null[types.Time]
	FullSync bool
	Params   map[string]any
	TraceID  string
}

// Checkpoint is the durable high-water mark for one (connector, sourceKey).
// The on-disk/DB encoding is the version-tagged JSON object of spec §6.4;
// see checkpoint.Encode/Decode.
type Checkpoint struct {
	ConnectorID      string    `json:"-"`
	SourceKey        string    `json:"-"`
	Cursor           string    `json:"cursor"`
	UpdatedAt        time.Time `json:"updatedAt"`
	RecordsProcessed int       `json:"recordsProcessed"`
}

// CredentialScheme is the closed set of auth schemes the Credential Provider
// understands.
type CredentialScheme string

const (
	SchemeBearer       CredentialScheme = "bearer"
	SchemeBasic        CredentialScheme = "basic"
	SchemeAPIKey       CredentialScheme = "api-key"
	SchemeCustomHeader CredentialScheme = "custom-header"
)

// Credential is a shared-reference view onto a lease held by the Credential
// Provider. Consumers only read it; the provider owns all mutation.
type Credential struct {
	Scheme       CredentialScheme
	Value        string
	ExpiresAt    types.Null[types.Time]
	RefreshToken string
}

// Expired reports whether the credential must not be used anymore.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt.Valid && !now.Before(c.ExpiresAt.V.Time)
}

// JobStatus is the Job state machine of spec §4.8: pending -> running ->
// {completed | failed | cancelled}. Transitions are one-way.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// JobStats tallies a Job's progress.
type JobStats struct {
	RecordsRead      int `json:"recordsRead"`
	RecordsUploaded  int `json:"recordsUploaded"`
	RecordsFailed    int `json:"recordsFailed"`
	Retries          int `json:"retries"`
}

// JobError is one bounded entry in a Job's error list.
type JobError struct {
	When      time.Time `json:"when"`
	Where     string    `json:"where"` // source key or "instance"
	Kind      string    `json:"kind"`  // errtax type name
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// MaxJobErrors bounds the per-Job error list (spec §3: "bounded list").
const MaxJobErrors = 200

// Job is one pull invocation's lifecycle record.
type Job struct {
	ID                  string                 `json:"id"`
	ConnectorInstanceID string                 `json:"connectorInstanceId"`
	StartedAt           time.Time              `json:"startedAt"`
	CompletedAt         types.Null[types.Time] `json:"completedAt,omitempty"`
	Status              JobStatus              `json:"status"`
	Stats               JobStats               `json:"stats"`
	Errors              []JobError             `json:"errors"`
}

// AppendError appends e to the job's bounded error list, dropping the
// oldest entry once the bound is reached so a pathological source can't
// grow the Job record without limit.
func (j *Job) AppendError(e JobError) {
	j.Errors = append(j.Errors, e)
	if len(j.Errors) > MaxJobErrors {
		j.Errors = j.Errors[len(j.Errors)-MaxJobErrors:]
	}
}
