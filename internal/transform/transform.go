// Package transform implements the Transformer of spec §4.5: a pure
// mapping from a raw source record to zero or more upload Envelopes. It
// performs no I/O — callers own fetching records and uploading envelopes —
// so it can be unit tested without a network or database.
package transform

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rakunlabs/connectgate/internal/model"
)

// Record is one raw row/document read from a connector source, keyed by
// the field names the source API or file format uses.
type Record map[string]any

// FieldMapping is an explicit source-field -> envelope-metadata-key
// mapping. Explicit mappings always win over the heuristic defaults
// (primary key -> metadata.external_id, timestamp field -> metadata.
// source_updated_at) when both target the same metadata key.
type FieldMapping struct {
	SourceField string
	MetadataKey string
}

// Config describes how one connector source maps its records to envelopes.
type Config struct {
	SourceKey       string // value written to metadata[MetaSourceKey]
	PrimaryKeyField string // required; missing value is a schema-drift error
	TimestampField  string // optional; drives metadata[MetaSourceUpdatedAt]
	ContentField    string // optional; field holding the envelope body

	ContentType model.ContentType
	Deduplication model.Deduplication
	Tags          []string

	ExplicitMappings []FieldMapping
}

// Transformer maps Records to Envelopes for one connector source.
type Transformer struct {
	cfg Config
}

func New(cfg Config) *Transformer {
	return &Transformer{cfg: cfg}
}

// DriftError marks a record that could not be mapped because it violated
// the source's declared schema (e.g. a missing primary key). Per spec §4.5
// this belongs in the Job's bounded error bucket, not a batch failure —
// the caller should catch this type and continue with the next record.
type DriftError struct {
	Reason string
}

func (e *DriftError) Error() string { return "schema drift: " + e.Reason }

// Transform maps one Record to zero or more Envelopes. It currently
// always returns exactly zero (on DriftError) or one envelope; the
// zero-or-more contract is kept open for connectors whose records fan out
// into multiple envelopes (e.g. a parent row with inline attachments).
func (t *Transformer) Transform(rec Record) ([]model.Envelope, error) {
	pk, ok := rec[t.cfg.PrimaryKeyField]
	if !ok || pk == nil || fmt.Sprint(pk) == "" {
		return nil, &DriftError{Reason: fmt.Sprintf("missing declared primary key field %q", t.cfg.PrimaryKeyField)}
	}
	externalID := fmt.Sprint(pk)

	metadata := map[string]string{
		model.MetaSourceKey:  t.cfg.SourceKey,
		model.MetaExternalID: externalID,
	}

	if t.cfg.TimestampField != "" {
		if ts, ok := rec[t.cfg.TimestampField]; ok {
			if formatted, ok := formatTimestamp(ts); ok {
				metadata[model.MetaSourceUpdatedAt] = formatted
			}
		}
	}

	// Explicit mappings are applied last so they override any heuristic
	// default that landed on the same metadata key.
	for _, m := range t.cfg.ExplicitMappings {
		if v, ok := rec[m.SourceField]; ok {
			metadata[m.MetadataKey] = fmt.Sprint(v)
		}
	}

	content, err := t.buildContent(rec)
	if err != nil {
		return nil, err
	}

	env := model.Envelope{
		Content:     content,
		ContentType: t.cfg.ContentType,
		Metadata:    metadata,
		Tags:        t.cfg.Tags,
		ProcessingHints: model.ProcessingHints{
			Deduplication:  t.cfg.Deduplication,
			PrimaryKey:     t.cfg.PrimaryKeyField,
			TimestampField: t.cfg.TimestampField,
		},
	}

	return []model.Envelope{env}, nil
}

func (t *Transformer) buildContent(rec Record) (model.ContentRef, error) {
	if t.cfg.ContentField != "" {
		if v, ok := rec[t.cfg.ContentField]; ok {
			switch val := v.(type) {
			case string:
				return model.ContentRef{Inline: []byte(val)}, nil
			case []byte:
				return model.ContentRef{Inline: val}, nil
			default:
				b, err := json.Marshal(val)
				if err != nil {
					return model.ContentRef{}, fmt.Errorf("marshal content field %q: %w", t.cfg.ContentField, err)
				}
				return model.ContentRef{Inline: b}, nil
			}
		}
	}

	// No declared content field: the whole record becomes the envelope body.
	b, err := json.Marshal(rec)
	if err != nil {
		return model.ContentRef{}, fmt.Errorf("marshal record as content: %w", err)
	}
	return model.ContentRef{Inline: b}, nil
}

// formatTimestamp normalizes a handful of common wire representations
// (time.Time, RFC3339 string, unix seconds) to an ISO-8601 UTC string.
func formatTimestamp(v any) (string, bool) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339), true
	case string:
		if parsed, err := time.Parse(time.RFC3339, val); err == nil {
			return parsed.UTC().Format(time.RFC3339), true
		}
		return "", false
	case float64:
		return time.Unix(int64(val), 0).UTC().Format(time.RFC3339), true
	case int64:
		return time.Unix(val, 0).UTC().Format(time.RFC3339), true
	default:
		return "", false
	}
}
