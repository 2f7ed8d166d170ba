// Package filedrop is a reference Connector Definition handler (spec §9
// supplement): a push-oriented flat-file-drop source. It polls a local
// directory, checksums each file it hasn't seen before, and pushes it
// through the Upload Gateway with ProcessingHints.Deduplication = exact
// set, exercising the push sync strategy end-to-end (spec §3 "Pull /
// Push / Hybrid").
package filedrop

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rakunlabs/connectgate/internal/errtax"
	"github.com/rakunlabs/connectgate/internal/model"
	"github.com/rakunlabs/connectgate/internal/transform"
	"github.com/rakunlabs/connectgate/internal/upload"
	"github.com/rakunlabs/logi"
)

// DefaultPollInterval is how often Watch re-scans a source's directory
// when a connector instance doesn't override it.
const DefaultPollInterval = 30 * time.Second

// SourceConfig describes one watched directory within a connector instance.
type SourceConfig struct {
	Key          string
	Directory    string
	ContentType  model.ContentType
	PollInterval time.Duration
	Transform    transform.Config
}

// Connector is a running push-strategy instance: one Upload Gateway
// client shared across all its watched directories, each with its own
// SourceConfig, Transformer, and seen-checksum set.
type Connector struct {
	instanceID   string
	uploader     *upload.Client
	sources      map[string]SourceConfig
	transformers map[string]*transform.Transformer
	order        []string

	mu   sync.Mutex
	seen map[string]map[string]struct{} // sourceKey -> set of content checksums already pushed
}

func New(instanceID string, uploader *upload.Client, sources []SourceConfig) *Connector {
	c := &Connector{
		instanceID:   instanceID,
		uploader:     uploader,
		sources:      make(map[string]SourceConfig, len(sources)),
		transformers: make(map[string]*transform.Transformer, len(sources)),
		seen:         make(map[string]map[string]struct{}, len(sources)),
	}
	for _, src := range sources {
		c.sources[src.Key] = src
		c.transformers[src.Key] = transform.New(src.Transform)
		c.seen[src.Key] = make(map[string]struct{})
		c.order = append(c.order, src.Key)
	}
	return c
}

func (c *Connector) InstanceID() string { return c.instanceID }

func (c *Connector) Sources() []string { return c.order }

func (c *Connector) Transformer(sourceKey string) *transform.Transformer {
	return c.transformers[sourceKey]
}

// Teardown releases a source's seen-checksum set; the connector instance
// no longer tracks which files it has already pushed for sourceKey.
func (c *Connector) Teardown(sourceKey string) error {
	c.mu.Lock()
	delete(c.seen, sourceKey)
	c.mu.Unlock()
	return nil
}

// Push uploads records already read from sourceKey's directory (the
// externally-invoked path: a trigger handed records in directly, e.g.
// from a webhook carrying file contents rather than a local path).
func (c *Connector) Push(ctx context.Context, sourceKey string, records []transform.Record) error {
	transformer := c.transformers[sourceKey]
	if transformer == nil {
		return &errtax.ValidationError{Op: "filedrop.Push", Message: fmt.Sprintf("unknown source %q", sourceKey)}
	}

	envelopes := make([]model.Envelope, 0, len(records))
	for _, rec := range records {
		envs, err := transformer.Transform(rec)
		if err != nil {
			logi.Ctx(ctx).Warn("filedrop: dropping record", "instance_id", c.instanceID, "source", sourceKey, "error", err)
			continue
		}
		envelopes = append(envelopes, envs...)
	}

	if len(envelopes) == 0 {
		return nil
	}

	_, err := c.uploader.UploadBatch(ctx, c.instanceID, envelopes, upload.BatchBestEffort)
	return err
}

// Watch polls sourceKey's directory until ctx is done, pushing every
// file it hasn't already seen. It runs forever (or until cancellation),
// so callers typically start it in its own goroutine per source.
func (c *Connector) Watch(ctx context.Context, sourceKey string) error {
	src, ok := c.sources[sourceKey]
	if !ok {
		return &errtax.ValidationError{Op: "filedrop.Watch", Message: fmt.Sprintf("unknown source %q", sourceKey)}
	}

	interval := src.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := c.scanOnce(ctx, src); err != nil {
			logi.Ctx(ctx).Error("filedrop: scan failed", "instance_id", c.instanceID, "source", sourceKey, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Connector) scanOnce(ctx context.Context, src SourceConfig) error {
	entries, err := os.ReadDir(src.Directory)
	if err != nil {
		return fmt.Errorf("filedrop: read directory %q: %w", src.Directory, err)
	}

	var records []transform.Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(src.Directory, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			logi.Ctx(ctx).Warn("filedrop: skipping unreadable file", "path", path, "error", err)
			continue
		}

		sum := checksum(content)
		if c.markSeen(src.Key, sum) {
			continue // already pushed this exact content before
		}

		info, err := entry.Info()
		modTime := time.Now().UTC()
		if err == nil {
			modTime = info.ModTime().UTC()
		}

		records = append(records, transform.Record{
			src.Transform.PrimaryKeyField: path,
			src.Transform.TimestampField:  modTime,
			src.Transform.ContentField:    content,
			"checksum":                    sum,
		})
	}

	if len(records) == 0 {
		return nil
	}

	return c.Push(ctx, src.Key, records)
}

// markSeen records sum as pushed for sourceKey and reports whether it
// was already present (i.e. this call is a no-op duplicate).
func (c *Connector) markSeen(sourceKey, sum string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.seen[sourceKey]
	if set == nil {
		set = make(map[string]struct{})
		c.seen[sourceKey] = set
	}
	_, already := set[sum]
	set[sum] = struct{}{}
	return already
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
