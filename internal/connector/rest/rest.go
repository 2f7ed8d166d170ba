// Package rest is a reference Connector Definition handler (spec §9
// supplement): a paginated REST pull connector exercising all three
// pagination variants transport.Strategy supports (offset+limit, opaque
// cursor, Link-header rel=next), driven through transport.Paginator one
// page per Pull call so the runtime's per-page checkpointing and
// cancellation semantics apply unchanged.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/worldline-go/types"

	"github.com/rakunlabs/connectgate/internal/errtax"
	"github.com/rakunlabs/connectgate/internal/model"
	"github.com/rakunlabs/connectgate/internal/transform"
	"github.com/rakunlabs/connectgate/internal/transport"
)

// Variant selects which of transport's Strategy implementations a source
// paginates with.
type Variant string

const (
	VariantOffset Variant = "offset"
	VariantCursor Variant = "cursor"
	VariantLink   Variant = "link"
)

// SourceConfig describes one paginated endpoint within a connector
// instance (spec §6.5 "sources[]": url, pagination variant, primaryKey,
// timestampField).
type SourceConfig struct {
	Key     string
	URL     string
	Variant Variant

	// ItemsField names the JSON body field holding the page's record
	// array; empty means the body itself is a top-level array.
	ItemsField string

	// Offset variant.
	Limit int

	// Cursor variant: the body field carrying the opaque next-page token,
	// and (optionally) a bool field signalling no more pages remain.
	CursorField  string
	HasMoreField string

	SinceParam string // query param name carrying SyncParams.Since; default "updated_since"

	Transform transform.Config
}

// Connector is a running instance of the rest Definition: one Transport
// shared across all its sources, each with its own SourceConfig and
// Transformer.
type Connector struct {
	instanceID   string
	t            *transport.Transport
	sources      map[string]SourceConfig
	transformers map[string]*transform.Transformer
	order        []string
}

// New builds a Connector for instanceID against the given sources, each
// paired with the Transport that authenticates and executes its requests.
func New(instanceID string, t *transport.Transport, sources []SourceConfig) *Connector {
	c := &Connector{
		instanceID:   instanceID,
		t:            t,
		sources:      make(map[string]SourceConfig, len(sources)),
		transformers: make(map[string]*transform.Transformer, len(sources)),
	}
	for _, src := range sources {
		c.sources[src.Key] = src
		c.transformers[src.Key] = transform.New(src.Transform)
		c.order = append(c.order, src.Key)
	}
	return c
}

func (c *Connector) InstanceID() string { return c.instanceID }

func (c *Connector) Sources() []string { return c.order }

func (c *Connector) Transformer(sourceKey string) *transform.Transformer {
	return c.transformers[sourceKey]
}

// Pull fetches exactly one page of sourceKey, starting from the resume
// cursor the runtime carries in params.Params["cursor"] (set by the
// previous call's returned nextCursor) or from params.Since on first run.
func (c *Connector) Pull(ctx context.Context, sourceKey string, params model.SyncParams) ([]transform.Record, string, bool, error) {
	src, ok := c.sources[sourceKey]
	if !ok {
		return nil, "", false, &errtax.ValidationError{Op: "rest.Pull", Message: fmt.Sprintf("unknown source %q", sourceKey)}
	}

	resumeCursor, _ := params.Params["cursor"].(string)

	firstReq, err := buildRequest(src, params.Since, resumeCursor)
	if err != nil {
		return nil, "", false, err
	}

	strategy := buildStrategy(src)

	p := transport.NewPaginator(c.t, firstReq, strategy)
	resp, _, err := p.Next(ctx)
	if err != nil {
		return nil, "", false, err
	}

	records, err := decodeRecords(resp, src.ItemsField)
	if err != nil {
		return nil, "", false, err
	}

	nextReq, hasMore := p.Pending()
	nextCursor := ""
	if hasMore {
		nextCursor = encodeCursor(src.Variant, src, nextReq)
	}

	return records, nextCursor, hasMore, nil
}

func buildRequest(src SourceConfig, since types.Null[types.Time], resumeCursor string) (transport.Request, error) {
	u, err := url.Parse(src.URL)
	if err != nil {
		return transport.Request{}, &errtax.ValidationError{Op: "rest.buildRequest", Message: err.Error()}
	}
	q := u.Query()

	if since.Valid {
		param := src.SinceParam
		if param == "" {
			param = "updated_since"
		}
		q.Set(param, since.V.Time.UTC().Format(time.RFC3339))
	}

	switch src.Variant {
	case VariantOffset:
		if resumeCursor != "" {
			q.Set(offsetParam(src), resumeCursor)
		}
		q.Set(limitParam(src), strconv.Itoa(src.Limit))
	case VariantCursor:
		if resumeCursor != "" {
			q.Set(cursorParam(src), resumeCursor)
		}
	case VariantLink:
		if resumeCursor != "" {
			// The resume cursor for the link variant is the full next-page
			// URL the server handed back; it replaces the base URL outright.
			u2, err := url.Parse(resumeCursor)
			if err != nil {
				return transport.Request{}, &errtax.ValidationError{Op: "rest.buildRequest", Message: err.Error()}
			}
			return transport.Request{Method: "GET", URL: u2.String()}, nil
		}
	}

	u.RawQuery = q.Encode()
	return transport.Request{Method: "GET", URL: u.String()}, nil
}

func buildStrategy(src SourceConfig) transport.Strategy {
	switch src.Variant {
	case VariantOffset:
		return &transport.OffsetStrategy{
			OffsetParam: offsetParam(src),
			LimitParam:  limitParam(src),
			Limit:       src.Limit,
			ItemCount: func(resp *transport.Response) (int, error) {
				records, err := decodeRecords(resp, src.ItemsField)
				return len(records), err
			},
		}
	case VariantCursor:
		return &transport.CursorStrategy{
			CursorParam: cursorParam(src),
			ExtractCursor: func(resp *transport.Response) (string, bool, error) {
				return extractCursor(resp, src)
			},
		}
	default:
		return transport.LinkHeaderStrategy{}
	}
}

func offsetParam(src SourceConfig) string { return "offset" }
func limitParam(src SourceConfig) string  { return "limit" }
func cursorParam(src SourceConfig) string {
	if src.CursorField != "" {
		return src.CursorField
	}
	return "cursor"
}

// encodeCursor turns the request Paginator would issue next into the
// opaque string the runtime persists as the Checkpoint cursor.
func encodeCursor(variant Variant, src SourceConfig, next transport.Request) string {
	switch variant {
	case VariantLink:
		return next.URL
	default:
		u, err := url.Parse(next.URL)
		if err != nil {
			return ""
		}
		q := u.Query()
		if variant == VariantOffset {
			return q.Get(offsetParam(src))
		}
		return q.Get(cursorParam(src))
	}
}

func decodeRecords(resp *transport.Response, itemsField string) ([]transform.Record, error) {
	if itemsField == "" {
		var records []transform.Record
		if err := json.Unmarshal(resp.Body, &records); err != nil {
			return nil, &errtax.ServerError{Op: "rest.decodeRecords", StatusCode: resp.StatusCode, Body: "malformed page body"}
		}
		return records, nil
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, &errtax.ServerError{Op: "rest.decodeRecords", StatusCode: resp.StatusCode, Body: "malformed page body"}
	}
	raw, ok := body[itemsField]
	if !ok {
		return nil, nil
	}
	var records []transform.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, &errtax.ServerError{Op: "rest.decodeRecords", StatusCode: resp.StatusCode, Body: "malformed items field"}
	}
	return records, nil
}

func extractCursor(resp *transport.Response, src SourceConfig) (string, bool, error) {
	var body map[string]any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", false, &errtax.ServerError{Op: "rest.extractCursor", StatusCode: resp.StatusCode, Body: "malformed page body"}
	}

	cursorField := src.CursorField
	if cursorField == "" {
		cursorField = "next_cursor"
	}
	cursor, _ := body[cursorField].(string)

	if src.HasMoreField != "" {
		hasMore, _ := body[src.HasMoreField].(bool)
		return cursor, hasMore && cursor != "", nil
	}

	return cursor, cursor != "", nil
}
