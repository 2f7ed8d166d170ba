package rest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/connectgate/internal/transport"
)

func TestEncodeCursor_Offset(t *testing.T) {
	src := SourceConfig{Variant: VariantOffset, Limit: 50}
	next := transport.Request{URL: "https://example.com/items?limit=50&offset=150"}
	require.Equal(t, "150", encodeCursor(VariantOffset, src, next))
}

func TestEncodeCursor_Cursor(t *testing.T) {
	src := SourceConfig{Variant: VariantCursor, CursorField: "cursor"}
	next := transport.Request{URL: "https://example.com/items?cursor=abc123"}
	require.Equal(t, "abc123", encodeCursor(VariantCursor, src, next))
}

func TestEncodeCursor_Link(t *testing.T) {
	src := SourceConfig{Variant: VariantLink}
	next := transport.Request{URL: "https://example.com/items?page=2"}
	require.Equal(t, "https://example.com/items?page=2", encodeCursor(VariantLink, src, next))
}

func TestBuildRequest_OffsetResume(t *testing.T) {
	src := SourceConfig{Variant: VariantOffset, URL: "https://example.com/items", Limit: 25}
	req, err := buildRequest(src, types.Null[types.Time]{}, "75")
	require.NoError(t, err)
	require.Contains(t, req.URL, "offset=75")
	require.Contains(t, req.URL, "limit=25")
}

func TestDecodeRecords_TopLevelArray(t *testing.T) {
	resp := &transport.Response{Body: []byte(`[{"id":1},{"id":2}]`)}
	records, err := decodeRecords(resp, "")
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestDecodeRecords_NestedField(t *testing.T) {
	resp := &transport.Response{Body: []byte(`{"items":[{"id":1}],"next_cursor":"x"}`)}
	records, err := decodeRecords(resp, "items")
	require.NoError(t, err)
	require.Len(t, records, 1)
}
