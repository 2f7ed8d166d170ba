package transform_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/connectgate/internal/model"
	"github.com/rakunlabs/connectgate/internal/transform"
)

func TestTransform_HappyPath(t *testing.T) {
	tr := transform.New(transform.Config{
		SourceKey:       "tickets",
		PrimaryKeyField: "id",
		TimestampField:  "updated_at",
		ContentField:    "body",
		ContentType:     model.ContentText,
		Deduplication:   model.DedupExact,
	})

	envs, err := tr.Transform(transform.Record{
		"id":         "42",
		"updated_at": "2026-01-15T10:00:00Z",
		"body":       "hello world",
	})
	require.NoError(t, err)
	require.Len(t, envs, 1)

	env := envs[0]
	assert.Equal(t, "42", env.Metadata[model.MetaExternalID])
	assert.Equal(t, "tickets", env.Metadata[model.MetaSourceKey])
	assert.Equal(t, "2026-01-15T10:00:00Z", env.Metadata[model.MetaSourceUpdatedAt])
	assert.Equal(t, []byte("hello world"), env.Content.Inline)
}

func TestTransform_MissingPrimaryKeyIsDrift(t *testing.T) {
	tr := transform.New(transform.Config{PrimaryKeyField: "id"})

	_, err := tr.Transform(transform.Record{"name": "no id here"})
	require.Error(t, err)

	var drift *transform.DriftError
	require.ErrorAs(t, err, &drift)
}

func TestTransform_ExplicitMappingOverridesHeuristic(t *testing.T) {
	tr := transform.New(transform.Config{
		PrimaryKeyField: "id",
		ExplicitMappings: []transform.FieldMapping{
			{SourceField: "legacy_id", MetadataKey: model.MetaExternalID},
		},
	})

	envs, err := tr.Transform(transform.Record{"id": "1", "legacy_id": "legacy-1"})
	require.NoError(t, err)
	assert.Equal(t, "legacy-1", envs[0].Metadata[model.MetaExternalID])
}
