package credential

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/connectgate/internal/model"
)

func TestStaticRefresherRefresh(t *testing.T) {
	s := StaticRefresher{Scheme: model.SchemeAPIKey, Value: "secret-123"}
	cred, err := s.Refresh(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, model.SchemeAPIKey, cred.Scheme)
	assert.Equal(t, "secret-123", cred.Value)
	assert.False(t, cred.ExpiresAt.Valid)
}

func TestStaticRefresherHeaderNameDefault(t *testing.T) {
	s := StaticRefresher{Scheme: model.SchemeCustomHeader, Value: "v"}
	assert.Equal(t, "X-Api-Key", s.HeaderName())
}

func TestStaticRefresherHeaderNameOverride(t *testing.T) {
	s := StaticRefresher{Scheme: model.SchemeCustomHeader, Value: "v", Header: "X-Custom-Token"}
	assert.Equal(t, "X-Custom-Token", s.HeaderName())
}

func TestAuthHeaderSchemes(t *testing.T) {
	cases := []struct {
		name       string
		cred       model.Credential
		headerName string
		wantName   string
		wantValue  string
	}{
		{"bearer", model.Credential{Scheme: model.SchemeBearer, Value: "tok"}, "", "Authorization", "Bearer tok"},
		{"basic", model.Credential{Scheme: model.SchemeBasic, Value: "b64"}, "", "Authorization", "Basic b64"},
		{"api-key", model.Credential{Scheme: model.SchemeAPIKey, Value: "k"}, "", "X-Api-Key", "k"},
		{"custom-header default", model.Credential{Scheme: model.SchemeCustomHeader, Value: "v"}, "", "X-Api-Key", "v"},
		{"custom-header override", model.Credential{Scheme: model.SchemeCustomHeader, Value: "v"}, "X-My-Header", "X-My-Header", "v"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			name, value := AuthHeader(tc.cred, tc.headerName)
			assert.Equal(t, tc.wantName, name)
			assert.Equal(t, tc.wantValue, value)
		})
	}
}

func TestRefresherFromRecordBearerStatic(t *testing.T) {
	r, err := RefresherFromRecord(Record{Scheme: model.SchemeBearer, StaticValue: "tok"})
	require.NoError(t, err)

	cred, err := r.Refresh(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "tok", cred.Value)
}

func TestRefresherFromRecordBearerOAuth2(t *testing.T) {
	r, err := RefresherFromRecord(Record{
		Scheme:       model.SchemeBearer,
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     "https://example.com/token",
	})
	require.NoError(t, err)

	_, ok := r.(OAuth2ClientCredentials)
	assert.True(t, ok)
}

func TestRefresherFromRecordUnsupportedScheme(t *testing.T) {
	_, err := RefresherFromRecord(Record{Scheme: "unknown"})
	assert.Error(t, err)
}
