package credential

import (
	"context"

	"github.com/rakunlabs/connectgate/internal/model"
)

// StaticRefresher serves a fixed credential that never expires: bearer
// tokens, basic auth, api keys, and custom headers all share this shape —
// only Scheme and Value differ. For basic, Value is sent verbatim after
// "Basic ", so it holds the already base64-encoded "user:pass".
type StaticRefresher struct {
	Scheme model.CredentialScheme
	Value  string
	Header string // only meaningful when Scheme == SchemeCustomHeader
}

// Refresh always returns the configured static credential; previous is
// ignored since a static secret has nothing to rotate.
func (s StaticRefresher) Refresh(_ context.Context, _ *model.Credential) (model.Credential, error) {
	return model.Credential{
		Scheme: s.Scheme,
		Value:  s.Value,
	}, nil
}

// HeaderName reports the header a custom-header scheme should be sent
// under, defaulting to X-Api-Key when unset.
func (s StaticRefresher) HeaderName() string {
	if s.Header != "" {
		return s.Header
	}
	return "X-Api-Key"
}
