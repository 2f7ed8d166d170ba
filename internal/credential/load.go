package credential

import (
	"context"
	"fmt"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/rakunlabs/connectgate/internal/model"
)

// RefresherFromRecord builds the Refresher that corresponds to a persisted
// Record's scheme. A bearer Record with both TokenURL and ClientID uses the
// client-credentials grant; any other bearer Record becomes a static bearer
// token of StaticValue. OAuth2AuthorizationCode is never built here, and a
// persisted RefreshToken is not used.
func RefresherFromRecord(r Record) (Refresher, error) {
	switch r.Scheme {
	case model.SchemeBearer:
		if r.TokenURL != "" && r.ClientID != "" {
			return OAuth2ClientCredentials{Config: clientcredentials.Config{
				ClientID:     r.ClientID,
				ClientSecret: r.ClientSecret,
				TokenURL:     r.TokenURL,
			}}, nil
		}
		return StaticRefresher{Scheme: model.SchemeBearer, Value: r.StaticValue}, nil
	case model.SchemeBasic:
		return StaticRefresher{Scheme: model.SchemeBasic, Value: r.StaticValue}, nil
	case model.SchemeAPIKey:
		return StaticRefresher{Scheme: model.SchemeAPIKey, Value: r.StaticValue}, nil
	case model.SchemeCustomHeader:
		return StaticRefresher{Scheme: model.SchemeCustomHeader, Value: r.StaticValue, Header: r.HeaderName}, nil
	default:
		return nil, fmt.Errorf("unsupported credential scheme %q", r.Scheme)
	}
}

// LoadAll registers a Refresher on p for every Record held in store. Called
// once at startup and again whenever the control plane updates a connector
// instance's credentials.
func LoadAll(ctx context.Context, p *Provider, store Store) error {
	records, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list credential records: %w", err)
	}

	for _, r := range records {
		refresher, err := RefresherFromRecord(r)
		if err != nil {
			return fmt.Errorf("instance %q: %w", r.InstanceID, err)
		}
		p.Register(r.InstanceID, refresher)
	}

	return nil
}
