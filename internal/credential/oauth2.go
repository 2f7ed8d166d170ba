package credential

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/worldline-go/types"

	"github.com/rakunlabs/connectgate/internal/errtax"
	"github.com/rakunlabs/connectgate/internal/model"
)

// OAuth2ClientCredentials refreshes bearer tokens via the OAuth2
// client-credentials grant. Grounded on the teacher's CopilotTokenSource:
// one cached token, refreshed on demand, with no separate background timer.
type OAuth2ClientCredentials struct {
	Config clientcredentials.Config
}

func (o OAuth2ClientCredentials) Refresh(ctx context.Context, _ *model.Credential) (model.Credential, error) {
	tok, err := o.Config.Token(ctx)
	if err != nil {
		return model.Credential{}, &errtax.AuthError{Op: "credential.oauth2.clientCredentials", Message: err.Error()}
	}
	return tokenToCredential(tok), nil
}

// OAuth2AuthorizationCode refreshes bearer tokens via a previously obtained
// refresh token (the authorization-code dance itself happens out of band,
// e.g. through the control-plane admin API).
type OAuth2AuthorizationCode struct {
	Config *oauth2.Config
}

func (o OAuth2AuthorizationCode) Refresh(ctx context.Context, previous *model.Credential) (model.Credential, error) {
	if previous == nil || previous.RefreshToken == "" {
		return model.Credential{}, &errtax.AuthError{Op: "credential.oauth2.authorizationCode", Message: "no refresh token on file; re-authorization required"}
	}
	src := o.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: previous.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return model.Credential{}, &errtax.AuthError{Op: "credential.oauth2.authorizationCode", Message: err.Error()}
	}
	return tokenToCredential(tok), nil
}

func tokenToCredential(tok *oauth2.Token) model.Credential {
	c := model.Credential{
		Scheme: model.SchemeBearer,
		Value:  tok.AccessToken,
	}
	if !tok.Expiry.IsZero() {
		c.ExpiresAt = types.NewTimeNull(tok.Expiry)
	}
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	return c
}

// AuthHeader renders a Credential as the HTTP header value the Transport
// should send, per spec §4.1's scheme table.
func AuthHeader(c model.Credential, customHeaderName string) (name, value string) {
	switch c.Scheme {
	case model.SchemeBearer:
		return "Authorization", "Bearer " + c.Value
	case model.SchemeBasic:
		return "Authorization", "Basic " + c.Value
	case model.SchemeAPIKey:
		return "X-Api-Key", c.Value
	case model.SchemeCustomHeader:
		if customHeaderName == "" {
			customHeaderName = "X-Api-Key"
		}
		return customHeaderName, c.Value
	default:
		return "", ""
	}
}
