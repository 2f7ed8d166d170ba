package credential

import (
	"context"
	"time"

	"github.com/rakunlabs/connectgate/internal/model"
)

// Record is the durable, at-rest representation of one connector instance's
// credential configuration. Scheme-specific secret material (ClientSecret,
// StaticValue, RefreshToken) is encrypted at rest by the Store
// implementation; everything else is stored in the clear.
type Record struct {
	InstanceID string
	Scheme     model.CredentialScheme

	// Static/api-key/custom-header schemes.
	StaticValue string
	HeaderName  string

	// OAuth2 schemes.
	ClientID     string
	ClientSecret string
	TokenURL     string
	RefreshToken string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists credential Records for connector instances. Secret fields
// are encrypted at rest; Store implementations never return plaintext
// secrets to a caller that doesn't hold the matching key (the provider
// process itself).
type Store interface {
	Get(ctx context.Context, instanceID string) (*Record, error)
	Put(ctx context.Context, r Record) error
	Delete(ctx context.Context, instanceID string) error
	List(ctx context.Context) ([]Record, error)
	Close()
}

// KeyRotator is implemented by Store backends that persist encrypted
// secret material (sqlite3, postgres; not memory) and can therefore
// re-encrypt it under a new key. Checked with a type assertion, the same
// optional-capability pattern the teacher's service.KeyRotator uses.
type KeyRotator interface {
	RotateEncryptionKey(ctx context.Context, newKey []byte) error
}
