package external

import (
	"context"
	"fmt"

	"github.com/danvoulez/ledger/pkg/identity"
	"github.com/danvoulez/ledger/pkg/ids"
)

// JWTIdentityProvider adapts the teacher's pkg/identity.TokenManager (JWT
// verification via github.com/golang-jwt/jwt/v5, with KeySet-based key
// rotation) into the IdentityProvider collaborator contract spec §6
// declares: a bearer credential in, {entity_id, realm_id, scopes} out.
type JWTIdentityProvider struct {
	tokens *identity.TokenManager
}

// NewJWTIdentityProvider wraps an existing TokenManager. Callers build the
// TokenManager themselves (e.g. over identity.NewInMemoryKeySet or a
// production KeySet) so key management stays identity's concern.
func NewJWTIdentityProvider(tokens *identity.TokenManager) *JWTIdentityProvider {
	return &JWTIdentityProvider{tokens: tokens}
}

func (p *JWTIdentityProvider) Authenticate(ctx context.Context, bearerCredential string) (IdentityResult, error) {
	claims, err := p.tokens.ValidateToken(bearerCredential)
	if err != nil {
		return IdentityResult{}, fmt.Errorf("external: validate bearer credential: %w", err)
	}
	return IdentityResult{
		EntityID: ids.ID(claims.Subject),
		RealmID:  ids.ID(claims.TenantID),
		Scopes:   claims.Scopes,
	}, nil
}
