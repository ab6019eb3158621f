package integration

import (
	"fmt"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/auth"
	"github.com/danvoulez/ledger/pkg/ids"
)

// ResolvedIdentity is the shape spec §6's "Identity/authentication
// provider" external interface returns for a bearer credential:
// `{entity_id, realm_id, scopes}`, translated here into the core's own
// ActorReference plus the realm and scopes the caller presented.
type ResolvedIdentity struct {
	Actor   actor.Reference
	RealmID ids.ID
	Scopes  []string
}

// ActorFromBearerToken adapts pkg/auth.JWTValidator (the teacher's own
// JWT verification, unchanged) into spec §6's identity provider contract:
// it validates the bearer token and maps its claims onto an
// actor.Party(entity_id) plus the tenant-scoped realm id and role scopes
// carried on the token. The core never sees a raw token, only the
// ActorReference this produces.
func ActorFromBearerToken(validator *auth.JWTValidator, tokenStr string) (ResolvedIdentity, error) {
	claims, err := validator.Validate(tokenStr)
	if err != nil {
		return ResolvedIdentity{}, fmt.Errorf("integration: bearer token rejected: %w", err)
	}
	if claims.Subject == "" {
		return ResolvedIdentity{}, fmt.Errorf("integration: bearer token missing subject")
	}

	return ResolvedIdentity{
		Actor:   actor.Party(ids.ID(claims.Subject)),
		RealmID: ids.ID(claims.TenantID),
		Scopes:  claims.Roles,
	}, nil
}
