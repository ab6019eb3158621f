// Package scope implements the containment boundary tagged union used by
// roles and the authorization engine (spec §3 Role.scope, §4.11 "Scope
// containment rules").
package scope

import (
	"fmt"

	"github.com/danvoulez/ledger/pkg/ids"
)

// Kind discriminates the scope tagged union.
type Kind string

const (
	KindGlobal    Kind = "global"
	KindRealm     Kind = "realm"
	KindEntity    Kind = "entity"
	KindAgreement Kind = "agreement"
	KindAsset     Kind = "asset"
)

// Scope is the containment boundary restricting where a role applies.
type Scope struct {
	Kind Kind   `json:"kind"`
	ID   ids.ID `json:"id,omitempty"` // empty for Global
}

func Global() Scope                     { return Scope{Kind: KindGlobal} }
func Realm(id ids.ID) Scope             { return Scope{Kind: KindRealm, ID: id} }
func Entity(id ids.ID) Scope            { return Scope{Kind: KindEntity, ID: id} }
func Agreement(id ids.ID) Scope         { return Scope{Kind: KindAgreement, ID: id} }
func Asset(id ids.ID) Scope             { return Scope{Kind: KindAsset, ID: id} }

func (s Scope) String() string {
	if s.Kind == KindGlobal {
		return "global"
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.ID)
}

// Resource identifies the thing a permission or scope check is evaluated
// against: its own scope plus the realm it belongs to (entities, assets and
// agreements always belong to exactly one realm).
type Resource struct {
	Scope   Scope
	RealmID ids.ID
}

// Contains implements spec §4.11's containment table:
//
//	Global contains every scope.
//	Realm(r) contains Realm(r), Entity/Agreement/Asset in r.
//	Entity(e), Agreement(a), Asset(a) contain only themselves.
func (s Scope) Contains(r Resource) bool {
	switch s.Kind {
	case KindGlobal:
		return true
	case KindRealm:
		if r.Scope.Kind == KindRealm {
			return r.Scope.ID == s.ID
		}
		return r.RealmID == s.ID
	case KindEntity, KindAgreement, KindAsset:
		return r.Scope.Kind == s.Kind && r.Scope.ID == s.ID
	default:
		return false
	}
}
