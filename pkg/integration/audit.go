package integration

import (
	"context"
	"fmt"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/authz"
	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/ids"
)

// EventStoreAuditSink implements pkg/authz.AuditSink by appending the
// decision as its own event rather than writing to a side-channel log —
// spec §7 "the audit trail is the event stream itself." Each audit entry
// is its own one-event aggregate (aggregate_id freshly minted, version 1),
// so concurrent decisions never contend on a shared aggregate version the
// way a single growing "audit log" aggregate would.
func NewEventStoreAuditSink(store eventstore.Store) authz.AuditSink {
	return func(ctx context.Context, entry authz.AuditEntry) error {
		granted := make([]any, len(entry.GrantedBy))
		for i, g := range entry.GrantedBy {
			granted[i] = map[string]any{
				"role_id":      string(g.RoleID),
				"role_type":    g.RoleType,
				"agreement_id": string(g.AgreementID),
				"action":       g.Permission.Action,
				"resource":     g.Permission.Resource,
			}
		}

		_, err := store.Append(ctx, event.Input{
			Type:             "AuthorizationDecided",
			AggregateType:    "AuditEntry",
			AggregateID:      ids.New(),
			AggregateVersion: 1,
			Actor:            actor.System("integration", "authz-audit"),
			Payload: map[string]any{
				"actor":       entry.Request.Actor.String(),
				"action":      entry.Request.Action,
				"resource":    entry.Request.Resource.Scope.String(),
				"realm":       string(entry.Request.Realm),
				"allowed":     entry.Allowed,
				"granted_by":  granted,
				"policy_id":   entry.PolicyID,
				"policy_rule": entry.PolicyRule,
			},
		})
		if err != nil {
			return fmt.Errorf("integration: audit append: %w", err)
		}
		return nil
	}
}
