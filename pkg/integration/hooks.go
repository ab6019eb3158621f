package integration

import (
	"context"
	"fmt"
	"sync"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/agreement"
	"github.com/danvoulez/ledger/pkg/authz"
	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/projection"
	"github.com/danvoulez/ledger/pkg/role"
	"github.com/danvoulez/ledger/pkg/scope"
)

// RoleTemplate declares what role a party of a given kind receives when an
// agreement of a given type activates (spec §9 "Agreement-establishes-role
// coupling"). The spec leaves the exact template catalogue
// implementation-defined ("model it as an event hook ... emits RoleGranted
// events"); this is the minimal reference catalogue exercising S2's
// Employment flow.
type RoleTemplate struct {
	AgreementType string
	PartyRole     string
	RoleType      string
	Permissions   []authz.Permission
}

func templateKey(agreementType, partyRole string) string {
	return agreementType + "|" + partyRole
}

// DefaultRoleTemplates is the reference catalogue used when no custom
// templates are supplied: an Employment agreement's Employee party is
// granted read access over their realm, matching spec S2's assertion.
func DefaultRoleTemplates() []RoleTemplate {
	return []RoleTemplate{
		{
			AgreementType: "Employment",
			PartyRole:     "Employee",
			RoleType:      "Employee",
			Permissions:   []authz.Permission{{Action: "read", Resource: "*"}},
		},
	}
}

// AgreementRoleHook implements spec §9's event hook: on AgreementActivated
// it emits RoleGranted events whose established_by references the
// agreement, one per party matching a registered template. It is itself a
// projection subscriber (spec: "the hook is itself a projection
// subscriber"), and its own in-memory (agreement_id, role_template_id)
// uniqueness check is a second idempotency layer on top of the
// projection's persisted checkpoint — belt-and-suspenders against a
// checkpoint store that was reset or lost.
type AgreementRoleHook struct {
	agreements *agreement.Manager
	roles      *role.Manager
	templates  map[string]RoleTemplate

	mu      sync.Mutex
	granted map[string]bool
}

func NewAgreementRoleHook(agreements *agreement.Manager, roles *role.Manager, templates []RoleTemplate) *AgreementRoleHook {
	m := make(map[string]RoleTemplate, len(templates))
	for _, t := range templates {
		m[templateKey(t.AgreementType, t.PartyRole)] = t
	}
	return &AgreementRoleHook{agreements: agreements, roles: roles, templates: m, granted: make(map[string]bool)}
}

// Definition returns the projection.Definition driving this hook.
func (h *AgreementRoleHook) Definition() projection.Definition {
	return projection.Definition{
		Name:         "agreement-role-hook",
		SubscribesTo: []string{"AgreementActivated"},
		Handle:       h.handle,
	}
}

func (h *AgreementRoleHook) handle(ctx context.Context, e event.Event) error {
	ag, err := h.agreements.Get(ctx, e.AggregateID)
	if err != nil {
		return fmt.Errorf("integration: agreement-role-hook load %s: %w", e.AggregateID, err)
	}

	for _, p := range ag.Parties {
		tmpl, ok := h.templates[templateKey(ag.AgreementType, p.Role)]
		if !ok {
			continue
		}

		idemKey := string(ag.ID) + "|" + templateKey(ag.AgreementType, p.Role) + "|" + string(p.EntityID)
		h.mu.Lock()
		already := h.granted[idemKey]
		if !already {
			h.granted[idemKey] = true
		}
		h.mu.Unlock()
		if already {
			continue
		}

		sc := scope.Realm(ag.RealmID)
		if _, err := h.roles.Grant(ctx, actor.System("integration", "agreement-role-hook"),
			tmpl.RoleType, sc, p.EntityID, ag.ID, tmpl.Permissions); err != nil {
			return fmt.Errorf("integration: agreement-role-hook grant for %s/%s: %w", ag.ID, p.EntityID, err)
		}
	}
	return nil
}

// RoleIndexProjection feeds every RoleGranted event into a
// role.HolderIndex so pkg/authz's RoleLoader (via
// role.Manager.ActiveRolesForHolder) can resolve a holder's roles without
// a full event-store scan per request.
func RoleIndexProjection(index *role.HolderIndex) projection.Definition {
	return projection.Definition{
		Name:         "role-holder-index",
		SubscribesTo: []string{"RoleGranted"},
		Handle: func(ctx context.Context, e event.Event) error {
			index.Observe(e)
			return nil
		},
	}
}
