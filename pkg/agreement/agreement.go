// Package agreement implements the Agreement aggregate (spec §3
// "Agreement"): the first-class contract among parties that is the source
// of truth for roles and obligations. Grounded on pkg/realm's rehydrator +
// Manager shape, generalized to Agreement's richer lifecycle (Draft →
// Proposed → UnderReview → Active → {Fulfilled, Breached, Terminated,
// Expired}) and its I7 consent invariant.
package agreement

import (
	"context"
	"fmt"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/aggregate"
	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/ledgererr"
)

// Status is the agreement lifecycle state (spec §3 Agreement.status).
type Status string

const (
	StatusDraft       Status = "Draft"
	StatusProposed    Status = "Proposed"
	StatusUnderReview Status = "UnderReview"
	StatusActive      Status = "Active"
	StatusFulfilled   Status = "Fulfilled"
	StatusBreached    Status = "Breached"
	StatusTerminated  Status = "Terminated"
	StatusExpired     Status = "Expired"
)

// terminal states that invalidate any role the agreement established (I6).
var terminalStates = map[Status]bool{
	StatusTerminated: true,
	StatusExpired:    true,
	StatusBreached:   true,
}

// ConsentMethod is how a party attested consent (spec §3 Agreement.parties.consent.method).
type ConsentMethod string

const (
	ConsentDigital   ConsentMethod = "Digital"
	ConsentSignature ConsentMethod = "Signature"
	ConsentImplicit  ConsentMethod = "Implicit"
)

// Consent is a timestamped, method-tagged attestation.
type Consent struct {
	GivenAt int64         `json:"given_at"`
	Method  ConsentMethod `json:"method"`
}

// PartyFlags mark a party as a non-principal (spec §3 Agreement.parties.flags).
type PartyFlags struct {
	IsWitness   bool `json:"is_witness"`
	IsSupervisor bool `json:"is_supervisor"`
}

// Party is one entity's role in the agreement.
type Party struct {
	EntityID    ids.ID      `json:"entity_id"`
	Role        string      `json:"role"`
	Flags       PartyFlags  `json:"flags"`
	Consent     *Consent    `json:"consent,omitempty"`
	Obligations []string    `json:"obligations,omitempty"`
	Rights      []string    `json:"rights,omitempty"`
}

// IsPrincipal reports whether this party counts toward I7's
// all-principals-consented precondition for entering Active.
func (p Party) IsPrincipal() bool {
	return !p.Flags.IsWitness && !p.Flags.IsSupervisor
}

// Validity is an agreement's effective window.
type Validity struct {
	EffectiveFrom  int64  `json:"effective_from"`
	EffectiveUntil *int64 `json:"effective_until,omitempty"`
}

// Agreement is the folded state of an Agreement aggregate.
type Agreement struct {
	ID            ids.ID         `json:"id"`
	RealmID       ids.ID         `json:"realm_id"`
	AgreementType string         `json:"agreement_type"`
	Status        Status         `json:"status"`
	Parties       []Party        `json:"parties"`
	Assets        []ids.ID       `json:"assets,omitempty"`
	Terms         map[string]any `json:"terms,omitempty"`
	Validity      Validity       `json:"validity"`
	Version       uint64         `json:"version"`
}

// TerminatedBefore reports whether the agreement's current status is a
// terminal state (Terminated/Expired/Breached), for the agreement half of
// role activity (I6). The timestamp `at` is not consulted: the time the
// agreement entered its terminal state is not recorded, so an agreement
// terminated after `at` also reports true.
func (a *Agreement) TerminatedBefore(at int64) bool {
	return terminalStates[a.Status]
}

// PrincipalsConsented reports whether every principal party has given
// consent (spec I7).
func (a *Agreement) PrincipalsConsented() bool {
	for _, p := range a.Parties {
		if p.IsPrincipal() && p.Consent == nil {
			return false
		}
	}
	return true
}

const aggregateType = "Agreement"

type rehydrator struct{}

func (rehydrator) AggregateType() string { return aggregateType }
func (rehydrator) Version() int          { return 1 }
func (rehydrator) InitialState() any     { return (*Agreement)(nil) }

func (rehydrator) Apply(state any, e event.Event) (any, error) {
	if e.Type == "AgreementCreated" || e.Type == "AgreementProposed" {
		return decodeCreated(e)
	}

	cur, _ := state.(*Agreement)
	if cur == nil {
		return nil, fmt.Errorf("agreement: %s %s before creation", e.Type, e.AggregateID)
	}
	next := cur.clone()
	next.Version = e.AggregateVersion

	switch e.Type {
	case "ConsentRecorded":
		partyID, _ := e.Payload["party"].(string)
		method, _ := e.Payload["method"].(string)
		for i := range next.Parties {
			if string(next.Parties[i].EntityID) == partyID {
				next.Parties[i].Consent = &Consent{GivenAt: e.Timestamp, Method: ConsentMethod(method)}
			}
		}
	case "AgreementActivated":
		if !next.PrincipalsConsented() {
			return nil, ledgererr.InvariantViolation("I7",
				fmt.Sprintf("agreement %s cannot become Active: not all principal parties have consented", next.ID))
		}
		next.Status = StatusActive
	case "AgreementUnderReview":
		next.Status = StatusUnderReview
	case "AgreementFulfilled":
		next.Status = StatusFulfilled
	case "AgreementBreached":
		next.Status = StatusBreached
	case "AgreementTerminated":
		next.Status = StatusTerminated
	case "AgreementExpired":
		next.Status = StatusExpired
	default:
		return nil, fmt.Errorf("agreement: unknown event type %q for aggregate %s", e.Type, aggregateType)
	}
	return next, nil
}

func (a *Agreement) clone() *Agreement {
	next := *a
	next.Parties = make([]Party, len(a.Parties))
	copy(next.Parties, a.Parties)
	return &next
}

func decodeCreated(e event.Event) (*Agreement, error) {
	realmID, _ := e.Payload["realm_id"].(string)
	agreementType, _ := e.Payload["agreement_type"].(string)
	status, _ := e.Payload["status"].(string)
	if status == "" {
		status = string(StatusDraft)
	}

	var parties []Party
	if raw, ok := e.Payload["parties"].([]any); ok {
		for _, p := range raw {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			entityID, _ := pm["entity_id"].(string)
			role, _ := pm["role"].(string)
			party := Party{EntityID: ids.ID(entityID), Role: role}
			if flags, ok := pm["flags"].(map[string]any); ok {
				party.Flags.IsWitness, _ = flags["is_witness"].(bool)
				party.Flags.IsSupervisor, _ = flags["is_supervisor"].(bool)
			}
			parties = append(parties, party)
		}
	}

	var validity Validity
	if raw, ok := e.Payload["validity"].(map[string]any); ok {
		if from, ok := raw["effective_from"].(float64); ok {
			validity.EffectiveFrom = int64(from)
		}
		if until, ok := raw["effective_until"].(float64); ok {
			u := int64(until)
			validity.EffectiveUntil = &u
		}
	}
	if validity.EffectiveFrom == 0 {
		validity.EffectiveFrom = e.Timestamp
	}

	terms, _ := e.Payload["terms"].(map[string]any)

	return &Agreement{
		ID:            e.AggregateID,
		RealmID:       ids.ID(realmID),
		AgreementType: agreementType,
		Status:        Status(status),
		Parties:       parties,
		Terms:         terms,
		Validity:      validity,
		Version:       e.AggregateVersion,
	}, nil
}

// Manager reconstructs Agreement aggregates and appends their lifecycle events.
type Manager struct {
	store eventstore.Store
	repo  *aggregate.Repository

	// implicitConsentTypes is the opt-in enumeration spec §9 requires:
	// "implicit consent [is] opt-in per agreement type definition" — an
	// agreement type not in this set never gets auto-consent, regardless
	// of party role.
	implicitConsentTypes map[string]bool
}

// NewManager builds a Manager. implicitConsentTypes names the agreement
// types whose "Owner" party is auto-consented on proposal (spec §9:
// auto-consent "only when the agreement type declares it" — e.g.
// workspace creation, where the creating entity's consent is implied by
// the act of proposing). Omit entirely for a Manager with no implicit
// consent.
func NewManager(store eventstore.Store, implicitConsentTypes ...string) *Manager {
	repo := aggregate.NewRepository(store, nil)
	repo.Register(rehydrator{})
	m := make(map[string]bool, len(implicitConsentTypes))
	for _, t := range implicitConsentTypes {
		m[t] = true
	}
	return &Manager{store: store, repo: repo, implicitConsentTypes: m}
}

func (m *Manager) Get(ctx context.Context, agreementID ids.ID) (*Agreement, error) {
	state, _, err := m.repo.Reconstruct(ctx, aggregateType, agreementID, aggregate.Bound{})
	if err != nil {
		if ledgererr.Is(err, ledgererr.CodeNotFound) {
			return nil, ledgererr.NotFound(aggregateType, string(agreementID))
		}
		return nil, fmt.Errorf("agreement: get %s: %w", agreementID, err)
	}
	return state.(*Agreement), nil
}

// Propose appends AgreementProposed, the entry point for spec S2's flow.
func (m *Manager) Propose(ctx context.Context, actorRef actor.Reference, realmID ids.ID, agreementType string, parties []Party) (*Agreement, error) {
	agreementID := ids.New()
	partyPayload := make([]any, len(parties))
	for i, p := range parties {
		partyPayload[i] = map[string]any{
			"entity_id": string(p.EntityID),
			"role":      p.Role,
			"flags": map[string]any{
				"is_witness":    p.Flags.IsWitness,
				"is_supervisor": p.Flags.IsSupervisor,
			},
		}
	}

	if _, err := m.store.Append(ctx, event.Input{
		Type:             "AgreementProposed",
		AggregateType:    aggregateType,
		AggregateID:      agreementID,
		AggregateVersion: 1,
		Actor:            actorRef,
		Payload: map[string]any{
			"realm_id":       string(realmID),
			"agreement_type": agreementType,
			"status":         string(StatusProposed),
			"parties":        partyPayload,
		},
	}); err != nil {
		return nil, fmt.Errorf("agreement: propose: %w", err)
	}

	if m.implicitConsentTypes[agreementType] {
		nextVersion := uint64(2)
		for _, p := range parties {
			if p.Role != "Owner" {
				continue
			}
			if _, err := m.store.Append(ctx, event.Input{
				Type:             "ConsentRecorded",
				AggregateType:    aggregateType,
				AggregateID:      agreementID,
				AggregateVersion: nextVersion,
				Actor:            actorRef,
				Payload: map[string]any{
					"party":  string(p.EntityID),
					"method": string(ConsentImplicit),
				},
			}); err != nil {
				return nil, fmt.Errorf("agreement: implicit consent for owner %s: %w", p.EntityID, err)
			}
			nextVersion++
		}
	}

	return m.Get(ctx, agreementID)
}

// RecordConsent appends ConsentRecorded for one party.
func (m *Manager) RecordConsent(ctx context.Context, actorRef actor.Reference, agreementID, partyID ids.ID, method ConsentMethod) (*Agreement, error) {
	cur, err := m.Get(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.Append(ctx, event.Input{
		Type:             "ConsentRecorded",
		AggregateType:    aggregateType,
		AggregateID:      agreementID,
		AggregateVersion: cur.Version + 1,
		Actor:            actorRef,
		Payload: map[string]any{
			"party":  string(partyID),
			"method": string(method),
		},
	}); err != nil {
		return nil, fmt.Errorf("agreement: record consent: %w", err)
	}
	return m.Get(ctx, agreementID)
}

// Activate appends AgreementActivated. The rehydrator itself enforces I7;
// this only surfaces the precondition early with a clearer error path so
// callers are not forced to inspect a wrapped apply-time error.
func (m *Manager) Activate(ctx context.Context, actorRef actor.Reference, agreementID ids.ID) (*Agreement, error) {
	cur, err := m.Get(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if !cur.PrincipalsConsented() {
		return nil, ledgererr.InvariantViolation("I7", fmt.Sprintf("agreement %s: not all principal parties have consented", agreementID))
	}
	if _, err := m.store.Append(ctx, event.Input{
		Type:             "AgreementActivated",
		AggregateType:    aggregateType,
		AggregateID:      agreementID,
		AggregateVersion: cur.Version + 1,
		Actor:            actorRef,
		Payload:          map[string]any{},
	}); err != nil {
		return nil, fmt.Errorf("agreement: activate: %w", err)
	}
	return m.Get(ctx, agreementID)
}

// Terminate appends AgreementTerminated.
func (m *Manager) Terminate(ctx context.Context, actorRef actor.Reference, agreementID ids.ID) (*Agreement, error) {
	cur, err := m.Get(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.Append(ctx, event.Input{
		Type:             "AgreementTerminated",
		AggregateType:    aggregateType,
		AggregateID:      agreementID,
		AggregateVersion: cur.Version + 1,
		Actor:            actorRef,
		Payload:          map[string]any{},
	}); err != nil {
		return nil, fmt.Errorf("agreement: terminate: %w", err)
	}
	return m.Get(ctx, agreementID)
}
