// Package asset implements the Asset aggregate (spec §3 "Asset"): a
// realm-scoped thing with an owner and a status, whose cross-realm
// transfer invariant (spec S5: direct AssetTransferred across realms is
// rejected outside a saga) is enforced here rather than at the event
// store, since it is a domain rule, not a structural one.
package asset

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

// Asset is the folded state of an Asset aggregate (spec §3 "Asset").
type Asset struct {
	ID                      ids.ID `json:"id"`
	RealmID                 ids.ID `json:"realm_id"`
	AssetType               string `json:"asset_type"`
	Status                  string `json:"status"`
	OwnerID                 ids.ID `json:"owner_id,omitempty"`
	LastTransferAgreementID ids.ID `json:"last_transfer_agreement_id,omitempty"`
	Version                 uint64 `json:"version"`
}

const aggregateType = "Asset"

type rehydrator struct{}

func (rehydrator) AggregateType() string { return aggregateType }
func (rehydrator) Version() int          { return 1 }
func (rehydrator) InitialState() any     { return (*Asset)(nil) }

func (rehydrator) Apply(state any, e event.Event) (any, error) {
	if e.Type == "AssetRegistered" {
		return decodeRegistered(e)
	}

	cur, _ := state.(*Asset)
	if cur == nil {
		return nil, fmt.Errorf("asset: %s before registration for %s", e.Type, e.AggregateID)
	}
	next := *cur
	next.Version = e.AggregateVersion

	switch e.Type {
	case "AssetTransferred":
		owner, _ := e.Payload["owner_id"].(string)
		agreementID, _ := e.Payload["agreement_id"].(string)
		next.OwnerID = ids.ID(owner)
		next.LastTransferAgreementID = ids.ID(agreementID)
	case "AssetStatusChanged":
		status, _ := e.Payload["status"].(string)
		next.Status = status
	default:
		return nil, fmt.Errorf("asset: unknown event type %q for aggregate %s", e.Type, aggregateType)
	}
	return &next, nil
}

func decodeRegistered(e event.Event) (*Asset, error) {
	realmID, _ := e.Payload["realm_id"].(string)
	assetType, _ := e.Payload["asset_type"].(string)
	status, _ := e.Payload["status"].(string)
	owner, _ := e.Payload["owner_id"].(string)

	return &Asset{
		ID:        e.AggregateID,
		RealmID:   ids.ID(realmID),
		AssetType: assetType,
		Status:    status,
		OwnerID:   ids.ID(owner),
		Version:   e.AggregateVersion,
	}, nil
}

// Manager reconstructs Asset aggregates and appends their lifecycle events.
type Manager struct {
	store eventstore.Store
	repo  *aggregate.Repository
}

func NewManager(store eventstore.Store) *Manager {
	repo := aggregate.NewRepository(store, nil)
	repo.Register(rehydrator{})
	return &Manager{store: store, repo: repo}
}

func (m *Manager) Get(ctx context.Context, assetID ids.ID) (*Asset, error) {
	state, _, err := m.repo.Reconstruct(ctx, aggregateType, assetID, aggregate.Bound{})
	if err != nil {
		if ledgererr.Is(err, ledgererr.CodeNotFound) {
			return nil, ledgererr.NotFound(aggregateType, string(assetID))
		}
		return nil, fmt.Errorf("asset: get %s: %w", assetID, err)
	}
	return state.(*Asset), nil
}

// Register appends AssetRegistered.
func (m *Manager) Register(ctx context.Context, actorRef actor.Reference, realmID ids.ID, assetType string, ownerID ids.ID) (*Asset, error) {
	assetID := ids.New()
	if _, err := m.store.Append(ctx, event.Input{
		Type:             "AssetRegistered",
		AggregateType:    aggregateType,
		AggregateID:      assetID,
		AggregateVersion: 1,
		Actor:            actorRef,
		Payload: map[string]any{
			"realm_id":   string(realmID),
			"asset_type": assetType,
			"status":     "Active",
			"owner_id":   string(ownerID),
		},
	}); err != nil {
		return nil, fmt.Errorf("asset: register: %w", err)
	}
	return m.Get(ctx, assetID)
}

// TransferWithinRealm appends AssetTransferred for a same-realm transfer.
// Cross-realm transfers MUST go through the cross-realm transfer saga
// (spec S5); this method refuses to run when targetRealmID differs from
// the asset's current realm.
func (m *Manager) TransferWithinRealm(ctx context.Context, actorRef actor.Reference, assetID, targetRealmID, newOwnerID, agreementID ids.ID) (*Asset, error) {
	cur, err := m.Get(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if cur.RealmID != targetRealmID {
		return nil, ledgererr.InvariantViolation("cross_realm_transfer_requires_saga",
			fmt.Sprintf("asset %s transfer from realm %s to %s must go through the cross-realm transfer saga, not a direct transfer", assetID, cur.RealmID, targetRealmID))
	}
	if _, err := m.store.Append(ctx, event.Input{
		Type:             "AssetTransferred",
		AggregateType:    aggregateType,
		AggregateID:      assetID,
		AggregateVersion: cur.Version + 1,
		Actor:            actorRef,
		Payload: map[string]any{
			"owner_id":     string(newOwnerID),
			"agreement_id": string(agreementID),
		},
	}); err != nil {
		return nil, fmt.Errorf("asset: transfer %s: %w", assetID, err)
	}
	return m.Get(ctx, assetID)
}
