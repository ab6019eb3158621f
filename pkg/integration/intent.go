package integration

import (
	"context"
	"fmt"
	"sync"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/ledgererr"
)

// Affordance is a machine-readable next-action descriptor (spec GLOSSARY
// "Affordance").
type Affordance struct {
	Action      string `json:"action"`
	Description string `json:"description"`
}

// IntentRequest is the decoded form of the reference POST /intent body
// (spec §6): `{intent, actor, realm, payload}`.
type IntentRequest struct {
	Intent  string
	Actor   actor.Reference
	Realm   ids.ID
	Payload map[string]any
}

// IntentResult is the reference POST /intent success shape (spec §6):
// `{success, outcome, affordances?, emitted_events[]}`.
type IntentResult struct {
	Success       bool
	Outcome       map[string]any
	Affordances   []Affordance
	EmittedEvents []event.Event
}

// Handler validates, authorizes, and appends events for one intent,
// returning either a result or a typed ledgererr.LedgerError (spec
// GLOSSARY "Intent": "dispatched to a handler that validates, authorizes,
// and appends events").
type Handler func(ctx context.Context, req IntentRequest) (IntentResult, error)

// Dispatcher is the integration-glue registry routing POST /intent
// requests to the handler registered for their intent name (spec §6: "the
// core does not impose [a CLI/HTTP surface]. Reference bindings expose:
// POST /intent ... routed to a registered handler"). It carries no
// domain knowledge of its own — handlers are registered by whoever wires
// up the System (see system.go).
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a handler to an intent name. Registering the same name
// twice replaces the previous handler.
func (d *Dispatcher) Register(intent string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[intent] = h
}

// Dispatch routes req to its registered handler. An unregistered intent
// name is an INVALID_EVENT (spec §7): the request itself is malformed,
// not unauthorized or missing data.
func (d *Dispatcher) Dispatch(ctx context.Context, req IntentRequest) (IntentResult, error) {
	d.mu.RLock()
	h, ok := d.handlers[req.Intent]
	d.mu.RUnlock()
	if !ok {
		return IntentResult{}, ledgererr.InvalidEvent(fmt.Sprintf("no handler registered for intent %q", req.Intent))
	}
	return h(ctx, req)
}
