// Package schema implements the Schema Registry and upcaster chain
// (spec §4.3): per-event-type payload versioning with lazy transformation
// from old to current schema on read. Stored events are never rewritten.
package schema

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/ledgererr"
)

// Upcaster transforms a payload at version n into its version n+1 shape. It
// MUST be pure: no I/O, no side effects, deterministic given (payload, e).
type Upcaster func(payload map[string]any, e event.Event) (map[string]any, error)

// typeEntry holds one event type's declared version, optional JSON Schema
// validators per version, and its ordered upcaster chain.
type typeEntry struct {
	currentVersion int
	validators     map[int]*jsonschema.Schema
	upcasters      map[int]Upcaster // keyed by the version the upcaster accepts as input
}

// Registry is the process-wide schema registry: a pure, in-memory
// structure safe for concurrent reads once registration is complete. Spec
// §"Global mutable state" permits singletons for pure registries.
type Registry struct {
	mu      sync.RWMutex
	types   map[string]*typeEntry
	compile *jsonschema.Compiler
}

func NewRegistry() *Registry {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	return &Registry{
		types:   make(map[string]*typeEntry),
		compile: c,
	}
}

// Declare registers an event type at the given current version. Must be
// called before RegisterUpcaster/RegisterValidator for that type.
func (r *Registry) Declare(eventType string, currentVersion int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[eventType] = &typeEntry{
		currentVersion: currentVersion,
		validators:     make(map[int]*jsonschema.Schema),
		upcasters:      make(map[int]Upcaster),
	}
}

// RegisterValidator compiles and attaches a JSON Schema that payloads at
// the given schema_version must satisfy.
func (r *Registry) RegisterValidator(eventType string, version int, jsonSchema string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	te, ok := r.types[eventType]
	if !ok {
		return fmt.Errorf("schema: event type %q not declared", eventType)
	}
	url := fmt.Sprintf("https://ledger.local/schema/%s/v%d.json", eventType, version)
	if err := r.compile.AddResource(url, strings.NewReader(jsonSchema)); err != nil {
		return fmt.Errorf("schema: add resource %s: %w", eventType, err)
	}
	compiled, err := r.compile.Compile(url)
	if err != nil {
		return fmt.Errorf("schema: compile %s v%d: %w", eventType, version, err)
	}
	te.validators[version] = compiled
	return nil
}

// RegisterUpcaster registers a pure transformer from fromVersion to
// fromVersion+1 for eventType. Upcasters are chained in ascending order at
// apply time.
func (r *Registry) RegisterUpcaster(eventType string, fromVersion int, up Upcaster) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	te, ok := r.types[eventType]
	if !ok {
		return fmt.Errorf("schema: event type %q not declared", eventType)
	}
	te.upcasters[fromVersion] = up
	return nil
}

// CurrentVersion returns the declared current version for eventType, or
// 1 if the type was never declared (spec: "default 1 if absent").
func (r *Registry) CurrentVersion(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if te, ok := r.types[eventType]; ok {
		return te.currentVersion
	}
	return 1
}

// Validate checks e.Payload against the JSON Schema registered for its
// declared schema_version, if any. Absence of a validator is not an error.
func (r *Registry) Validate(ctx context.Context, e event.Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sv := e.SchemaVersion
	if sv == 0 {
		sv = 1
	}
	te, ok := r.types[e.Type]
	if !ok {
		return nil
	}
	v, ok := te.validators[sv]
	if !ok {
		return nil
	}
	if err := v.Validate(e.Payload); err != nil {
		return ledgererr.InvalidEvent(fmt.Sprintf("payload does not match schema for %s v%d: %s", e.Type, sv, err))
	}
	return nil
}

// Upcast applies the type's upcaster chain to e's payload until it reaches
// the current declared version, returning the transformed payload. The
// stored event itself (e.Payload, e.SchemaVersion) is never mutated or
// rewritten — this is a lazy, read-time transform fed to rehydrators and
// projections.
func (r *Registry) Upcast(e event.Event) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sv := e.SchemaVersion
	if sv == 0 {
		sv = 1
	}
	te, ok := r.types[e.Type]
	if !ok {
		return e.Payload, nil
	}

	payload := cloneMap(e.Payload)
	for v := sv; v < te.currentVersion; v++ {
		up, ok := te.upcasters[v]
		if !ok {
			return nil, fmt.Errorf("schema: no upcaster registered for %s from v%d to v%d", e.Type, v, v+1)
		}
		next, err := up(payload, e)
		if err != nil {
			return nil, fmt.Errorf("schema: upcast %s v%d->v%d: %w", e.Type, v, v+1, err)
		}
		payload = next
	}
	return payload, nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MigrationTarget names the restricted set of reasons a batch Migration
// may run for (spec §4.3: "policy-restricted to exceptional use").
type MigrationTarget string

const (
	MigrationArchival         MigrationTarget = "archival"
	MigrationCorruptionRepair MigrationTarget = "corruption_repair"
)

// MigrationRequest describes a batch migration of stored event payloads.
// Unlike Upcast, a Migration rewrites storage; it exists only for the
// exceptional cases named by MigrationTarget and must be authorized by the
// caller (typically gated behind pkg/policy) before Apply is invoked.
type MigrationRequest struct {
	EventType string
	Target    MigrationTarget
	Reason    string
	Transform Upcaster
}

// Migration applies req.Transform to every supplied event's payload,
// returning the rewritten payloads keyed by event ID. It performs no
// persistence itself — the caller (an operator tool, never the online
// write path) is responsible for writing the result back through whatever
// out-of-band mechanism storage exposes for this exceptional case.
func Migration(req MigrationRequest, events []event.Event) (map[string]map[string]any, error) {
	if req.Target != MigrationArchival && req.Target != MigrationCorruptionRepair {
		return nil, fmt.Errorf("schema: migration target %q is not a permitted exceptional use", req.Target)
	}
	out := make(map[string]map[string]any, len(events))
	for _, e := range events {
		if e.Type != req.EventType {
			continue
		}
		transformed, err := req.Transform(cloneMap(e.Payload), e)
		if err != nil {
			return nil, fmt.Errorf("schema: migration transform for %s: %w", e.ID, err)
		}
		out[string(e.ID)] = transformed
	}
	return out, nil
}
