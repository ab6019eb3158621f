// Package search implements the Search indexer (spec §6 "Search engine
// adapter"): a per-installation last-indexed-sequence that advances only
// on successful indexing, driving an external SearchEngine collaborator
// off the Event Store. It is built directly on pkg/projection's
// backfill-then-live-drain/checkpoint machinery (spec §4.6), since "a
// derived read model with a durable last-processed-sequence, advanced
// only after a successful handler call" is exactly what a projection is
// — the indexer is one more projection, not a parallel mechanism.
package search

import (
	"context"
	"fmt"

	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/projection"
)

// Document is what the indexer hands the search engine for one
// searchable aggregate state.
type Document struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	RealmID  ids.ID         `json:"realm_id,omitempty"`
	Fields   map[string]any `json:"fields"`
	Sequence uint64         `json:"sequence"`
}

// Pagination narrows a search query's result window.
type Pagination struct {
	Offset int
	Limit  int
}

// Hit is one matched document in a SearchResult.
type Hit struct {
	Document Document
	Score    float64
}

// Facet is an aggregated count over one field's values.
type Facet struct {
	Field  string
	Counts map[string]int
}

// Consistency reports how far the index lags the event log, per spec §6
// ("consistency: {index_lag_events}").
type Consistency struct {
	IndexLagEvents uint64
}

// SearchResult is the external SearchEngine's search() response shape.
type SearchResult struct {
	Hits        []Hit
	Facets      []Facet
	Consistency Consistency
}

// SearchEngine is the narrow external-collaborator interface spec §6
// requires the core to consume exactly: "index(doc)", "search(query,
// filters, pagination) → {hits, facets, consistency}", "delete(id)".
type SearchEngine interface {
	Index(ctx context.Context, doc Document) error
	Search(ctx context.Context, query string, filters map[string]any, pagination Pagination) (SearchResult, error)
	Delete(ctx context.Context, id string) error
}

// Projector turns a ledger event into zero or one indexable Document, or
// reports that the event should remove a document (DeleteID non-empty).
type Projector func(e event.Event) (doc Document, deleteID string, skip bool, err error)

// Indexer drives a SearchEngine off a pkg/projection.Manager-managed
// checkpoint, so the last-indexed-sequence is durable and only advances
// after Index/Delete has actually succeeded.
type Indexer struct {
	name    string
	engine  SearchEngine
	project Projector
	manager *projection.Manager
}

// NewIndexer registers a projection named projectionName that drives
// engine via project. eventTypes restricts which event types the
// indexer's backing projection subscribes to; an empty slice subscribes
// to everything.
func NewIndexer(manager *projection.Manager, projectionName string, eventTypes []string, engine SearchEngine, project Projector) *Indexer {
	idx := &Indexer{name: projectionName, engine: engine, project: project, manager: manager}
	manager.Register(projection.Definition{
		Name:         projectionName,
		SubscribesTo: eventTypes,
		Handle:       idx.handle,
	})
	return idx
}

func (idx *Indexer) handle(ctx context.Context, e event.Event) error {
	doc, deleteID, skip, err := idx.project(e)
	if err != nil {
		return fmt.Errorf("search: project event %s at sequence %d: %w", e.Type, e.Sequence, err)
	}
	if skip {
		return nil
	}
	if deleteID != "" {
		if err := idx.engine.Delete(ctx, deleteID); err != nil {
			return fmt.Errorf("search: delete %s: %w", deleteID, err)
		}
		return nil
	}
	doc.Sequence = e.Sequence
	if err := idx.engine.Index(ctx, doc); err != nil {
		return fmt.Errorf("search: index %s: %w", doc.ID, err)
	}
	return nil
}

// Start begins driving the indexer's projection from its persisted
// checkpoint.
func (idx *Indexer) Start(ctx context.Context) error {
	return idx.manager.Start(ctx, idx.name)
}

// Stop halts the indexer without resetting its checkpoint.
func (idx *Indexer) Stop() {
	idx.manager.Stop(idx.name)
}

// Rebuild resets the checkpoint to zero and replays the entire log,
// per spec §4.6's Rebuild semantics — the caller is responsible for
// clearing the search engine's own index first (spec §6 gives the core
// no "clear index" primitive; only index/search/delete).
func (idx *Indexer) Rebuild(ctx context.Context) error {
	return idx.manager.Rebuild(ctx, idx.name)
}

// Lag reports how many events the index has not yet processed (spec §6's
// index_lag_events, sourced from the projection manager's own Lag).
func (idx *Indexer) Lag(ctx context.Context) (uint64, error) {
	return idx.manager.Lag(ctx, idx.name)
}

// Search is a thin passthrough to the underlying engine, stamping the
// current index lag onto the result's Consistency field so callers see a
// staleness bound without querying the projection manager separately.
func (idx *Indexer) Search(ctx context.Context, query string, filters map[string]any, pagination Pagination) (SearchResult, error) {
	result, err := idx.engine.Search(ctx, query, filters, pagination)
	if err != nil {
		return SearchResult{}, fmt.Errorf("search: query %q: %w", query, err)
	}
	lag, err := idx.Lag(ctx)
	if err == nil {
		result.Consistency.IndexLagEvents = lag
	}
	return result, nil
}
