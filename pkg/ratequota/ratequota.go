// Package ratequota implements the Governance Evaluator (spec §4.N): the
// rate-limit + quota gate that sits in front of intent handlers, consuming
// the external Rate limiter and Quota manager collaborator interfaces
// (spec §6) rather than owning enforcement policy itself. Named ratequota,
// distinct from the teacher's own pkg/governance, to avoid conflating two
// different concerns sharing that name.
package ratequota

import (
	"context"
	"fmt"

	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/ledgererr"
)

// ScopeKind discriminates the rate limiter's scope tagged union (spec §6:
// "scope is a tagged union {Global | Realm | Entity | Intent | ApiKey}").
type ScopeKind string

const (
	ScopeGlobal ScopeKind = "Global"
	ScopeRealm  ScopeKind = "Realm"
	ScopeEntity ScopeKind = "Entity"
	ScopeIntent ScopeKind = "Intent"
	ScopeAPIKey ScopeKind = "ApiKey"
)

// Scope identifies what a rate-limit check/record applies to.
type Scope struct {
	Kind ScopeKind
	ID   string
}

func (s Scope) key() string { return fmt.Sprintf("%s:%s", s.Kind, s.ID) }

// RateLimitResult is the Rate limiter collaborator's check result (spec §6).
type RateLimitResult struct {
	Allowed      bool
	Limit        int
	Remaining    int
	RetryAfterSec int
}

// RateLimiter is the narrow external-collaborator interface spec §6
// requires the core to consume exactly: "check(scope) →
// {allowed, limit, remaining, retry_after?}", "record(scope)".
type RateLimiter interface {
	Check(ctx context.Context, scope Scope) (RateLimitResult, error)
	Record(ctx context.Context, scope Scope) error
}

// QuotaResult is the Quota manager collaborator's check result (spec §6).
type QuotaResult struct {
	Allowed   bool
	Current   int64
	Limit     int64
	Remaining int64
}

// QuotaManager is the narrow external-collaborator interface spec §6
// requires: "check(resource, realm?) → {allowed, current, limit,
// remaining}", "record(resource, amount, realm?)".
type QuotaManager interface {
	Check(ctx context.Context, resource string, realm *ids.ID) (QuotaResult, error)
	Record(ctx context.Context, resource string, amount int64, realm *ids.ID) error
}

// Evaluator is the governance gate: it checks the rate limiter and the
// quota manager before an intent handler runs, and records consumption
// after it succeeds. Either collaborator may be nil, in which case that
// stage of the gate is skipped (useful for installations that only wire
// one of the two).
type Evaluator struct {
	limiter RateLimiter
	quotas  QuotaManager
}

// NewEvaluator builds a governance gate over the given collaborators.
func NewEvaluator(limiter RateLimiter, quotas QuotaManager) *Evaluator {
	return &Evaluator{limiter: limiter, quotas: quotas}
}

// Admission is what the caller consumes after a successful Evaluate, so it
// can Record consumption once the gated operation actually completes.
type Admission struct {
	scope    Scope
	resource string
	realm    *ids.ID
	amount   int64
	eval     *Evaluator
}

// Evaluate runs the rate-limit check then the quota check, in that order,
// returning ledgererr.RateLimited or ledgererr.QuotaExceeded (spec §7) on
// the first refusal. Neither collaborator is recorded against until the
// caller calls Record on the returned Admission — Evaluate only answers
// "would this be allowed right now."
func (e *Evaluator) Evaluate(ctx context.Context, scope Scope, resource string, realm *ids.ID, amount int64) (*Admission, error) {
	if e.limiter != nil {
		res, err := e.limiter.Check(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("ratequota: rate limit check for %s: %w", scope.key(), err)
		}
		if !res.Allowed {
			return nil, ledgererr.RateLimited(res.RetryAfterSec)
		}
	}

	if e.quotas != nil {
		res, err := e.quotas.Check(ctx, resource, realm)
		if err != nil {
			return nil, fmt.Errorf("ratequota: quota check for %s: %w", resource, err)
		}
		if !res.Allowed {
			return nil, ledgererr.QuotaExceeded(resource, 0)
		}
	}

	return &Admission{scope: scope, resource: resource, realm: realm, amount: amount, eval: e}, nil
}

// Record reports consumption against both collaborators after the gated
// operation has actually run, per spec §6's record(scope)/record(resource,
// amount, realm?) calls.
func (a *Admission) Record(ctx context.Context) error {
	if a.eval.limiter != nil {
		if err := a.eval.limiter.Record(ctx, a.scope); err != nil {
			return fmt.Errorf("ratequota: record rate limit for %s: %w", a.scope.key(), err)
		}
	}
	if a.eval.quotas != nil {
		if err := a.eval.quotas.Record(ctx, a.resource, a.amount, a.realm); err != nil {
			return fmt.Errorf("ratequota: record quota for %s: %w", a.resource, err)
		}
	}
	return nil
}
