// Package observability provides ledger-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Ledger-specific semantic convention attributes.
var (
	// Entity attributes
	AttrEntityID   = attribute.Key("ledger.entity.id")
	AttrEntityType = attribute.Key("ledger.entity.type")

	// Intent/dispatch attributes
	AttrIntentName   = attribute.Key("ledger.intent.name")
	AttrRealmID      = attribute.Key("ledger.realm.id")
	AttrActorID      = attribute.Key("ledger.actor.id")
	AttrIntentResult = attribute.Key("ledger.intent.result")

	// Agreement/role attributes
	AttrAgreementID     = attribute.Key("ledger.agreement.id")
	AttrAgreementStatus = attribute.Key("ledger.agreement.status")
	AttrRoleScope       = attribute.Key("ledger.role.scope")

	// Authorization attributes
	AttrAuthzResource = attribute.Key("ledger.authz.resource")
	AttrAuthzAction   = attribute.Key("ledger.authz.action")
	AttrAuthzDecision = attribute.Key("ledger.authz.decision")

	// Event store attributes
	AttrEventType    = attribute.Key("ledger.event.type")
	AttrAggregateID  = attribute.Key("ledger.aggregate.id")
	AttrEventVersion = attribute.Key("ledger.event.version")
)

// IntentOperation creates attributes for an intent dispatch.
func IntentOperation(intentName, realmID, actorID, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrIntentName.String(intentName),
		AttrRealmID.String(realmID),
		AttrActorID.String(actorID),
		AttrIntentResult.String(result),
	}
}

// AgreementOperation creates attributes for agreement lifecycle events.
func AgreementOperation(agreementID, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgreementID.String(agreementID),
		AttrAgreementStatus.String(status),
	}
}

// AuthzOperation creates attributes for an authorization decision (spec §4.J).
func AuthzOperation(resource, action, decision string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAuthzResource.String(resource),
		AttrAuthzAction.String(action),
		AttrAuthzDecision.String(decision),
	}
}

// EventOperation creates attributes for an event store append.
func EventOperation(eventType, aggregateID string, version uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventType.String(eventType),
		AttrAggregateID.String(aggregateID),
		AttrEventVersion.Int64(int64(version)),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
