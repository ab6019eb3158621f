// Package external declares the narrow collaborator interfaces spec §6
// "External Interfaces" requires the ledger core to consume exactly —
// identity, logging, notification, document and attachment adapters — and
// wires reference implementations over the teacher's existing
// pkg/identity and pkg/artifacts packages rather than reimplementing JWT
// verification or object-storage access from scratch.
package external

import (
	"context"
	"time"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/ids"
)

// IdentityResult is what the Identity/authentication provider returns for
// a bearer credential (spec §6: "{entity_id, realm_id, scopes}"); the
// core consumes it as an actor.Reference.
type IdentityResult struct {
	EntityID ids.ID
	RealmID  ids.ID
	Scopes   []string
}

// ToActorReference projects an IdentityResult onto the actor.Reference the
// core's operations actually take.
func (r IdentityResult) ToActorReference() actor.Reference {
	return actor.Party(r.EntityID)
}

// IdentityProvider authenticates a bearer credential, outside the core
// per spec §6.
type IdentityProvider interface {
	Authenticate(ctx context.Context, bearerCredential string) (IdentityResult, error)
}

// LogLevel mirrors spec §6's structured logger levels.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogRecord is the structured observability record spec §6 defines:
// "{level, message, timestamp, component, trace_id?, session_id?,
// realm_id?, …}".
type LogRecord struct {
	Level     LogLevel
	Message   string
	Timestamp time.Time
	Component string
	TraceID   string
	SessionID string
	RealmID   ids.ID
	Fields    map[string]any
}

// Logger is the observability sink collaborator.
type Logger interface {
	Log(ctx context.Context, rec LogRecord)
}

// NotificationSender abstracts outbound notification delivery; the core
// invokes it only from workflow/saga actions or hooks (spec §6).
type NotificationSender interface {
	Send(ctx context.Context, to string, subject string, body string, metadata map[string]any) error
}

// DocumentStore abstracts durable document storage (e.g. generated
// contracts, exports); the core invokes it only from workflow/saga
// actions or hooks.
type DocumentStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (uri string, err error)
	Download(ctx context.Context, uri string) ([]byte, error)
}

// AttachmentStore abstracts ad hoc file attachments associated with
// agreements/assets; kept distinct from DocumentStore since spec §6 lists
// them as separate adapters with potentially different retention/
// addressing policies even though their operation shapes coincide.
type AttachmentStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (uri string, err error)
	Download(ctx context.Context, uri string) ([]byte, error)
	Delete(ctx context.Context, uri string) error
}
