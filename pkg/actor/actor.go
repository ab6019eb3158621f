// Package actor defines the tagged union of principals that can cause
// ledger events, per spec §3 "actor".
package actor

import (
	"encoding/json"
	"fmt"

	"github.com/danvoulez/ledger/pkg/ids"
)

// Kind discriminates the actor tagged union.
type Kind string

const (
	KindSystem    Kind = "system"
	KindParty     Kind = "party"
	KindWorkflow  Kind = "workflow"
	KindAnonymous Kind = "anonymous"
)

// Reference is a tagged union: System(system_id[, component]) | Party(party_id)
// | Workflow(workflow_id) | Anonymous(reason).
type Reference struct {
	Kind      Kind   `json:"kind"`
	SystemID  string `json:"system_id,omitempty"`
	Component string `json:"component,omitempty"`
	PartyID   ids.ID `json:"party_id,omitempty"`
	WorkflowID ids.ID `json:"workflow_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// System builds a System actor, optionally scoped to a component.
func System(systemID string, component ...string) Reference {
	r := Reference{Kind: KindSystem, SystemID: systemID}
	if len(component) > 0 {
		r.Component = component[0]
	}
	return r
}

// Party builds a Party actor referencing an entity id.
func Party(partyID ids.ID) Reference {
	return Reference{Kind: KindParty, PartyID: partyID}
}

// Workflow builds a Workflow actor referencing a workflow instance id.
func Workflow(workflowID ids.ID) Reference {
	return Reference{Kind: KindWorkflow, WorkflowID: workflowID}
}

// Anonymous builds an Anonymous actor carrying a reason for the absence of identity.
func Anonymous(reason string) Reference {
	return Reference{Kind: KindAnonymous, Reason: reason}
}

// Validate rejects actor tags unsupported by the enforcement layer (spec
// error kind INVALID_EVENT: "unsupported actor tag").
func (r Reference) Validate() error {
	switch r.Kind {
	case KindSystem:
		if r.SystemID == "" {
			return fmt.Errorf("actor: system actor requires system_id")
		}
	case KindParty:
		if r.PartyID == "" {
			return fmt.Errorf("actor: party actor requires party_id")
		}
	case KindWorkflow:
		if r.WorkflowID == "" {
			return fmt.Errorf("actor: workflow actor requires workflow_id")
		}
	case KindAnonymous:
		// reason may be empty; still a valid tag.
	default:
		return fmt.Errorf("actor: unsupported actor tag %q", r.Kind)
	}
	return nil
}

// String renders a stable human-readable form, used in audit trails and logs.
func (r Reference) String() string {
	switch r.Kind {
	case KindSystem:
		if r.Component != "" {
			return fmt.Sprintf("system:%s/%s", r.SystemID, r.Component)
		}
		return fmt.Sprintf("system:%s", r.SystemID)
	case KindParty:
		return fmt.Sprintf("party:%s", r.PartyID)
	case KindWorkflow:
		return fmt.Sprintf("workflow:%s", r.WorkflowID)
	case KindAnonymous:
		return fmt.Sprintf("anonymous:%s", r.Reason)
	default:
		b, _ := json.Marshal(r)
		return string(b)
	}
}
