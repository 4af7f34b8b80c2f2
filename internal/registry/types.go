// Package registry implements the Adapter Registry: the proposal →
// approval → activation state machine over immutable manifest snapshots
// and an atomic (single-blob) index.
package registry

import (
	"time"

	"github.com/dhannusch/pincer/internal/manifest"
)

// ActiveEntry is the index's record of one live (adapterId, revision).
type ActiveEntry struct {
	Revision  int       `json:"revision"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Index is the registry's singleton object: the ordered proposal list and
// the active-adapter map. Written as a single serialized blob at
// adapter_registry:index, never split across keys.
type Index struct {
	Proposals []ProposalSummary      `json:"proposals"`
	Active    map[string]ActiveEntry `json:"active"`
}

// ProposalSummary is what the index carries for a pending proposal.
type ProposalSummary struct {
	ProposalID  string    `json:"proposalId"`
	AdapterID   string    `json:"adapterId"`
	Revision    int       `json:"revision"`
	SubmittedAt time.Time `json:"submittedAt"`
	SubmittedBy string    `json:"submittedBy"`
}

// ProposalRecord is the full proposal, including the manifest, stored at
// adapter_registry:proposal:<proposalId>.
type ProposalRecord struct {
	ProposalID  string             `json:"proposalId"`
	AdapterID   string             `json:"adapterId"`
	Revision    int                `json:"revision"`
	SubmittedAt time.Time          `json:"submittedAt"`
	SubmittedBy string             `json:"submittedBy"`
	Manifest    manifest.Manifest  `json:"manifest"`
}

// EventType is one of the audit event kinds recorded for a proposal.
type EventType string

const (
	EventProposalSubmitted EventType = "proposal_submitted"
	EventProposalApproved  EventType = "proposal_approved"
	EventProposalRejected  EventType = "proposal_rejected"
)

// AuditEvent records one state transition. Keyed lexicographically by
// OccurredAt (RFC3339Nano) so a prefix listing recovers time order.
type AuditEvent struct {
	EventID     string            `json:"eventId"`
	EventType   EventType         `json:"eventType"`
	OccurredAt  time.Time         `json:"occurredAt"`
	ProposalID  string            `json:"proposalId"`
	AdapterID   string            `json:"adapterId"`
	Revision    int               `json:"revision"`
	Actor       string            `json:"actor"`
	Reason      string            `json:"reason,omitempty"`
	Manifest    *manifest.Manifest `json:"manifest,omitempty"`
}

// Kind is the installation outcome Apply reports: in_place_update,
// re_enable, or new_install.
type Kind string

const (
	KindInPlaceUpdate Kind = "in_place_update"
	KindReEnable      Kind = "re_enable"
	KindNewInstall    Kind = "new_install"
)

// ApplyResult is returned by a successful Apply.
type ApplyResult struct {
	AdapterID string `json:"adapterId"`
	Revision  int    `json:"revision"`
	Kind      Kind   `json:"kind"`
}

// RejectResult is returned by a successful Reject.
type RejectResult struct {
	ProposalID string    `json:"proposalId"`
	Status     string    `json:"status"`
	RejectedAt time.Time `json:"rejectedAt"`
}
