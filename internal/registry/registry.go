package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dhannusch/pincer/internal/cryptoutil"
	"github.com/dhannusch/pincer/internal/kv"
	"github.com/dhannusch/pincer/internal/manifest"
	"github.com/dhannusch/pincer/internal/vault"
)

const (
	indexKey      = "adapter_registry:index"
	auditPrefix   = "audit:proposal:"
	defaultAuditLimit = 50
	maxAuditLimit     = 200
	maxReasonLen      = 500
)

func proposalKey(proposalID string) string {
	return "adapter_registry:proposal:" + proposalID
}

func manifestKey(adapterID string, revision int) string {
	return fmt.Sprintf("adapter_registry:manifest:%s:%d", adapterID, revision)
}

func auditKey(occurredAt time.Time, eventID string) string {
	return fmt.Sprintf("%s%s:%s", auditPrefix, occurredAt.UTC().Format(time.RFC3339Nano), eventID)
}

// Registry is the Adapter Registry (component C).
type Registry struct {
	kv    *kv.Store
	vault *vault.Vault
	cache *cache
}

// New constructs a Registry. cacheTTL is the hot-path read-cache lifetime.
func New(store *kv.Store, v *vault.Vault, cacheTTL time.Duration) *Registry {
	return &Registry{kv: store, vault: v, cache: newCache(cacheTTL)}
}

func (r *Registry) loadIndex(ctx context.Context) (*Index, error) {
	if idx, ok := r.cache.getIndex(); ok {
		return idx, nil
	}
	raw, err := r.kv.Get(ctx, indexKey)
	if errors.Is(err, kv.ErrNotFound) {
		idx := &Index{Active: map[string]ActiveEntry{}}
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading registry index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("decoding registry index: %w", err)
	}
	if idx.Active == nil {
		idx.Active = map[string]ActiveEntry{}
	}
	r.cache.putIndex(&idx)
	return &idx, nil
}

func (r *Registry) writeIndex(ctx context.Context, idx *Index) error {
	payload, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("encoding registry index: %w", err)
	}
	if err := r.kv.Put(ctx, indexKey, payload, 0); err != nil {
		return fmt.Errorf("persisting registry index: %w", err)
	}
	r.cache.invalidate()
	return nil
}

func (r *Registry) loadManifestSnapshot(ctx context.Context, adapterID string, revision int) (*manifest.Manifest, error) {
	raw, err := r.kv.Get(ctx, manifestKey(adapterID, revision))
	if err != nil {
		return nil, err
	}
	var m manifest.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest snapshot: %w", err)
	}
	return &m, nil
}

// writeSnapshotOnce writes the manifest snapshot, honoring the
// written-once invariant: if a snapshot already exists at this
// (adapterId, revision), its content must be identical.
func (r *Registry) writeSnapshotOnce(ctx context.Context, m *manifest.Manifest) error {
	existing, err := r.loadManifestSnapshot(ctx, m.ID, m.Revision)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("checking existing snapshot: %w", err)
	}
	if err == nil {
		same, err := manifestsEqual(existing, m)
		if err != nil {
			return err
		}
		if !same {
			return fail(KindRevisionConflict, 409, fmt.Sprintf("snapshot already exists for %s revision %d with different content", m.ID, m.Revision))
		}
		return nil
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest snapshot: %w", err)
	}
	if err := r.kv.Put(ctx, manifestKey(m.ID, m.Revision), payload, 0); err != nil {
		return fmt.Errorf("persisting manifest snapshot: %w", err)
	}
	return nil
}

func manifestsEqual(a, b *manifest.Manifest) (bool, error) {
	sa, err := manifest.StableStringify(a)
	if err != nil {
		return false, err
	}
	sb, err := manifest.StableStringify(b)
	if err != nil {
		return false, err
	}
	return sa == sb, nil
}

// Submit validates manifestRaw, assigns a proposalId, writes the proposal
// record and appends its summary to the index, and writes a
// proposal_submitted audit event.
func (r *Registry) Submit(ctx context.Context, manifestRaw []byte, submittedBy string) (*ProposalSummary, error) {
	result := manifest.Validate(manifestRaw)
	if !result.OK {
		return nil, fail(KindInvalidManifest, 400, result.Errors...)
	}
	m := result.Manifest

	proposalID, err := newID("pr_")
	if err != nil {
		return nil, err
	}
	summary := ProposalSummary{
		ProposalID:  proposalID,
		AdapterID:   m.ID,
		Revision:    m.Revision,
		SubmittedAt: time.Now(),
		SubmittedBy: submittedBy,
	}
	record := ProposalRecord{
		ProposalID:  summary.ProposalID,
		AdapterID:   summary.AdapterID,
		Revision:    summary.Revision,
		SubmittedAt: summary.SubmittedAt,
		SubmittedBy: summary.SubmittedBy,
		Manifest:    *m,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding proposal record: %w", err)
	}
	if err := r.kv.Put(ctx, proposalKey(proposalID), payload, 0); err != nil {
		return nil, fmt.Errorf("persisting proposal record: %w", err)
	}

	idx, err := r.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	idx.Proposals = append(idx.Proposals, summary)
	if err := r.writeIndex(ctx, idx); err != nil {
		return nil, err
	}

	if err := r.writeAuditEvent(ctx, AuditEvent{
		EventType:  EventProposalSubmitted,
		ProposalID: proposalID,
		AdapterID:  m.ID,
		Revision:   m.Revision,
		Actor:      submittedBy,
		Manifest:   m,
	}); err != nil {
		return nil, err
	}

	return &summary, nil
}

// ListProposals returns the index's current proposal summaries.
func (r *Registry) ListProposals(ctx context.Context) ([]ProposalSummary, error) {
	idx, err := r.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	return idx.Proposals, nil
}

// GetProposal fetches one proposal record by id.
func (r *Registry) GetProposal(ctx context.Context, proposalID string) (*ProposalRecord, error) {
	raw, err := r.kv.Get(ctx, proposalKey(proposalID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fail(KindProposalNotFound, 404)
	}
	if err != nil {
		return nil, fmt.Errorf("loading proposal: %w", err)
	}
	var rec ProposalRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding proposal: %w", err)
	}
	return &rec, nil
}

// Reject removes a proposal from the index and deletes its record, then
// writes a proposal_rejected audit event carrying the full manifest.
func (r *Registry) Reject(ctx context.Context, proposalID, reason, actor string) (*RejectResult, error) {
	rec, err := r.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLen {
		return nil, fail(KindInvalidReason, 400)
	}

	idx, err := r.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	idx.Proposals = removeProposal(idx.Proposals, proposalID)
	if err := r.writeIndex(ctx, idx); err != nil {
		return nil, err
	}
	if err := r.kv.Delete(ctx, proposalKey(proposalID)); err != nil {
		return nil, fmt.Errorf("deleting proposal record: %w", err)
	}

	if err := r.writeAuditEvent(ctx, AuditEvent{
		EventType:  EventProposalRejected,
		ProposalID: proposalID,
		AdapterID:  rec.AdapterID,
		Revision:   rec.Revision,
		Actor:      actor,
		Reason:     reason,
		Manifest:   &rec.Manifest,
	}); err != nil {
		return nil, err
	}

	result := &RejectResult{ProposalID: proposalID, Status: "rejected", RejectedAt: time.Now()}
	return result, nil
}

// ApplyRequest identifies the manifest to apply: exactly one of ProposalID
// or ManifestRaw must be set.
type ApplyRequest struct {
	ProposalID  string
	ManifestRaw []byte
	Actor       string
}

// Apply runs the full apply/activation contract.
func (r *Registry) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	hasProposal := req.ProposalID != ""
	hasRaw := len(req.ManifestRaw) > 0
	if hasProposal == hasRaw {
		return nil, fail(KindInvalidApplyRequest, 400, "exactly one of proposalId or manifestRaw must be present")
	}

	var m *manifest.Manifest
	var proposal *ProposalRecord
	if hasProposal {
		rec, err := r.GetProposal(ctx, req.ProposalID)
		if err != nil {
			return nil, err
		}
		proposal = rec
		m = &rec.Manifest
	} else {
		result := manifest.Validate(req.ManifestRaw)
		if !result.OK {
			return nil, fail(KindInvalidManifest, 400, result.Errors...)
		}
		m = result.Manifest
	}

	idx, err := r.loadIndex(ctx)
	if err != nil {
		return nil, err
	}

	active, hasActive := idx.Active[m.ID]
	var kind Kind
	switch {
	case !hasActive:
		kind = KindNewInstall
	case m.Revision < active.Revision:
		return nil, fail(KindRevisionOutdated, 409, fmt.Sprintf("active revision is %d, proposed revision %d", active.Revision, m.Revision))
	case m.Revision == active.Revision:
		stored, err := r.loadManifestSnapshot(ctx, m.ID, active.Revision)
		if err != nil {
			return nil, fmt.Errorf("loading active snapshot: %w", err)
		}
		same, err := manifestsEqual(stored, m)
		if err != nil {
			return nil, err
		}
		if !same {
			return nil, fail(KindRevisionConflict, 409)
		}
		if active.Enabled {
			kind = KindInPlaceUpdate
		} else {
			kind = KindReEnable
		}
	default: // m.Revision > active.Revision
		kind = KindInPlaceUpdate
	}

	var missing []string
	for _, binding := range m.RequiredSecrets {
		val, err := r.vault.Resolve(ctx, binding)
		if err != nil {
			return nil, fmt.Errorf("resolving required secret %q: %w", binding, err)
		}
		if val == "" {
			missing = append(missing, binding)
		}
	}
	if len(missing) > 0 {
		return nil, fail(KindMissingRequiredSecrets, 400, missing...)
	}

	// Write order: snapshot first, then index, then proposal deletion, so
	// a crash between steps never leaves active pointing at a missing
	// snapshot.
	if err := r.writeSnapshotOnce(ctx, m); err != nil {
		return nil, err
	}

	idx.Active[m.ID] = ActiveEntry{Revision: m.Revision, Enabled: true, UpdatedAt: time.Now()}
	if proposal != nil {
		idx.Proposals = removeProposal(idx.Proposals, proposal.ProposalID)
	}
	if err := r.writeIndex(ctx, idx); err != nil {
		return nil, err
	}

	if proposal != nil {
		if err := r.kv.Delete(ctx, proposalKey(proposal.ProposalID)); err != nil {
			return nil, fmt.Errorf("deleting approved proposal record: %w", err)
		}
		if err := r.writeAuditEvent(ctx, AuditEvent{
			EventType:  EventProposalApproved,
			ProposalID: proposal.ProposalID,
			AdapterID:  m.ID,
			Revision:   m.Revision,
			Actor:      req.Actor,
			Manifest:   m,
		}); err != nil {
			return nil, err
		}
	}

	return &ApplyResult{AdapterID: m.ID, Revision: m.Revision, Kind: kind}, nil
}

// SetEnabled flips the enabled flag for an active adapter.
func (r *Registry) SetEnabled(ctx context.Context, adapterID string, enabled bool) error {
	idx, err := r.loadIndex(ctx)
	if err != nil {
		return err
	}
	entry, ok := idx.Active[adapterID]
	if !ok {
		return fail(KindAdapterNotFound, 404)
	}
	entry.Enabled = enabled
	entry.UpdatedAt = time.Now()
	idx.Active[adapterID] = entry
	return r.writeIndex(ctx, idx)
}

// GetAdapterAction resolves the active manifest and action for
// (adapterID, actionName) — the egress proxy's hot-path lookup, backed by
// the ~10s read cache. Disabled adapters are returned too; the caller
// checks the returned entry's Enabled flag.
func (r *Registry) GetAdapterAction(ctx context.Context, adapterID, actionName string) (*manifest.Manifest, *manifest.Action, *ActiveEntry, error) {
	idx, err := r.loadIndex(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	entry, ok := idx.Active[adapterID]
	if !ok {
		return nil, nil, nil, fail(KindAdapterNotFound, 404)
	}

	m, ok := r.cache.getManifest(adapterID)
	if !ok || m.Revision != entry.Revision {
		loaded, err := r.loadManifestSnapshot(ctx, adapterID, entry.Revision)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("loading active manifest: %w", err)
		}
		m = loaded
		r.cache.putManifest(adapterID, m)
	}

	action, ok := m.Actions[actionName]
	if !ok {
		return nil, nil, nil, fail(KindAdapterNotFound, 404)
	}
	return m, &action, &entry, nil
}

// AdapterSummary is the listing shape for GET /v1/adapters and
// GET /v1/admin/adapters: the live manifest identity plus its callable
// action names, without exposing the full manifest body.
type AdapterSummary struct {
	AdapterID   string   `json:"adapterId"`
	Revision    int      `json:"revision"`
	Enabled     bool     `json:"enabled"`
	ActionNames []string `json:"actionNames"`
}

// ListActive returns one summary per active adapter. When enabledOnly is
// true (the runtime-facing GET /v1/adapters contract), disabled adapters
// are omitted; the admin listing passes false to see everything.
func (r *Registry) ListActive(ctx context.Context, enabledOnly bool) ([]AdapterSummary, error) {
	idx, err := r.loadIndex(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(idx.Active))
	for id := range idx.Active {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]AdapterSummary, 0, len(ids))
	for _, id := range ids {
		entry := idx.Active[id]
		if enabledOnly && !entry.Enabled {
			continue
		}
		m, err := r.loadManifestSnapshot(ctx, id, entry.Revision)
		if err != nil {
			return nil, fmt.Errorf("loading manifest snapshot for %s: %w", id, err)
		}
		names := make([]string, 0, len(m.Actions))
		for name := range m.Actions {
			names = append(names, name)
		}
		sort.Strings(names)
		out = append(out, AdapterSummary{
			AdapterID:   id,
			Revision:    entry.Revision,
			Enabled:     entry.Enabled,
			ActionNames: names,
		})
	}
	return out, nil
}

// ListAuditEvents range-reads the audit prefix, filters by since (an
// ISO-8601 string compared lexicographically against occurredAt), sorts
// descending, and truncates to limit (default 50, max 200).
func (r *Registry) ListAuditEvents(ctx context.Context, since string, limit int) ([]AuditEvent, error) {
	entries, err := r.kv.ListByPrefix(ctx, auditPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}

	events := make([]AuditEvent, 0, len(entries))
	for _, e := range entries {
		var ev AuditEvent
		if err := json.Unmarshal(e.Value, &ev); err != nil {
			continue // skip corrupt records rather than fail the whole listing
		}
		if since != "" && ev.OccurredAt.UTC().Format(time.RFC3339Nano) < since {
			continue
		}
		events = append(events, ev)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].OccurredAt.After(events[j].OccurredAt) })

	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (r *Registry) writeAuditEvent(ctx context.Context, ev AuditEvent) error {
	eventID, err := newID("ae_")
	if err != nil {
		return err
	}
	ev.EventID = eventID
	ev.OccurredAt = time.Now()

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	if err := r.kv.Put(ctx, auditKey(ev.OccurredAt, eventID), payload, 0); err != nil {
		return fmt.Errorf("persisting audit event: %w", err)
	}
	return nil
}

func newID(prefix string) (string, error) {
	suffix, err := cryptoutil.RandomHex(12)
	if err != nil {
		return "", fmt.Errorf("generating id: %w", err)
	}
	return prefix + suffix, nil
}

func removeProposal(proposals []ProposalSummary, proposalID string) []ProposalSummary {
	out := proposals[:0:0]
	for _, p := range proposals {
		if p.ProposalID != proposalID {
			out = append(out, p)
		}
	}
	return out
}

