package registry

import "fmt"

// Error is the registry's tagged-variant failure shape:
// {ok:false, error:{kind, status, details?}}.
type Error struct {
	Kind    string
	Status  int
	Details []string
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return e.Kind
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Details)
}

func fail(kind string, status int, details ...string) error {
	return &Error{Kind: kind, Status: status, Details: details}
}

const (
	KindInvalidManifest         = "invalid_manifest"
	KindProposalNotFound        = "proposal_not_found"
	KindAdapterNotFound         = "adapter_not_found"
	KindRevisionOutdated        = "revision_outdated"
	KindRevisionConflict        = "revision_conflict"
	KindMissingRequiredSecrets  = "missing_required_secrets"
	KindInvalidApplyRequest     = "invalid_apply_request"
	KindInvalidReason           = "invalid_reason"
)
