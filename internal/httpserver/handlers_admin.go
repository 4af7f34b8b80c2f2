package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dhannusch/pincer/internal/pairing"
	"github.com/dhannusch/pincer/internal/registry"
	"github.com/dhannusch/pincer/internal/runtimekey"
	"github.com/dhannusch/pincer/internal/session"
	"github.com/dhannusch/pincer/internal/vault"
)

type bootstrapStatusResponse struct {
	Ok             bool `json:"ok"`
	NeedsBootstrap bool `json:"needsBootstrap"`
}

// handleBootstrapStatus reports whether the singleton admin user still
// needs to be created.
func (s *Server) handleBootstrapStatus(w http.ResponseWriter, r *http.Request) {
	needs, err := s.sessions.NeedsBootstrap(r.Context())
	if err != nil {
		s.logger.Error("checking bootstrap status", "error", sanitize(err.Error()))
		RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	Respond(w, http.StatusOK, bootstrapStatusResponse{Ok: true, NeedsBootstrap: needs})
}

type bootstrapRequest struct {
	Token    string `json:"token" validate:"required"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type bootstrapResponse struct {
	Ok       bool   `json:"ok"`
	Username string `json:"username"`
}

// handleBootstrap creates the singleton admin user.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	user, err := s.sessions.Bootstrap(r.Context(), req.Token, req.Username, req.Password)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	Respond(w, http.StatusCreated, bootstrapResponse{Ok: true, Username: user.Username})
}

type sessionLoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type sessionLoginResponse struct {
	Ok            bool   `json:"ok"`
	Username      string `json:"username"`
	CSRFToken     string `json:"csrfToken"`
	ExpiresAt     string `json:"expiresAt"`
	IdleExpiresAt string `json:"idleExpiresAt"`
}

// handleSessionLogin authenticates the admin and mints a session cookie.
func (s *Server) handleSessionLogin(w http.ResponseWriter, r *http.Request) {
	var req sessionLoginRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	clientID := session.ClientID(r.Header.Get("Cf-Connecting-Ip"))
	result, err := s.sessions.Login(r.Context(), req.Username, req.Password, clientID)
	if err != nil {
		var serr *session.Error
		if errors.As(err, &serr) && serr.Kind == session.KindLoginLocked {
			s.notifier.LoginLocked(r.Context(), req.Username, clientID, serr.RetryAfter)
		}
		s.respondSessionError(w, err)
		return
	}

	http.SetCookie(w, result.Cookie)
	Respond(w, http.StatusOK, sessionLoginResponse{
		Ok:            true,
		Username:      result.Session.Username,
		CSRFToken:     result.Session.CSRFToken,
		ExpiresAt:     result.Session.AbsoluteExpiry.Format(timeLayout),
		IdleExpiresAt: result.Session.IdleExpiry.Format(timeLayout),
	})
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// handleSessionLogout clears the admin session cookie.
func (s *Server) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	var sessionID string
	if c, err := r.Cookie(session.CookieName); err == nil {
		sessionID = c.Value
	}
	cookie, err := s.sessions.Logout(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("logging out session", "error", sanitize(err.Error()))
		RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	http.SetCookie(w, cookie)
	Respond(w, http.StatusOK, struct {
		Ok bool `json:"ok"`
	}{Ok: true})
}

type sessionMeResponse struct {
	Ok        bool   `json:"ok"`
	Username  string `json:"username"`
	CSRFToken string `json:"csrfToken"`
}

// handleSessionMe reports the caller's own session identity. It sits
// outside the requireSession middleware group since it's one of the
// routes reachable without a session yet, so it runs the same
// enforcement contract inline.
func (s *Server) handleSessionMe(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.enforceSession(w, r, false)
	if !ok {
		return
	}
	Respond(w, http.StatusOK, sessionMeResponse{Ok: true, Username: sess.Username, CSRFToken: sess.CSRFToken})
}

func (s *Server) respondSessionError(w http.ResponseWriter, err error) {
	var serr *session.Error
	if errors.As(err, &serr) {
		if serr.Kind == session.KindLoginLocked {
			RespondLoginLocked(w, serr.RetryAfter)
			return
		}
		RespondError(w, serr.Status, serr.Kind, "")
		return
	}
	s.logger.Error("session operation failed", "error", sanitize(err.Error()))
	RespondError(w, http.StatusInternalServerError, "internal_error", "")
}

type doctorCheck struct {
	Name   string `json:"name"`
	Ok     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type doctorResponse struct {
	Ok     bool          `json:"ok"`
	Checks []doctorCheck `json:"checks"`
}

// handleDoctor runs a handful of cheap liveness checks against the
// dependencies Pincer needs to function, per SPEC_FULL.md's fixed
// {ok, checks:[{name, ok, detail?}]} shape.
func (s *Server) handleDoctor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := []doctorCheck{s.checkPostgres(ctx), s.checkRedis(ctx), s.checkKEK(), s.checkRuntimeKey(ctx)}

	ok := true
	for _, c := range checks {
		if !c.Ok {
			ok = false
		}
	}
	Respond(w, http.StatusOK, doctorResponse{Ok: ok, Checks: checks})
}

func (s *Server) checkPostgres(ctx context.Context) doctorCheck {
	if err := s.db.PingContext(ctx); err != nil {
		return doctorCheck{Name: "postgres", Ok: false, Detail: sanitize(err.Error())}
	}
	return doctorCheck{Name: "postgres", Ok: true}
}

func (s *Server) checkRedis(ctx context.Context) doctorCheck {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return doctorCheck{Name: "redis", Ok: false, Detail: sanitize(err.Error())}
	}
	return doctorCheck{Name: "redis", Ok: true}
}

func (s *Server) checkKEK() doctorCheck {
	if s.cfg.KEK == "" {
		return doctorCheck{Name: "vault_kek", Ok: false, Detail: "PINCER_KEK is not set"}
	}
	return doctorCheck{Name: "vault_kek", Ok: true}
}

func (s *Server) checkRuntimeKey(ctx context.Context) doctorCheck {
	rec, err := s.keys.Load(ctx)
	if errors.Is(err, runtimekey.ErrNotConfigured) {
		return doctorCheck{Name: "runtime_key", Ok: false, Detail: "no runtime key configured yet"}
	}
	if err != nil {
		return doctorCheck{Name: "runtime_key", Ok: false, Detail: sanitize(err.Error())}
	}
	hmacBinding, keyBinding := rec.EffectiveBindings(s.defaultHMACBinding, s.defaultKeyBinding)
	hmacSecret, err := s.vault.Resolve(ctx, hmacBinding)
	if err != nil {
		return doctorCheck{Name: "runtime_key", Ok: false, Detail: sanitize(err.Error())}
	}
	keySecret, err := s.vault.Resolve(ctx, keyBinding)
	if err != nil {
		return doctorCheck{Name: "runtime_key", Ok: false, Detail: sanitize(err.Error())}
	}
	if hmacSecret == "" || keySecret == "" {
		return doctorCheck{Name: "runtime_key", Ok: false, Detail: "runtime key bindings are unresolvable"}
	}
	return doctorCheck{Name: "runtime_key", Ok: true}
}

// handleMetricsSnapshot reports how many metric families the in-process
// Prometheus registry currently holds; it does not return the metric
// values themselves. It is distinct from the Prometheus /metrics endpoint,
// which is unauthenticated and scrape-shaped.
func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	families, err := s.metrics.Gather()
	if err != nil {
		s.logger.Error("gathering metrics snapshot", "error", sanitize(err.Error()))
		RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	Respond(w, http.StatusOK, struct {
		Ok           bool `json:"ok"`
		FamilyCount int  `json:"metricFamilyCount"`
	}{Ok: true, FamilyCount: len(families)})
}

type secretsListResponse struct {
	Ok      bool            `json:"ok"`
	Secrets []vaultMetadata `json:"secrets"`
}

type vaultMetadata struct {
	Binding   string `json:"binding"`
	Present   bool   `json:"present"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// handleSecretsList reports presence metadata for every known vault
// binding, never plaintext values.
func (s *Server) handleSecretsList(w http.ResponseWriter, r *http.Request) {
	hints := []string{s.defaultHMACBinding, s.defaultKeyBinding}
	items, err := s.vault.ListMetadata(r.Context(), hints)
	if err != nil {
		s.logger.Error("listing vault secrets", "error", sanitize(err.Error()))
		RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	out := make([]vaultMetadata, 0, len(items))
	for _, m := range items {
		v := vaultMetadata{Binding: m.Binding, Present: m.Present}
		if m.UpdatedAt != nil {
			v.UpdatedAt = m.UpdatedAt.Format(timeLayout)
		}
		out = append(out, v)
	}
	Respond(w, http.StatusOK, secretsListResponse{Ok: true, Secrets: out})
}

type secretPutRequest struct {
	Value string `json:"value" validate:"required"`
}

// handleSecretPut writes a vault binding.
func (s *Server) handleSecretPut(w http.ResponseWriter, r *http.Request) {
	binding := chi.URLParam(r, "binding")
	var req secretPutRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	actor := ""
	if sess := sessionFromContext(r.Context()); sess != nil {
		actor = sess.Username
	}
	if err := s.vault.Put(r.Context(), binding, req.Value, actor); err != nil {
		if errors.Is(err, vault.ErrInvalidBinding) || errors.Is(err, vault.ErrEmptyPlaintext) {
			RespondError(w, http.StatusBadRequest, "invalid_secret_value", "")
			return
		}
		s.logger.Error("writing vault secret", "error", sanitize(err.Error()))
		RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	Respond(w, http.StatusOK, struct {
		Ok bool `json:"ok"`
	}{Ok: true})
}

// handleSecretDelete deletes a vault binding.
func (s *Server) handleSecretDelete(w http.ResponseWriter, r *http.Request) {
	binding := chi.URLParam(r, "binding")
	if err := s.vault.Delete(r.Context(), binding); err != nil {
		s.logger.Error("deleting vault secret", "error", sanitize(err.Error()))
		RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	Respond(w, http.StatusOK, struct {
		Ok bool `json:"ok"`
	}{Ok: true})
}

type runtimeRotateResponse struct {
	Ok        bool   `json:"ok"`
	KeyID     string `json:"keyId"`
	KeySecret string `json:"keySecret"`
}

// handleRuntimeRotate rotates the runtime key and HMAC secret, reusing
// the previous bindings when a record already exists.
func (s *Server) handleRuntimeRotate(w http.ResponseWriter, r *http.Request) {
	hmacBinding, keyBinding := s.defaultHMACBinding, s.defaultKeyBinding
	if rec, err := s.keys.Load(r.Context()); err == nil {
		hmacBinding, keyBinding = rec.EffectiveBindings(s.defaultHMACBinding, s.defaultKeyBinding)
	} else if !errors.Is(err, runtimekey.ErrNotConfigured) {
		s.logger.Error("loading runtime key before rotate", "error", sanitize(err.Error()))
		RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	actor := ""
	if sess := sessionFromContext(r.Context()); sess != nil {
		actor = sess.Username
	}

	rotated, err := s.keys.Rotate(r.Context(), hmacBinding, keyBinding, s.skewSeconds, actor)
	if err != nil {
		s.logger.Error("rotating runtime key", "error", sanitize(err.Error()))
		RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	s.notifier.RuntimeRotated(r.Context(), rotated.Record.ID, actor)
	Respond(w, http.StatusOK, runtimeRotateResponse{Ok: true, KeyID: rotated.Record.ID, KeySecret: rotated.KeySecret})
}

type pairingGenerateRequest struct {
	WorkerURL string `json:"workerUrl" validate:"required,url"`
}

type pairingGenerateResponse struct {
	Ok              bool   `json:"ok"`
	Code            string `json:"code"`
	ExpiresInSeconds int   `json:"expiresInSeconds"`
}

// handlePairingGenerate mints a one-time pairing code carrying the
// current runtime credentials. The runtime key secret is recoverable
// because Rotate stores it in the vault, encrypted but decryptable.
func (s *Server) handlePairingGenerate(w http.ResponseWriter, r *http.Request) {
	var req pairingGenerateRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	rec, err := s.keys.Load(r.Context())
	if err != nil {
		if errors.Is(err, runtimekey.ErrNotConfigured) {
			RespondError(w, http.StatusConflict, "runtime_key_not_configured", "")
			return
		}
		s.logger.Error("loading runtime key for pairing", "error", sanitize(err.Error()))
		RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	hmacBinding, keyBinding := rec.EffectiveBindings(s.defaultHMACBinding, s.defaultKeyBinding)

	keySecret, err := s.vault.Resolve(r.Context(), keyBinding)
	if err != nil {
		s.logger.Error("resolving runtime key secret", "error", sanitize(err.Error()))
		RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	hmacSecret, err := s.vault.Resolve(r.Context(), hmacBinding)
	if err != nil {
		s.logger.Error("resolving hmac secret", "error", sanitize(err.Error()))
		RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	if keySecret == "" || hmacSecret == "" {
		RespondError(w, http.StatusConflict, "runtime_key_not_configured", "runtime secrets are unresolvable")
		return
	}

	created, err := s.pairings.Create(r.Context(), pairing.Credentials{
		WorkerURL:  req.WorkerURL,
		RuntimeKey: rec.ID + "." + keySecret,
		HMACSecret: hmacSecret,
	})
	if err != nil {
		s.logger.Error("creating pairing code", "error", sanitize(err.Error()))
		RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	Respond(w, http.StatusOK, pairingGenerateResponse{Ok: true, Code: created.Code, ExpiresInSeconds: created.ExpiresInSeconds})
}

type adminAdaptersListResponse struct {
	Ok       bool                      `json:"ok"`
	Adapters []registry.AdapterSummary `json:"adapters"`
}

// handleAdminAdaptersList lists every active adapter, enabled or not.
func (s *Server) handleAdminAdaptersList(w http.ResponseWriter, r *http.Request) {
	adapters, err := s.registry.ListActive(r.Context(), false)
	if err != nil {
		s.logger.Error("listing adapters", "error", sanitize(err.Error()))
		RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	Respond(w, http.StatusOK, adminAdaptersListResponse{Ok: true, Adapters: adapters})
}

type adminProposalsListResponse struct {
	Ok        bool                       `json:"ok"`
	Proposals []registry.ProposalSummary `json:"proposals"`
}

// handleAdminProposalsList lists pending adapter proposals.
func (s *Server) handleAdminProposalsList(w http.ResponseWriter, r *http.Request) {
	proposals, err := s.registry.ListProposals(r.Context())
	if err != nil {
		s.logger.Error("listing proposals", "error", sanitize(err.Error()))
		RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	Respond(w, http.StatusOK, adminProposalsListResponse{Ok: true, Proposals: proposals})
}

type adminProposalGetResponse struct {
	Ok       bool                    `json:"ok"`
	Proposal registry.ProposalRecord `json:"proposal"`
}

// handleAdminProposalGet fetches a single proposal record.
func (s *Server) handleAdminProposalGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.registry.GetProposal(r.Context(), id)
	if err != nil {
		s.respondRegistryError(w, err)
		return
	}
	Respond(w, http.StatusOK, adminProposalGetResponse{Ok: true, Proposal: *rec})
}

type proposalRejectRequest struct {
	Reason string `json:"reason"`
}

// handleProposalReject rejects a pending proposal.
func (s *Server) handleProposalReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req proposalRejectRequest
	if err := Decode(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	proposal, err := s.registry.GetProposal(r.Context(), id)
	if err != nil {
		s.respondRegistryError(w, err)
		return
	}

	result, err := s.registry.Reject(r.Context(), id, req.Reason, actorFromContext(r))
	if err != nil {
		s.respondRegistryError(w, err)
		return
	}

	s.notifier.ProposalRejected(r.Context(), proposal.AdapterID, proposal.Revision, req.Reason)
	Respond(w, http.StatusOK, struct {
		Ok     bool                   `json:"ok"`
		Result registry.RejectResult `json:"result"`
	}{Ok: true, Result: *result})
}

type adaptersApplyRequest struct {
	ProposalID string          `json:"proposalId,omitempty"`
	Manifest   json.RawMessage `json:"manifest,omitempty"`
}

type adaptersApplyResponse struct {
	Ok     bool                  `json:"ok"`
	Result registry.ApplyResult `json:"result"`
}

// handleAdaptersApply approves and activates a proposal or a raw
// manifest.
func (s *Server) handleAdaptersApply(w http.ResponseWriter, r *http.Request) {
	var req adaptersApplyRequest
	if err := Decode(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	result, err := s.registry.Apply(r.Context(), registry.ApplyRequest{
		ProposalID:  req.ProposalID,
		ManifestRaw: req.Manifest,
		Actor:       actorFromContext(r),
	})
	if err != nil {
		s.respondRegistryError(w, err)
		return
	}

	if req.ProposalID != "" {
		s.notifier.ProposalApproved(r.Context(), result.AdapterID, result.Revision)
	}
	Respond(w, http.StatusOK, adaptersApplyResponse{Ok: true, Result: *result})
}

// handleAdapterEnable enables an active adapter.
func (s *Server) handleAdapterEnable(w http.ResponseWriter, r *http.Request) {
	s.setAdapterEnabled(w, r, true)
}

// handleAdapterDisable disables an active adapter.
func (s *Server) handleAdapterDisable(w http.ResponseWriter, r *http.Request) {
	s.setAdapterEnabled(w, r, false)
}

func (s *Server) setAdapterEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	if err := s.registry.SetEnabled(r.Context(), id, enabled); err != nil {
		s.respondRegistryError(w, err)
		return
	}
	Respond(w, http.StatusOK, struct {
		Ok bool `json:"ok"`
	}{Ok: true})
}

type auditResponse struct {
	Ok     bool                   `json:"ok"`
	Events []registry.AuditEvent `json:"events"`
}

// handleAudit lists audit events, filterable by since and limit.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	since := r.URL.Query().Get("since")
	if since != "" {
		if _, err := time.Parse(time.RFC3339Nano, since); err != nil {
			RespondError(w, http.StatusBadRequest, "invalid_since", "since must be an ISO-8601 timestamp")
			return
		}
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
			return
		}
		limit = n
	}

	events, err := s.registry.ListAuditEvents(r.Context(), since, limit)
	if err != nil {
		s.logger.Error("listing audit events", "error", sanitize(err.Error()))
		RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	Respond(w, http.StatusOK, auditResponse{Ok: true, Events: events})
}

func actorFromContext(r *http.Request) string {
	if sess := sessionFromContext(r.Context()); sess != nil {
		return sess.Username
	}
	return ""
}
