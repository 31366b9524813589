package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loomchat.org/internal/admin"
	"loomchat.org/internal/audit"
	"loomchat.org/internal/identity"
	"loomchat.org/internal/rbac"
	"loomchat.org/internal/session"
)

// secondaryAuthHeader marks an admin request that passed a second
// verification step (e.g. re-entered password). Destructive actions without
// it are flagged by the anomaly check.
const secondaryAuthHeader = "X-Secondary-Auth"

type banRequest struct {
	TargetID string `json:"target_id"`
	Banned   bool   `json:"banned"`
	Reason   string `json:"reason"`
}

type roleRequest struct {
	TargetID string `json:"target_id"`
	Role     string `json:"role"`
	Reason   string `json:"reason"`
}

func (a *API) handleBan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}

	var req banRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.TargetID) == "" {
		writeError(w, r, http.StatusBadRequest, "target_id is required")
		return
	}

	if err := a.admins.SetBanned(r.Context(), actor, req.TargetID, req.Banned, req.Reason); err != nil {
		a.handleAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target_id": req.TargetID,
		"banned":    req.Banned,
	})
}

func (a *API) handleRole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}

	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := rbac.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.TargetID) == "" {
		writeError(w, r, http.StatusBadRequest, "target_id is required")
		return
	}

	if err := a.admins.ChangeRole(r.Context(), actor, req.TargetID, role, req.Reason); err != nil {
		a.handleAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target_id": req.TargetID,
		"role":      string(role),
	})
}

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := a.admins.QueryAudit(r.Context(), actor, filter)
	if err != nil {
		a.handleAdminError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryJSON(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (a *API) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = audit.FormatJSON
	}

	out, err := a.admins.ExportAudit(r.Context(), actor, filter, format)
	if err != nil {
		if errors.Is(err, audit.ErrUnsupportedFormat) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		a.handleAdminError(w, r, err)
		return
	}

	switch format {
	case audit.FormatCSV:
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	default:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (a *API) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	subject := r.URL.Query().Get("actor")
	if subject == "" {
		writeError(w, r, http.StatusBadRequest, "actor is required")
		return
	}

	report, err := a.admins.CheckAnomalies(r.Context(), actor, subject)
	if err != nil {
		a.handleAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suspicious": report.Suspicious,
		"reasons":    report.Reasons,
	})
}

type rotateRequest struct {
	Envelope string `json:"envelope"`
}

// handleEncryptionRotate re-encrypts a stored envelope under the current
// key. Content-layer migration jobs feed old envelopes through here after a
// key rollover; envelopes already on the current key pass through untouched.
func (a *API) handleEncryptionRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	if err := rbac.Require(actor.Role, rbac.CapSecurityManage); err != nil {
		a.handleAdminError(w, r, err)
		return
	}
	if a.cfg.Codec == nil {
		writeError(w, r, http.StatusServiceUnavailable, "encryption unavailable")
		return
	}

	var req rotateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Envelope == "" {
		writeError(w, r, http.StatusBadRequest, "envelope is required")
		return
	}
	if !a.cfg.Codec.NeedsRotation(req.Envelope) {
		writeJSON(w, http.StatusOK, map[string]any{
			"envelope": req.Envelope,
			"rotated":  false,
		})
		return
	}
	out, err := a.cfg.Codec.Rotate(req.Envelope)
	if err != nil {
		// uniform rejection: no distinction between bad tag, unknown key
		// version and malformed envelope
		writeError(w, r, http.StatusBadRequest, "invalid envelope")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"envelope": out,
		"rotated":  true,
	})
}

// actor converts the authenticated principal into an admin actor with
// request provenance attached.
func (a *API) actor(w http.ResponseWriter, r *http.Request) (admin.Actor, bool) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return admin.Actor{}, false
	}
	return admin.Actor{
		UserID:            principal.UserID,
		Role:              principal.Role,
		IP:                clientIP(r),
		UserAgent:         r.UserAgent(),
		SecondaryVerified: r.Header.Get(secondaryAuthHeader) != "",
	}, true
}

func (a *API) handleAdminError(w http.ResponseWriter, r *http.Request, err error) {
	var denied *rbac.AccessDeniedError
	switch {
	case errors.As(err, &denied):
		writeError(w, r, http.StatusForbidden, "missing capability: "+string(denied.Capability))
	case errors.Is(err, rbac.ErrAccessDenied):
		writeError(w, r, http.StatusForbidden, "access denied")
	case errors.Is(err, admin.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "target not found")
	case errors.Is(err, session.ErrStoreUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func auditFilterFromQuery(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		ActorID:    q.Get("actor"),
		Action:     audit.Action(q.Get("action")),
		TargetType: q.Get("target_type"),
		TargetID:   q.Get("target_id"),
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, errors.New("since must be RFC3339")
		}
		f.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, errors.New("until must be RFC3339")
		}
		f.Until = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 10000 {
			return audit.Filter{}, errors.New("limit must be between 1 and 10000")
		}
		f.Limit = n
	}
	return f, nil
}

func auditEntryJSON(e *audit.Entry) map[string]any {
	out := map[string]any{
		"id":         e.ID,
		"actor_id":   e.ActorID,
		"actor_role": string(e.ActorRole),
		"action":     string(e.Action),
		"created_at": e.CreatedAt,
	}
	if e.TargetID != "" {
		out["target_type"] = e.TargetType
		out["target_id"] = e.TargetID
	}
	if e.Reason != "" {
		out["reason"] = e.Reason
	}
	if e.IP != "" {
		out["ip"] = e.IP
	}
	return out
}
