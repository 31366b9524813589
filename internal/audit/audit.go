// Package audit records privileged actions in an append-only log. Entries
// carry a content-derived integrity token; application code never updates or
// deletes a written entry.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"loomchat.org/internal/rbac"
)

// Action names a privileged operation.
type Action string

const (
	ActionLogin          Action = "LOGIN"
	ActionRegister       Action = "REGISTER"
	ActionLogout         Action = "LOGOUT"
	ActionPasswordChange Action = "PASSWORD_CHANGE"
	ActionReuseDetected  Action = "SESSION_REUSE_DETECTED"
	ActionRevokeAll      Action = "SESSIONS_REVOKE_ALL"

	ActionUserBan        Action = "USER_BAN"
	ActionUserUnban      Action = "USER_UNBAN"
	ActionUserRoleChange Action = "USER_ROLE_CHANGE"
	ActionUserDelete     Action = "USER_DELETE"
	ActionConfigChange   Action = "CONFIG_CHANGE"
	ActionKillSwitch     Action = "KILL_SWITCH_ACTIVATE"
	ActionAuditExport    Action = "AUDIT_EXPORT"
)

// Destructive reports whether the action mutates state in a way that must
// be audited in the same transaction as the mutation itself.
func (a Action) Destructive() bool {
	switch a {
	case ActionUserBan, ActionUserUnban, ActionUserRoleChange, ActionUserDelete,
		ActionConfigChange, ActionKillSwitch:
		return true
	}
	return false
}

// Entry is one immutable audit record.
type Entry struct {
	ID                string
	ActorID           string
	ActorRole         rbac.Role
	Action            Action
	TargetType        string
	TargetID          string
	PreviousState     string
	NewState          string
	Reason            string
	IP                string
	UserAgent         string
	SecondaryVerified bool
	IntegrityToken    string
	CreatedAt         time.Time
}

// Filter narrows a Query.
type Filter struct {
	ActorID    string
	Action     Action
	TargetType string
	TargetID   string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Store persists audit entries. Append-only: no update or delete exists.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Query(ctx context.Context, f Filter) ([]*Entry, error)
}

var ErrInvalidEntry = errors.New("audit: invalid entry")

// Seal stamps the entry and computes its integrity token. Must run before
// the entry is appended.
func Seal(e *Entry, now time.Time) error {
	if e.ActorID == "" || e.Action == "" {
		return ErrInvalidEntry
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC()
	}
	e.IntegrityToken = integrityToken(e)
	return nil
}

// Verify recomputes the integrity token and compares it against the stored
// value, flagging post-hoc tampering.
func Verify(e *Entry) bool {
	return e.IntegrityToken == integrityToken(e)
}

// integrityToken digests the entry's identifying fields. The timestamp is
// included so a copied token cannot be replayed onto another entry.
func integrityToken(e *Entry) string {
	data := strings.Join([]string{
		e.ActorID,
		string(e.Action),
		e.TargetID,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, "|")
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// Redact applies role-based masking. Viewers below admin level receive
// masked actor ids and truncated IP addresses; the entries themselves are
// copied, never mutated.
func Redact(entries []*Entry, viewer rbac.Role) []*Entry {
	if viewer.Level() >= rbac.RoleAdmin.Level() {
		return entries
	}
	out := make([]*Entry, len(entries))
	for i, e := range entries {
		dup := *e
		dup.ActorID = maskID(e.ActorID)
		dup.IP = maskIP(e.IP)
		out[i] = &dup
	}
	return out
}

func maskID(id string) string {
	if id == "" {
		return ""
	}
	if len(id) > 8 {
		id = id[:8]
	}
	return "user_" + id + "..."
}

func maskIP(ip string) string {
	if ip == "" {
		return ""
	}
	first, _, ok := strings.Cut(ip, ".")
	if !ok {
		return "xxxx"
	}
	return first + ".xxx.xxx.xxx"
}

// Anomaly thresholds over an actor's last-hour window.
const (
	anomalyWindow      = time.Hour
	anomalyActionLimit = 50
	anomalyIPLimit     = 3
)

// AnomalyReport summarizes suspicious actor behavior.
type AnomalyReport struct {
	Suspicious bool
	Reasons    []string
}

// DetectAnomalies inspects an actor's recent entries for mass actions,
// multi-IP activity and destructive actions lacking secondary verification.
func DetectAnomalies(ctx context.Context, store Store, actorID string, now time.Time) (AnomalyReport, error) {
	entries, err := store.Query(ctx, Filter{
		ActorID: actorID,
		Since:   now.Add(-anomalyWindow),
	})
	if err != nil {
		return AnomalyReport{}, fmt.Errorf("audit: anomaly query: %w", err)
	}

	var report AnomalyReport
	if len(entries) > anomalyActionLimit {
		report.Reasons = append(report.Reasons, "excessive actions in short timeframe")
	}

	ips := make(map[string]struct{})
	unverifiedDestructive := 0
	for _, e := range entries {
		if e.IP != "" {
			ips[e.IP] = struct{}{}
		}
		if e.Action.Destructive() && !e.SecondaryVerified {
			unverifiedDestructive++
		}
	}
	if len(ips) > anomalyIPLimit {
		report.Reasons = append(report.Reasons, "actions from multiple IP addresses")
	}
	if unverifiedDestructive > 0 {
		report.Reasons = append(report.Reasons, "destructive actions without secondary verification")
	}

	report.Suspicious = len(report.Reasons) > 0
	return report, nil
}
