package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"loomchat.org/internal/rbac"
)

func TestSealAndVerify(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := &Entry{
		ActorID:  "usr_admin",
		Action:   ActionUserBan,
		TargetID: "usr_target",
	}
	if err := Seal(e, now); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if e.IntegrityToken == "" || len(e.IntegrityToken) != 64 {
		t.Fatalf("unexpected integrity token %q", e.IntegrityToken)
	}
	if !e.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt not stamped: %v", e.CreatedAt)
	}
	if !Verify(e) {
		t.Fatal("freshly sealed entry must verify")
	}

	tampered := *e
	tampered.ActorID = "usr_other"
	if Verify(&tampered) {
		t.Fatal("tampered actor must fail verification")
	}

	shifted := *e
	shifted.CreatedAt = shifted.CreatedAt.Add(time.Nanosecond)
	if Verify(&shifted) {
		t.Fatal("tampered timestamp must fail verification")
	}
}

func TestSealRejectsIncompleteEntry(t *testing.T) {
	if err := Seal(&Entry{Action: ActionLogin}, time.Now()); err == nil {
		t.Fatal("expected error for missing actor")
	}
	if err := Seal(&Entry{ActorID: "u1"}, time.Now()); err == nil {
		t.Fatal("expected error for missing action")
	}
}

func TestDestructiveActions(t *testing.T) {
	if !ActionUserBan.Destructive() || !ActionKillSwitch.Destructive() {
		t.Fatal("ban and kill switch are destructive")
	}
	if ActionLogin.Destructive() || ActionAuditExport.Destructive() {
		t.Fatal("login and export are not destructive")
	}
}

func TestRedact(t *testing.T) {
	entries := []*Entry{{
		ActorID: "01JABCDEFGHJKMNPQRSTVWXYZ0",
		IP:      "203.0.113.7",
		Action:  ActionUserBan,
	}}

	masked := Redact(entries, rbac.RoleSupport)
	if masked[0].ActorID != "user_01JABCDE..." {
		t.Fatalf("masked actor = %q", masked[0].ActorID)
	}
	if masked[0].IP != "203.xxx.xxx.xxx" {
		t.Fatalf("masked ip = %q", masked[0].IP)
	}
	if entries[0].ActorID == masked[0].ActorID {
		t.Fatal("original entry must not be mutated")
	}

	full := Redact(entries, rbac.RoleAdmin)
	if full[0].ActorID != entries[0].ActorID || full[0].IP != entries[0].IP {
		t.Fatal("admin viewers see unmasked entries")
	}
	super := Redact(entries, rbac.RoleSuperAdmin)
	if super[0].IP != entries[0].IP {
		t.Fatal("super admin viewers see unmasked entries")
	}
}

type fakeStore struct {
	entries []*Entry
	queried Filter
}

func (f *fakeStore) Append(ctx context.Context, e *Entry) error {
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeStore) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	f.queried = filter
	return f.entries, nil
}

func TestDetectAnomaliesQuiet(t *testing.T) {
	store := &fakeStore{entries: []*Entry{
		{Action: ActionLogin, IP: "10.0.0.1"},
		{Action: ActionUserBan, IP: "10.0.0.1", SecondaryVerified: true},
	}}

	report, err := DetectAnomalies(context.Background(), store, "u1", time.Now())
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	if report.Suspicious {
		t.Fatalf("expected quiet report, got %+v", report)
	}
	if store.queried.ActorID != "u1" {
		t.Fatalf("query filtered on %q", store.queried.ActorID)
	}
}

func TestDetectAnomaliesFlagsPatterns(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 60; i++ {
		store.entries = append(store.entries, &Entry{Action: ActionLogin, IP: "10.0.0.1"})
	}
	for _, ip := range []string{"10.0.0.2", "10.0.0.3", "10.0.0.4"} {
		store.entries = append(store.entries, &Entry{Action: ActionLogin, IP: ip})
	}
	store.entries = append(store.entries, &Entry{Action: ActionUserDelete})

	report, err := DetectAnomalies(context.Background(), store, "u1", time.Now())
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	if !report.Suspicious {
		t.Fatal("expected suspicious report")
	}
	joined := strings.Join(report.Reasons, "; ")
	for _, want := range []string{"excessive actions", "multiple IP addresses", "secondary verification"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing reason %q in %q", want, joined)
		}
	}
}
