package handlers

import (
	"context"
	"testing"

	"github.com/iamwavecut/wardbot/internal/db"
	"github.com/iamwavecut/wardbot/internal/db/sqlite"
	"github.com/iamwavecut/wardbot/internal/policy/authority"
)

func TestBuildSnapshotFoldsGrantsAndSafelist(t *testing.T) {
	t.Parallel()

	client, err := sqlite.NewSQLiteClient(context.Background(), t.TempDir(), "test.db")
	if err != nil {
		t.Fatalf("new sqlite client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	if err := client.SetStaffGrant(ctx, &db.StaffGrant{
		ChatID: 100, UserID: 7, Tier: authority.TierModerator, GrantedBy: 1,
	}); err != nil {
		t.Fatalf("set staff grant: %v", err)
	}
	if err := client.AddSafelistEntry(ctx, &db.SafelistEntry{
		ChatID: 100, Type: db.SafelistTargetUser, TargetID: 42, AddedBy: 1,
	}); err != nil {
		t.Fatalf("add safelist entry: %v", err)
	}
	if err := client.AddSafelistEntry(ctx, &db.SafelistEntry{
		ChatID: 200, Type: db.SafelistTargetUser, TargetID: 43, AddedBy: 1,
	}); err != nil {
		t.Fatalf("add foreign safelist entry: %v", err)
	}

	snapshot, err := buildSnapshot(ctx, client, 100)
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}

	if got := snapshot.StaffUserTiers[7]; got != authority.TierModerator {
		t.Fatalf("expected moderator tier for grantee, got %d", got)
	}
	if !snapshot.Safelisted(authority.Subject{ID: 42}) {
		t.Fatalf("safelisted user missing from snapshot")
	}
	if snapshot.Safelisted(authority.Subject{ID: 43}) {
		t.Fatalf("foreign chat's safelist leaked into snapshot")
	}

	decision := authority.Resolve(
		authority.Subject{ID: 7},
		authority.Subject{ID: 42},
		authority.ActionWarn,
		snapshot,
	)
	if decision.Allowed {
		t.Fatalf("safelisted target must be protected from staff action")
	}
}
