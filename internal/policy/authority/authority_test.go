package authority

import (
	"testing"
)

func snapshotFixture() Snapshot {
	return Snapshot{
		StaffUserTiers: map[int64]int{
			10: TierHelper,
			20: TierModerator,
			30: TierAdmin,
		},
		StaffRoleTiers: map[int64]int{
			100: TierModerator,
		},
		SafelistedUsers: map[int64]struct{}{
			77: {},
		},
		SafelistedRoles: map[int64]struct{}{
			200: {},
		},
	}
}

func TestResolveRuleOrder(t *testing.T) {
	t.Parallel()

	snapshot := snapshotFixture()

	for _, tc := range []struct {
		name   string
		actor  Subject
		target Subject
		action Action
		allow  bool
		reason string
	}{
		{
			name:   "helper can warn",
			actor:  Subject{ID: 10},
			target: Subject{ID: 1},
			action: ActionWarn,
			allow:  true,
		},
		{
			name:   "helper cannot jail",
			actor:  Subject{ID: 10},
			target: Subject{ID: 1},
			action: ActionJail,
			reason: "insufficient authority",
		},
		{
			name:   "moderator by role can jail",
			actor:  Subject{ID: 2, Roles: []int64{100}},
			target: Subject{ID: 1},
			action: ActionJail,
			allow:  true,
		},
		{
			name:   "safelisted user protected from admin",
			actor:  Subject{ID: 30},
			target: Subject{ID: 77},
			action: ActionWarn,
			reason: "target protected",
		},
		{
			name:   "safelisted role protected",
			actor:  Subject{ID: 30},
			target: Subject{ID: 1, Roles: []int64{200}},
			action: ActionJail,
			reason: "target protected",
		},
		{
			name:   "safelist beats insufficient authority",
			actor:  Subject{ID: 1},
			target: Subject{ID: 77},
			action: ActionMute,
			reason: "target protected",
		},
		{
			name:   "no self strike",
			actor:  Subject{ID: 20},
			target: Subject{ID: 20},
			action: ActionStrike,
			reason: "self-action forbidden",
		},
		{
			name:   "self inspect allowed",
			actor:  Subject{ID: 10},
			target: Subject{ID: 10},
			action: ActionInspect,
			allow:  true,
		},
		{
			name:   "anyone may open own appeal",
			actor:  Subject{ID: 1},
			target: Subject{ID: 1},
			action: ActionAppealOpen,
			allow:  true,
		},
		{
			name:   "unknown action needs admin",
			actor:  Subject{ID: 20},
			target: Subject{ID: 1},
			action: Action("frobnicate"),
			reason: "insufficient authority",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			decision := Resolve(tc.actor, tc.target, tc.action, snapshot)
			if decision.Allowed != tc.allow {
				t.Fatalf("allowed = %v, want %v (reason %q)", decision.Allowed, tc.allow, decision.Reason)
			}
			if !tc.allow && decision.Reason != tc.reason {
				t.Fatalf("reason = %q, want %q", decision.Reason, tc.reason)
			}
		})
	}
}

func TestResolveIsPure(t *testing.T) {
	t.Parallel()

	snapshot := snapshotFixture()
	actor := Subject{ID: 20}
	target := Subject{ID: 1}

	first := Resolve(actor, target, ActionJail, snapshot)
	for i := 0; i < 100; i++ {
		if got := Resolve(actor, target, ActionJail, snapshot); got != first {
			t.Fatalf("resolve is not deterministic: %+v != %+v", got, first)
		}
	}
}

func TestTierOfTakesMaxOfUserAndRoles(t *testing.T) {
	t.Parallel()

	snapshot := snapshotFixture()
	subject := Subject{ID: 10, Roles: []int64{100}}
	if got := snapshot.TierOf(subject); got != TierModerator {
		t.Fatalf("tier = %d, want %d", got, TierModerator)
	}
}
