package authority

// Action is the permission-relevant kind of an inbound moderation request.
type Action string

const (
	ActionWarn       Action = "warn"
	ActionNote       Action = "note"
	ActionStrike     Action = "strike"
	ActionMute       Action = "mute"
	ActionUnmute     Action = "unmute"
	ActionJail       Action = "jail"
	ActionUnjail     Action = "unjail"
	ActionClear      Action = "clear"
	ActionInspect    Action = "inspect"
	ActionReview     Action = "review"     // appeal accept/deny
	ActionConfigure  Action = "configure"  // staff roles, log channel
	ActionSafelist   Action = "safelist"   // safelist add/remove
	ActionAppealOpen Action = "appeal_open"
)

// Staff tiers, lowest to highest.
const (
	TierNone      = 0
	TierHelper    = 1
	TierModerator = 2
	TierAdmin     = 3
)

var minTiers = map[Action]int{
	ActionWarn:       TierHelper,
	ActionNote:       TierHelper,
	ActionMute:       TierHelper,
	ActionUnmute:     TierHelper,
	ActionInspect:    TierHelper,
	ActionStrike:     TierModerator,
	ActionJail:       TierModerator,
	ActionUnjail:     TierModerator,
	ActionClear:      TierModerator,
	ActionReview:     TierModerator,
	ActionConfigure:  TierAdmin,
	ActionSafelist:   TierAdmin,
	ActionAppealOpen: TierNone,
}

// MinTier returns the staff tier required to perform action. Unknown actions
// require the highest tier, never the lowest.
func MinTier(action Action) int {
	if tier, ok := minTiers[action]; ok {
		return tier
	}
	return TierAdmin
}

// SelfAllowed reports whether action may target the actor themself.
func SelfAllowed(action Action) bool {
	switch action {
	case ActionAppealOpen, ActionInspect:
		return true
	}
	return false
}

type Subject struct {
	ID    int64
	Roles []int64
}

// Snapshot is an immutable view of a chat's authority configuration, built
// per decision by the configuration collaborator. The resolver never reads
// ambient state.
type Snapshot struct {
	StaffUserTiers  map[int64]int
	StaffRoleTiers  map[int64]int
	SafelistedUsers map[int64]struct{}
	SafelistedRoles map[int64]struct{}
}

func (s Snapshot) TierOf(subject Subject) int {
	tier := s.StaffUserTiers[subject.ID]
	for _, role := range subject.Roles {
		if roleTier := s.StaffRoleTiers[role]; roleTier > tier {
			tier = roleTier
		}
	}
	return tier
}

func (s Snapshot) Safelisted(subject Subject) bool {
	if _, ok := s.SafelistedUsers[subject.ID]; ok {
		return true
	}
	for _, role := range subject.Roles {
		if _, ok := s.SafelistedRoles[role]; ok {
			return true
		}
	}
	return false
}

type Decision struct {
	Allowed bool
	Reason  string
}

var allow = Decision{Allowed: true}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Resolve decides whether actor may perform action on target under the given
// snapshot. Pure function; rules evaluated in order, first match wins.
func Resolve(actor, target Subject, action Action, snapshot Snapshot) Decision {
	if snapshot.Safelisted(target) {
		return deny("target protected")
	}
	if snapshot.TierOf(actor) < MinTier(action) {
		return deny("insufficient authority")
	}
	if actor.ID == target.ID && !SelfAllowed(action) {
		return deny("self-action forbidden")
	}
	return allow
}
