package handlers

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/wardbot/internal/db"
	"github.com/iamwavecut/wardbot/internal/infrastructure/telegram"
	"github.com/iamwavecut/wardbot/internal/policy/authority"
)

// buildSnapshot reads the chat's staff grants and safelist into an immutable
// authority snapshot. Every command builds its own snapshot; nothing is
// cached across requests.
func buildSnapshot(ctx context.Context, client db.Client, chatID int64) (authority.Snapshot, error) {
	snapshot := authority.Snapshot{
		StaffUserTiers:  map[int64]int{},
		StaffRoleTiers:  map[int64]int{},
		SafelistedUsers: map[int64]struct{}{},
		SafelistedRoles: map[int64]struct{}{},
	}

	grants, err := client.ListStaffGrants(ctx, chatID)
	if err != nil {
		return snapshot, errors.WithMessage(err, "cant list staff grants")
	}
	for _, grant := range grants {
		snapshot.StaffUserTiers[grant.UserID] = grant.Tier
	}

	entries, err := client.ListSafelist(ctx, chatID)
	if err != nil {
		return snapshot, errors.WithMessage(err, "cant list safelist")
	}
	for _, entry := range entries {
		switch entry.Type {
		case db.SafelistTargetUser:
			snapshot.SafelistedUsers[entry.TargetID] = struct{}{}
		case db.SafelistTargetRole:
			snapshot.SafelistedRoles[entry.TargetID] = struct{}{}
		}
	}
	return snapshot, nil
}

// boostFromChatMember folds the actor's live Telegram standing into the
// snapshot: the chat creator acts as an admin and admins who can restrict
// members act as moderators, even without an explicit grant.
func boostFromChatMember(ctx context.Context, ops *telegram.Operations, chatID, userID int64, snapshot *authority.Snapshot) {
	member, err := ops.GetChatMember(ctx, chatID, userID)
	if err != nil {
		log.WithField("context", "snapshot").WithError(err).WithField("user_id", userID).
			Warn("cant get chat member, using stored grants only")
		return
	}
	tier := authority.TierNone
	switch {
	case member.IsCreator():
		tier = authority.TierAdmin
	case member.IsAdministrator() && member.CanRestrictMembers:
		tier = authority.TierModerator
	}
	if tier > snapshot.StaffUserTiers[userID] {
		snapshot.StaffUserTiers[userID] = tier
	}
}
