package bridge

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/matrix-bridges/matrix-rocketchat/internal/database"
	"github.com/matrix-bridges/matrix-rocketchat/internal/matrix"
)

// VirtualUserRegistry owns the mapping from Rocket.Chat users to virtual
// Matrix users. Virtual user ids are deterministic, so registration is
// idempotent: a rolled-back transaction can safely be retried.
type VirtualUserRegistry struct {
	log    *slog.Logger
	matrix matrix.Client
	rooms  *RoomModel
}

// NewVirtualUserRegistry creates a registry for the given namespace.
func NewVirtualUserRegistry(log *slog.Logger, mtx matrix.Client, rooms *RoomModel) *VirtualUserRegistry {
	return &VirtualUserRegistry{log: log, matrix: mtx, rooms: rooms}
}

// FindOrRegister resolves the virtual Matrix user for a Rocket.Chat user,
// registering it with the homeserver and persisting the relation on first
// sight. When the Rocket.Chat username changed since the last message, the
// virtual user's display name follows it; a display-name failure is logged
// and tolerated so that message delivery never depends on it.
func (r *VirtualUserRegistry) FindOrRegister(ctx context.Context, stores database.Stores, serverID, rocketchatUserID, username string) (string, error) {
	virtualUserID := r.rooms.VirtualUserID(serverID, rocketchatUserID)

	relation, err := stores.UsersOnServer.Get(ctx, virtualUserID, serverID)
	if err != nil {
		return "", err
	}

	if relation == nil {
		localpart := r.rooms.VirtualUserLocalpart(serverID, rocketchatUserID)
		if err := r.matrix.RegisterVirtualUser(ctx, localpart); err != nil {
			return "", fmt.Errorf("register virtual user: %w", err)
		}
		relation = &database.UserOnRocketchatServer{
			MatrixUserID:       virtualUserID,
			RocketchatServerID: serverID,
			IsVirtualUser:      true,
			RocketchatUserID:   sql.NullString{String: rocketchatUserID, Valid: true},
			RocketchatUsername: sql.NullString{String: username, Valid: true},
		}
		if err := stores.UsersOnServer.Upsert(ctx, relation); err != nil {
			return "", err
		}
		if err := r.matrix.SetDisplayName(ctx, virtualUserID, username); err != nil {
			r.log.Warn("setting virtual user display name failed",
				"virtual_user", virtualUserID, "display_name", username, "error", err)
		}
		r.log.Info("registered virtual user",
			"virtual_user", virtualUserID, "rocketchat_user_id", rocketchatUserID, "server_id", serverID)
		return virtualUserID, nil
	}

	if relation.RocketchatUsername.String != username {
		if err := r.matrix.SetDisplayName(ctx, virtualUserID, username); err != nil {
			r.log.Warn("renaming virtual user failed",
				"virtual_user", virtualUserID, "display_name", username, "error", err)
			return virtualUserID, nil
		}
		if err := stores.UsersOnServer.SetUsername(ctx, virtualUserID, serverID, username); err != nil {
			return "", err
		}
	}

	return virtualUserID, nil
}

// AddToRoom invites a virtual user into a room as the bot and joins it.
// Adding a user that is already a member is a no-op.
func (r *VirtualUserRegistry) AddToRoom(ctx context.Context, virtualUserID, botUserID, roomID string) error {
	members, err := r.matrix.GetRoomMembers(ctx, roomID)
	if err != nil {
		return err
	}
	for _, member := range members {
		if member == virtualUserID {
			return nil
		}
	}

	if err := r.matrix.Invite(ctx, roomID, virtualUserID, botUserID); err != nil {
		return fmt.Errorf("invite virtual user %s: %w", virtualUserID, err)
	}
	if err := r.matrix.Join(ctx, roomID, virtualUserID); err != nil {
		return fmt.Errorf("join virtual user %s: %w", virtualUserID, err)
	}
	return nil
}
