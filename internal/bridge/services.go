package bridge

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/matrix-bridges/matrix-rocketchat/internal/config"
	"github.com/matrix-bridges/matrix-rocketchat/internal/database"
	"github.com/matrix-bridges/matrix-rocketchat/internal/matrix"
	"github.com/matrix-bridges/matrix-rocketchat/internal/rocketchat"
)

// RocketchatClientFactory creates a Rocket.Chat client for a server URL,
// validating reachability and API version. Tests inject fakes here.
type RocketchatClientFactory func(ctx context.Context, baseURL string) (rocketchat.API, error)

// Services is the dependency record handed to every handler at startup.
// Handlers own no long-lived references beyond it.
type Services struct {
	Config       *config.Config
	Log          *slog.Logger
	DB           *database.Database
	Matrix       matrix.Client
	Rocketchat   RocketchatClientFactory
	Rooms        *RoomModel
	VirtualUsers *VirtualUserRegistry
	Typing       *TypingRelay // nil when the realtime link is disabled
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// userLanguage resolves the preferred language of a Matrix user, falling back
// to the configured default.
func (s *Services) userLanguage(ctx context.Context, stores database.Stores, matrixUserID string) string {
	user, err := stores.Users.Get(ctx, matrixUserID)
	if err != nil || user == nil {
		return s.Config.Bridge.DefaultLanguage
	}
	return user.Language
}
