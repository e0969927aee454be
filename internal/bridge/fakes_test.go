package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/matrix-bridges/matrix-rocketchat/internal/config"
	"github.com/matrix-bridges/matrix-rocketchat/internal/database"
	"github.com/matrix-bridges/matrix-rocketchat/internal/rocketchat"
)

// fakeMatrix is an in-memory implementation of the Matrix client contract.
type fakeMatrix struct {
	mu     sync.Mutex
	domain string

	members      map[string][]string // room id -> member ids
	aliases      map[string]string   // alias -> room id
	canonical    map[string]string   // room id -> canonical alias
	topics       map[string]string
	names        map[string]string
	creators     map[string]string
	displayNames map[string]string
	powerLevels  map[string]string // room id -> bridge user granted 50

	registered  []string
	left        []string
	forgotten   []string
	messages    []fakeMessage
	typingCalls []fakeTyping
	nextRoom    int

	failDisplayName     bool
	setDisplayNameCalls int
}

type fakeMessage struct {
	RoomID string
	Sender string
	Body   string
}

type fakeTyping struct {
	RoomID string
	UserID string
	Typing bool
}

func newFakeMatrix(domain string) *fakeMatrix {
	return &fakeMatrix{
		domain:       domain,
		members:      make(map[string][]string),
		aliases:      make(map[string]string),
		canonical:    make(map[string]string),
		topics:       make(map[string]string),
		names:        make(map[string]string),
		creators:     make(map[string]string),
		displayNames: make(map[string]string),
		powerLevels:  make(map[string]string),
	}
}

// addRoom seeds a room with members and an optional alias.
func (f *fakeMatrix) addRoom(roomID, alias string, members ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[roomID] = append([]string{}, members...)
	if alias != "" {
		f.aliases[alias] = roomID
		f.canonical[roomID] = alias
	}
}

func (f *fakeMatrix) CreateRoom(ctx context.Context, name, aliasLocalpart, creatorID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRoom++
	roomID := fmt.Sprintf("!room%d:%s", f.nextRoom, f.domain)
	f.members[roomID] = []string{creatorID}
	f.creators[roomID] = creatorID
	f.names[roomID] = name
	if aliasLocalpart != "" {
		f.aliases["#"+aliasLocalpart+":"+f.domain] = roomID
	}
	return roomID, nil
}

func (f *fakeMatrix) SetDefaultPowerLevels(ctx context.Context, roomID, botUserID, bridgeUserID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerLevels[roomID] = bridgeUserID
	return nil
}

func (f *fakeMatrix) Invite(ctx context.Context, roomID, userID, inviterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !containsString(f.members[roomID], userID) {
		f.members[roomID] = append(f.members[roomID], userID)
	}
	return nil
}

func (f *fakeMatrix) Join(ctx context.Context, roomID, userID string) error {
	return f.Invite(ctx, roomID, userID, userID)
}

func (f *fakeMatrix) LeaveRoom(ctx context.Context, roomID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var remaining []string
	for _, member := range f.members[roomID] {
		if member != userID {
			remaining = append(remaining, member)
		}
	}
	f.members[roomID] = remaining
	f.left = append(f.left, roomID)
	return nil
}

func (f *fakeMatrix) ForgetRoom(ctx context.Context, roomID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, roomID)
	return nil
}

func (f *fakeMatrix) PutCanonicalRoomAlias(ctx context.Context, roomID, alias string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if alias == "" {
		delete(f.canonical, roomID)
		return nil
	}
	f.canonical[roomID] = alias
	return nil
}

func (f *fakeMatrix) GetRoomCanonicalAlias(ctx context.Context, roomID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canonical[roomID], nil
}

func (f *fakeMatrix) DeleteRoomAlias(ctx context.Context, alias string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.aliases, alias)
	return nil
}

func (f *fakeMatrix) ResolveAlias(ctx context.Context, alias string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aliases[alias], nil
}

func (f *fakeMatrix) SetRoomTopic(ctx context.Context, roomID, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics[roomID] = topic
	return nil
}

func (f *fakeMatrix) GetRoomTopic(ctx context.Context, roomID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topics[roomID], nil
}

func (f *fakeMatrix) SetRoomName(ctx context.Context, roomID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names[roomID] = name
	return nil
}

func (f *fakeMatrix) SendTextMessage(ctx context.Context, roomID, senderID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, fakeMessage{RoomID: roomID, Sender: senderID, Body: body})
	return nil
}

func (f *fakeMatrix) GetRoomCreator(ctx context.Context, roomID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creators[roomID], nil
}

func (f *fakeMatrix) GetRoomMembers(ctx context.Context, roomID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.members[roomID]...), nil
}

func (f *fakeMatrix) SetDisplayName(ctx context.Context, userID, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setDisplayNameCalls++
	if f.failDisplayName {
		return fmt.Errorf("display name rejected")
	}
	f.displayNames[userID] = displayName
	return nil
}

func (f *fakeMatrix) RegisterVirtualUser(ctx context.Context, localpart string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, localpart)
	return nil
}

func (f *fakeMatrix) SetTyping(ctx context.Context, roomID, userID string, typing bool, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingCalls = append(f.typingCalls, fakeTyping{RoomID: roomID, UserID: userID, Typing: typing})
	return nil
}

func (f *fakeMatrix) lastMessage() *fakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return nil
	}
	return &f.messages[len(f.messages)-1]
}

// fakeRocketchat is an in-memory implementation of the Rocket.Chat API
// contract. WithCredentials copies share the recorded posts.
type fakeRocketchat struct {
	channels []rocketchat.Channel
	dms      []rocketchat.Channel
	users    map[string]rocketchat.User // by username

	loginUserID    string
	loginAuthToken string
	loginErr       error

	gotLoginUsername *string
	gotLoginPassword *string

	credUserID string
	credToken  string

	posted *[]fakePost
}

type fakePost struct {
	ChannelID string
	Text      string
	UserID    string
}

func newFakeRocketchat() *fakeRocketchat {
	return &fakeRocketchat{
		users:            make(map[string]rocketchat.User),
		posted:           &[]fakePost{},
		gotLoginUsername: new(string),
		gotLoginPassword: new(string),
	}
}

func (f *fakeRocketchat) WithCredentials(userID, authToken string) rocketchat.API {
	authorized := *f
	authorized.credUserID = userID
	authorized.credToken = authToken
	return &authorized
}

func (f *fakeRocketchat) Login(ctx context.Context, username, password string) (string, string, error) {
	*f.gotLoginUsername = username
	*f.gotLoginPassword = password
	if f.loginErr != nil {
		return "", "", f.loginErr
	}
	return f.loginUserID, f.loginAuthToken, nil
}

func (f *fakeRocketchat) ChannelsList(ctx context.Context) ([]rocketchat.Channel, error) {
	return f.channels, nil
}

func (f *fakeRocketchat) DirectMessagesList(ctx context.Context) ([]rocketchat.Channel, error) {
	return f.dms, nil
}

func (f *fakeRocketchat) UsersInfo(ctx context.Context, username string) (rocketchat.User, error) {
	user, ok := f.users[username]
	if !ok {
		return rocketchat.User{}, fmt.Errorf("user %s not found", username)
	}
	return user, nil
}

func (f *fakeRocketchat) PostChatMessage(ctx context.Context, channelID, text string) error {
	*f.posted = append(*f.posted, fakePost{ChannelID: channelID, Text: text, UserID: f.credUserID})
	return nil
}

// testEnv wires the handlers over fakes and a sqlmock-backed store.
type testEnv struct {
	svc      *Services
	matrix   *fakeMatrix
	rc       *fakeRocketchat
	mock     sqlmock.Sqlmock
	commands *CommandHandler
	rooms    *RoomHandler
	messages *MessageHandler
	webhook  *WebhookHandler
	dispatch *EventDispatcher
}

const (
	testDomain = "example.org"
	testBot    = "@rocketchat:" + testDomain
	testUser   = "@alice:" + testDomain
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.Homeserver.Address = "https://matrix." + testDomain
	cfg.Homeserver.Domain = testDomain
	cfg.AppService.Address = "http://localhost:29310"
	cfg.AppService.SenderLocalpart = "rocketchat"
	cfg.AppService.ASToken = "as-secret"
	cfg.AppService.HSToken = "hs-secret"
	cfg.Bridge.MaxRocketchatServerIDLength = 16
	cfg.Bridge.DefaultLanguage = "en"
	cfg.Bridge.HTTPTimeoutSeconds = 5
	cfg.Bridge.LoopSuppressionWindowSeconds = 5

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mtx := newFakeMatrix(testDomain)
	rc := newFakeRocketchat()

	roomModel := NewRoomModel(cfg.AppService.SenderLocalpart, testDomain, testBot, mtx)
	svc := &Services{
		Config: cfg,
		Log:    log,
		DB:     database.FromDB(db),
		Matrix: mtx,
		Rocketchat: func(ctx context.Context, baseURL string) (rocketchat.API, error) {
			return rc, nil
		},
		Rooms:        roomModel,
		VirtualUsers: NewVirtualUserRegistry(log, mtx, roomModel),
	}

	env := &testEnv{svc: svc, matrix: mtx, rc: rc, mock: mock}
	env.commands = NewCommandHandler(svc)
	env.rooms = NewRoomHandler(svc, env.commands)
	env.messages = NewMessageHandler(svc, env.commands)
	env.webhook = NewWebhookHandler(svc)
	env.dispatch = NewEventDispatcher(svc, env.rooms, env.messages)
	return env
}

var (
	userRowColumns   = []string{"matrix_user_id", "language", "last_message_sent", "created_at", "updated_at"}
	serverRowColumns = []string{"id", "rocketchat_url", "rocketchat_token", "created_at", "updated_at"}
	relationRowCols  = []string{"matrix_user_id", "rocketchat_server_id", "is_virtual_user",
		"rocketchat_user_id", "rocketchat_auth_token", "rocketchat_username", "created_at", "updated_at"}
)

func (e *testEnv) expectNoUser(matrixUserID string) {
	e.mock.ExpectQuery(`(?s)SELECT .+ FROM users WHERE matrix_user_id`).
		WithArgs(matrixUserID).
		WillReturnRows(sqlmock.NewRows(userRowColumns))
}

func (e *testEnv) expectUser(matrixUserID, language string, lastMessageSent int64) {
	now := time.Now()
	e.mock.ExpectQuery(`(?s)SELECT .+ FROM users WHERE matrix_user_id`).
		WithArgs(matrixUserID).
		WillReturnRows(sqlmock.NewRows(userRowColumns).
			AddRow(matrixUserID, language, lastMessageSent, now, now))
}

func (e *testEnv) expectNoServerByURL(url string) {
	e.mock.ExpectQuery(`(?s)SELECT .+ FROM rocketchat_servers WHERE rocketchat_url`).
		WithArgs(url).
		WillReturnRows(sqlmock.NewRows(serverRowColumns))
}

func (e *testEnv) expectServerByURL(id, url, token string) {
	now := time.Now()
	e.mock.ExpectQuery(`(?s)SELECT .+ FROM rocketchat_servers WHERE rocketchat_url`).
		WithArgs(url).
		WillReturnRows(sqlmock.NewRows(serverRowColumns).AddRow(id, url, token, now, now))
}

func (e *testEnv) expectServerByToken(id, url, token string) {
	now := time.Now()
	e.mock.ExpectQuery(`(?s)SELECT .+ FROM rocketchat_servers WHERE rocketchat_token`).
		WithArgs(token).
		WillReturnRows(sqlmock.NewRows(serverRowColumns).AddRow(id, url, token, now, now))
}

func (e *testEnv) expectNoServerByToken(token string) {
	e.mock.ExpectQuery(`(?s)SELECT .+ FROM rocketchat_servers WHERE rocketchat_token`).
		WithArgs(token).
		WillReturnRows(sqlmock.NewRows(serverRowColumns))
}

func (e *testEnv) expectNoServerByID(id string) {
	e.mock.ExpectQuery(`(?s)SELECT .+ FROM rocketchat_servers WHERE id`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(serverRowColumns))
}

func (e *testEnv) expectNoRelation(matrixUserID, serverID string) {
	e.mock.ExpectQuery(`(?s)SELECT .+ FROM users_on_rocketchat_servers\s+WHERE matrix_user_id`).
		WithArgs(matrixUserID, serverID).
		WillReturnRows(sqlmock.NewRows(relationRowCols))
}

func (e *testEnv) expectRelation(matrixUserID, serverID string, isVirtual bool, rcUserID, authToken, username interface{}) {
	now := time.Now()
	e.mock.ExpectQuery(`(?s)SELECT .+ FROM users_on_rocketchat_servers\s+WHERE matrix_user_id`).
		WithArgs(matrixUserID, serverID).
		WillReturnRows(sqlmock.NewRows(relationRowCols).
			AddRow(matrixUserID, serverID, isVirtual, rcUserID, authToken, username, now, now))
}

func (e *testEnv) expectNoRelationByRocketchatUserID(serverID, rcUserID string, isVirtual bool) {
	e.mock.ExpectQuery(`(?s)SELECT .+ FROM users_on_rocketchat_servers\s+WHERE rocketchat_server_id`).
		WithArgs(serverID, rcUserID, isVirtual).
		WillReturnRows(sqlmock.NewRows(relationRowCols))
}

func (e *testEnv) expectRelationByRocketchatUserID(matrixUserID, serverID string, isVirtual bool, rcUserID, username string) {
	now := time.Now()
	e.mock.ExpectQuery(`(?s)SELECT .+ FROM users_on_rocketchat_servers\s+WHERE rocketchat_server_id`).
		WithArgs(serverID, rcUserID, isVirtual).
		WillReturnRows(sqlmock.NewRows(relationRowCols).
			AddRow(matrixUserID, serverID, isVirtual, rcUserID, nil, username, now, now))
}

func (e *testEnv) expectConnectedServers(rows ...[2]string) {
	result := sqlmock.NewRows(serverRowColumns)
	now := time.Now()
	for i, row := range rows {
		result.AddRow(row[0], row[1], fmt.Sprintf("tok%d", i+1), now, now)
	}
	e.mock.ExpectQuery(`(?s)SELECT .+ FROM rocketchat_servers WHERE rocketchat_token IS NOT NULL`).
		WillReturnRows(result)
}

func (e *testEnv) expectRelationUpsert() {
	e.mock.ExpectExec(`(?s)INSERT INTO users_on_rocketchat_servers`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func (e *testEnv) expectUserUpsert() {
	e.mock.ExpectExec(`(?s)INSERT INTO users \(matrix_user_id, language`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func (e *testEnv) expectTouchLastMessageSent(matrixUserID string) {
	e.mock.ExpectExec(`(?s)INSERT INTO users \(matrix_user_id, last_message_sent`).
		WithArgs(matrixUserID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func (e *testEnv) expectSetUsername(matrixUserID, serverID, username string) {
	e.mock.ExpectExec(`(?s)UPDATE users_on_rocketchat_servers SET rocketchat_username`).
		WithArgs(matrixUserID, serverID, username).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func (e *testEnv) expectServerInsert() {
	e.mock.ExpectExec(`(?s)INSERT INTO rocketchat_servers`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func textEvent(roomID, sender, body string) *MatrixEvent {
	return &MatrixEvent{
		ID:     "$evt:" + testDomain,
		Type:   "m.room.message",
		RoomID: roomID,
		Sender: sender,
		Content: map[string]interface{}{
			"msgtype": "m.text",
			"body":    body,
		},
	}
}

func memberEvent(roomID, sender, stateKey, membership string) *MatrixEvent {
	return &MatrixEvent{
		ID:       "$member:" + testDomain,
		Type:     "m.room.member",
		RoomID:   roomID,
		Sender:   sender,
		StateKey: &stateKey,
		Content:  map[string]interface{}{"membership": membership},
	}
}
