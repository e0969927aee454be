package bridge

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newASTestEnv(t *testing.T) (*testEnv, *httptest.Server) {
	t.Helper()
	env := newTestEnv(t)
	handler := NewASHandler(env.svc, env.dispatch, env.webhook)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return env, srv
}

func doRequest(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestTransactionRequiresToken(t *testing.T) {
	_, srv := newASTestEnv(t)

	resp := doRequest(t, http.MethodPut, srv.URL+"/transactions/1", "", `{"events":[]}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTransactionRejectsWrongToken(t *testing.T) {
	_, srv := newASTestEnv(t)

	resp := doRequest(t, http.MethodPut, srv.URL+"/transactions/1", "wrong", `{"events":[]}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTransactionAcceptsQueryToken(t *testing.T) {
	_, srv := newASTestEnv(t)

	resp := doRequest(t, http.MethodPut,
		srv.URL+"/transactions/1?access_token=hs-secret", "", `{"events":[]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTransactionRejectsBadJSON(t *testing.T) {
	_, srv := newASTestEnv(t)

	resp := doRequest(t, http.MethodPut, srv.URL+"/transactions/1", "hs-secret", `{"events":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTransactionReturnsOKDespiteEventFailure(t *testing.T) {
	env, srv := newASTestEnv(t)
	env.matrix.addRoom(adminRoom, "", testBot, testUser)

	// The login command fails because the room is not connected; the error is
	// posted back into the room, the transaction still succeeds.
	env.mock.ExpectBegin()
	env.mock.ExpectRollback()
	env.expectNoUser(testUser)

	body := `{"events":[{"event_id":"$1","type":"m.room.message","room_id":"` + adminRoom +
		`","sender":"` + testUser + `","content":{"msgtype":"m.text","body":"login alice secret"}}]}`
	resp := doRequest(t, http.MethodPut, srv.URL+"/transactions/1", "hs-secret", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	msg := env.matrix.lastMessage()
	require.NotNil(t, msg)
	assert.Contains(t, msg.Body, "not connected to a Rocket.Chat server")
}

func TestMatrixPrefixedTransactionRoute(t *testing.T) {
	_, srv := newASTestEnv(t)

	resp := doRequest(t, http.MethodPut,
		srv.URL+"/_matrix/app/v1/transactions/1", "hs-secret", `{"events":[]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhookEndpointStatuses(t *testing.T) {
	env, srv := newASTestEnv(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/rocketchat", "", `not json`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = doRequest(t, http.MethodPost, srv.URL+"/rocketchat", "", `{"text":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	env.mock.ExpectBegin()
	env.expectNoServerByToken("bogus")
	env.mock.ExpectRollback()
	resp = doRequest(t, http.MethodPost, srv.URL+"/rocketchat", "",
		`{"token":"bogus","channel_id":"c1","channel_name":"general","user_id":"u1","user_name":"bob","text":"hi"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUserQuery(t *testing.T) {
	_, srv := newASTestEnv(t)

	virtual := url.PathEscape("@rocketchat_uid1_srv1:example.org")
	resp := doRequest(t, http.MethodGet, srv.URL+"/users/"+virtual, "hs-secret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	human := url.PathEscape("@alice:example.org")
	resp = doRequest(t, http.MethodGet, srv.URL+"/users/"+human, "hs-secret", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoomQuery(t *testing.T) {
	env, srv := newASTestEnv(t)

	env.mock.ExpectBegin()
	env.expectConnectedServers([2]string{serverID, serverURL})
	env.mock.ExpectCommit()

	alias := url.PathEscape("#rocketchat_srv1_c1:example.org")
	resp := doRequest(t, http.MethodGet, srv.URL+"/rooms/"+alias, "hs-secret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Aliases outside the namespace are rejected without touching the store.
	foreign := url.PathEscape("#general:example.org")
	resp = doRequest(t, http.MethodGet, srv.URL+"/rooms/"+foreign, "hs-secret", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// In the namespace but pointing at no known server.
	env.mock.ExpectBegin()
	env.expectConnectedServers([2]string{serverID, serverURL})
	env.mock.ExpectCommit()

	unknown := url.PathEscape("#rocketchat_other_c1:example.org")
	resp = doRequest(t, http.MethodGet, srv.URL+"/rooms/"+unknown, "hs-secret", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	_, srv := newASTestEnv(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
