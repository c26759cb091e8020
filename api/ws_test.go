package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/escrow-engine/escrow"
)

func dialFeed(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/transactions?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFeed(t *testing.T, conn *websocket.Conn) FeedMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg FeedMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestFeed_UserSeesOwnActivityOnly(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	adminTok := s.token("root", escrow.RoleAdmin)

	// GIVEN: a buyer subscribed to the feed
	conn := dialFeed(t, srv, s.token("buyer", escrow.RoleBuyer))
	require.Eventually(t, func() bool { return s.feed.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	// WHEN: someone else is credited, then the buyer
	s.credit(adminTok, "stranger", "1.00")
	s.credit(adminTok, "buyer", "2.50")

	// THEN: only the buyer's credit arrives
	msg := readFeed(t, conn)
	assert.Equal(t, "transaction", msg.Kind)
	require.NotNil(t, msg.Transaction)
	assert.Equal(t, escrow.UserAccount("buyer"), msg.Transaction.To)
	assert.Equal(t, "2.50", msg.Transaction.Amount.String())
}

func TestFeed_AdminSeesEverything(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	adminTok := s.token("root", escrow.RoleAdmin)

	conn := dialFeed(t, srv, adminTok)
	require.Eventually(t, func() bool { return s.feed.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.credit(adminTok, "stranger", "1.00")
	require.Equal(t, 200, s.do("POST", "/api/admin/wallets/stranger/freeze", adminTok, nil, nil))

	first := readFeed(t, conn)
	assert.Equal(t, "transaction", first.Kind)
	second := readFeed(t, conn)
	assert.Equal(t, "wallet_state", second.Kind)
	assert.Equal(t, escrow.UserID("stranger"), second.UserID)
	assert.Equal(t, escrow.WalletFrozen, second.State)
}

func TestFeed_RejectsMissingToken(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/transactions"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}
