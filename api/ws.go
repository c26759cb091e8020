package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/warp/escrow-engine/auth"
	"github.com/warp/escrow-engine/escrow"
)

const (
	feedBuffer   = 64
	writeTimeout = 10 * time.Second
)

// FeedMessage is one frame on /ws/transactions.
type FeedMessage struct {
	Kind        string              `json:"kind"`
	Transaction *escrow.Transaction `json:"transaction,omitempty"`
	UserID      escrow.UserID       `json:"user_id,omitempty"`
	State       escrow.WalletState  `json:"state,omitempty"`
}

type feedClient struct {
	claims *escrow.Claims
	conn   *websocket.Conn
	send   chan []byte
}

// sees reports whether the client may see activity touching userIDs.
func (c *feedClient) sees(userIDs ...escrow.UserID) bool {
	if c.claims.IsAdmin() {
		return true
	}
	for _, id := range userIDs {
		if id == c.claims.UserID {
			return true
		}
	}
	return false
}

// Feed pushes committed ledger activity to websocket clients. Users see their
// own wallet's activity; admins see everything. A client that cannot keep up
// is disconnected rather than slowing the ledger down.
type Feed struct {
	escrow.NopObserver

	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*feedClient]struct{}
}

func NewFeed(logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*feedClient]struct{}),
	}
}

// ServeHTTP upgrades an authenticated request and streams until the client leaves.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token", nil)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &feedClient{claims: claims, conn: conn, send: make(chan []byte, feedBuffer)}
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()

	go f.writeLoop(c)

	// Reads only detect disconnection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	f.remove(c)
}

func (f *Feed) writeLoop(c *feedClient) {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			f.remove(c)
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (f *Feed) remove(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
}

// Clients is the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Close disconnects every client.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		delete(f.clients, c)
		close(c.send)
	}
}

func (f *Feed) broadcast(msg FeedMessage, userIDs ...escrow.UserID) {
	data, err := json.Marshal(msg)
	if err != nil {
		f.logger.Error("failed to marshal feed message", zap.Error(err))
		return
	}

	var slow []*feedClient
	f.mu.RLock()
	for c := range f.clients {
		if !c.sees(userIDs...) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	f.mu.RUnlock()

	for _, c := range slow {
		f.logger.Warn("dropping slow feed client", zap.String("user_id", string(c.claims.UserID)))
		f.remove(c)
	}
}

func (f *Feed) TransactionCommitted(_ context.Context, tx escrow.Transaction) {
	var ids []escrow.UserID
	for _, acct := range []escrow.AccountID{tx.From, tx.To} {
		if acct.IsUser() {
			ids = append(ids, escrow.UserID(acct))
		}
	}
	f.broadcast(FeedMessage{Kind: "transaction", Transaction: &tx}, ids...)
}

func (f *Feed) WalletStateChanged(_ context.Context, userID escrow.UserID, _, to escrow.WalletState) {
	f.broadcast(FeedMessage{Kind: "wallet_state", UserID: userID, State: to}, userID)
}
