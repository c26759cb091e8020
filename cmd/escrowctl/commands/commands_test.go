package commands

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/escrow-engine/api"
	"github.com/warp/escrow-engine/auth"
	"github.com/warp/escrow-engine/escrow"
	"github.com/warp/escrow-engine/escrow/store"
)

const testSecret = "cli-test-secret"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	ledger := escrow.NewWalletLedger(store.NewMemory())
	tokens := auth.NewTokenService(testSecret, "escrow-engine", time.Hour)
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(ledger, nil), api.RouterConfig{Tokens: tokens}))
	t.Cleanup(srv.Close)
	return srv
}

// run executes escrowctl with args and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func issue(t *testing.T, user, role string) string {
	t.Helper()
	out, err := run(t, "token", user, "--role", role, "--secret", testSecret)
	require.NoError(t, err)
	return strings.TrimSpace(out)
}

func TestToken_RequiresSecret(t *testing.T) {
	t.Setenv("ESCROW_JWT_SECRET", "")
	_, err := run(t, "token", "alice")
	assert.ErrorContains(t, err, "secret")
}

func TestToken_IssuesVerifiableToken(t *testing.T) {
	tok := issue(t, "alice", "seller")

	claims, err := auth.NewTokenService(testSecret, "escrow-engine", time.Hour).Verify(tok)

	require.NoError(t, err)
	assert.Equal(t, escrow.UserID("alice"), claims.UserID)
	assert.Equal(t, escrow.RoleSeller, claims.Role)
}

func TestCLI_CreditFreezeAndBalance(t *testing.T) {
	srv := newServer(t)
	admin := issue(t, "root", "admin")
	buyer := issue(t, "buyer", "buyer")

	// GIVEN: an admin credits the buyer
	out, err := run(t, "--server", srv.URL, "--token", admin, "credit", "buyer", "42.50")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))

	// WHEN: the buyer checks their own balance
	out, err = run(t, "--server", srv.URL, "--token", buyer, "balance")
	require.NoError(t, err)

	// THEN
	var b escrow.Balance
	require.NoError(t, json.Unmarshal([]byte(out), &b))
	assert.Equal(t, "42.50", b.Available.String())
	assert.Equal(t, escrow.WalletActive, b.State)

	out, err = run(t, "--server", srv.URL, "--token", admin, "freeze", "buyer")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &b))
	assert.Equal(t, escrow.WalletFrozen, b.State)

	out, err = run(t, "--server", srv.URL, "--token", admin, "history", "buyer", "--limit", "5")
	require.NoError(t, err)
	var txs []escrow.Transaction
	require.NoError(t, json.Unmarshal([]byte(out), &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, escrow.TxWalletCredit, txs[0].Type)
}

func TestCLI_ReportsServerErrors(t *testing.T) {
	srv := newServer(t)
	buyer := issue(t, "buyer", "buyer")

	_, err := run(t, "--server", srv.URL, "--token", buyer, "credit", "buyer", "10")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.Status)
	assert.Equal(t, "unauthorized", apiErr.Code)
}

func TestCLI_RejectsBadAmountLocally(t *testing.T) {
	_, err := run(t, "--server", "http://127.0.0.1:1", "credit", "buyer", "1.005")
	assert.ErrorIs(t, err, escrow.ErrInvalidAmount)
}

func TestCLI_ScenarioAndReconcile(t *testing.T) {
	srv := newServer(t)
	admin := issue(t, "root", "admin")

	_, err := run(t, "--server", srv.URL, "--token", admin, "scenarios", "load", "happy-path")
	require.NoError(t, err)

	out, err := run(t, "--server", srv.URL, "--token", admin, "reconcile")
	require.NoError(t, err)
	var report escrow.ReconciliationReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Healthy())
	assert.Equal(t, 2, report.Transactions)

	out, err = run(t, "--server", srv.URL, "--token", admin, "scenarios")
	require.NoError(t, err)
	assert.Contains(t, out, "happy-path")
}
