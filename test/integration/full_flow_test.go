package integration

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkgate/linkgate/internal/api"
	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/linking"
	"github.com/linkgate/linkgate/internal/models"
	"github.com/linkgate/linkgate/internal/realtime"
	"github.com/linkgate/linkgate/internal/telegram"
	"github.com/linkgate/linkgate/test/mocks"
)

// TestFullLinkFlow signs in, links over the relay endpoint, uses the bot
// token and finally revokes it.
func TestFullLinkFlow(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.Cleanup()
	createTestAccount(t, ts.Store, "acc-flow", "flow-user")

	conn := &recordingConn{}
	ts.Registry.Register(realtime.AccountKey("acc-flow"), conn)

	cookies := login(t, ts.Engine, "Flow-User")

	w := doRequest(t, ts.Engine, request{method: http.MethodPost, path: "/api/v1/link/code", cookies: cookies})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	code := decodeBody(t, w)["code"].(string)

	w = doRequest(t, ts.Engine, request{
		method:  http.MethodPost,
		path:    "/api/v1/link/redeem",
		body:    api.RedeemRequest{Code: code, ExternalID: 9001, DisplayName: "flow_tg"},
		headers: map[string]string{api.WebhookSecretHeader: testWebhookSecret},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	token := decodeBody(t, w)["token"].(string)

	w = doRequest(t, ts.Engine, request{method: http.MethodGet, path: "/api/v1/me", bearer: token})
	require.Equal(t, http.StatusOK, w.Code)
	me := decodeBody(t, w)
	assert.Equal(t, "acc-flow", me["account_id"])
	binding := me["binding"].(map[string]interface{})
	assert.Equal(t, float64(9001), binding["external_id"])
	assert.NotNil(t, binding["last_seen_at"], "bot token use touches last seen")

	// the bot token channel may not mint codes
	w = doRequest(t, ts.Engine, request{method: http.MethodPost, path: "/api/v1/link/code", bearer: token})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(t, ts.Engine, request{method: http.MethodPost, path: "/api/v1/link/revoke", cookies: cookies})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, ts.Engine, request{method: http.MethodGet, path: "/api/v1/me", bearer: token})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// the session is unaffected by revoking the bot token
	w = doRequest(t, ts.Engine, request{method: http.MethodGet, path: "/api/v1/me", cookies: cookies})
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{models.EventLinkCompleted, models.EventLinkRevoked}, conn.types())
}

// TestConcurrentRedeemSingleWinner double-submits one code over SQLite.
func TestConcurrentRedeemSingleWinner(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.Cleanup()

	gen, err := ts.Linking.Generate(context.Background(), "acc-race")
	require.NoError(t, err)

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan int, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := ts.Linking.Redeem(context.Background(), gen.Code, id, "")
			if err == nil {
				results <- 1
				return
			}
			results <- 0
		}(int64(100 + i))
	}
	wg.Wait()
	close(results)

	wins := 0
	for r := range results {
		wins += r
	}
	assert.Equal(t, 1, wins)
}

// TestBotLinkFlow links through the Telegram bot and checks that the account's
// open streams hear about it.
func TestBotLinkFlow(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.Cleanup()

	conn := &recordingConn{}
	ts.Registry.Register(realtime.AccountKey("acc-bot"), conn)

	mock := mocks.NewMockTelegramBot()
	bot := telegram.NewBot(true, ts.Linking, ts.Tokens, &telegram.BotOptions{
		BotAPI:            mock,
		Gate:              ts.Gate,
		MessagesPerSecond: 1000,
	})
	bot.SetLinkedCallback(func(ctx context.Context, externalID int64, redeemed *linking.Redeemed) {
		_, _ = ts.Registry.Broadcast(realtime.AccountKey(redeemed.AccountID), realtime.LinkCompleted(externalID, ""))
	})
	bot.SetUnlinkedCallback(func(ctx context.Context, externalID int64, binding *models.Binding) {
		_, _ = ts.Registry.Broadcast(realtime.AccountKey(binding.AccountID), realtime.LinkRevoked(externalID))
	})
	require.NoError(t, bot.Start())
	defer bot.Stop()

	gen, err := ts.Linking.Generate(context.Background(), "acc-bot")
	require.NoError(t, err)

	mock.Push(4242, "bot_user", "/start "+strings.ToLower(gen.Code))
	require.Eventually(t, func() bool { return mock.LastToken(4242) != "" }, 5*time.Second, 20*time.Millisecond)
	token := mock.LastToken(4242)

	w := doRequest(t, ts.Engine, request{method: http.MethodGet, path: "/api/v1/me", bearer: token})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acc-bot", decodeBody(t, w)["account_id"])

	// replaying the code is rejected without a new token
	sent := mock.GetSentCount()
	mock.Push(4242, "bot_user", "/link "+gen.Code)
	require.Eventually(t, func() bool { return mock.GetSentCount() > sent }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, token, mock.LastToken(4242))

	mock.Push(4242, "bot_user", "/unlink")
	require.Eventually(t, func() bool {
		return len(conn.types()) == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{models.EventLinkCompleted, models.EventLinkRevoked}, conn.types())

	w = doRequest(t, ts.Engine, request{method: http.MethodGet, path: "/api/v1/me", bearer: token})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// TestRedeemBudgetSharedAcrossBotAndRelay spends the link_redeem budget of
// one external identity over HTTP and checks the bot refuses the next try.
func TestRedeemBudgetSharedAcrossBotAndRelay(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.Cleanup()

	rule, ok := config.DefaultRateLimitRules()[config.ActionLinkRedeem]
	require.True(t, ok)
	for i := 0; i < rule.MaxAttempts; i++ {
		w := doRequest(t, ts.Engine, request{
			method:  http.MethodPost,
			path:    "/api/v1/link/redeem",
			body:    api.RedeemRequest{Code: "ABCDEFGH", ExternalID: 4343},
			headers: map[string]string{api.WebhookSecretHeader: testWebhookSecret},
		})
		require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	}

	mock := mocks.NewMockTelegramBot()
	bot := telegram.NewBot(true, ts.Linking, ts.Tokens, &telegram.BotOptions{
		BotAPI:            mock,
		Gate:              ts.Gate,
		MessagesPerSecond: 1000,
	})
	require.NoError(t, bot.Start())
	defer bot.Stop()

	gen, err := ts.Linking.Generate(context.Background(), "acc-budget")
	require.NoError(t, err)
	mock.Push(4343, "budget_user", "/link "+gen.Code)
	require.Eventually(t, func() bool { return mock.GetSentCount() > 0 }, 5*time.Second, 20*time.Millisecond)

	sent := mock.GetSentMessages()
	assert.Contains(t, sent[len(sent)-1].Text, "Too many attempts")
	assert.Empty(t, mock.LastToken(4343))
}
