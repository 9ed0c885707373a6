package relay_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/confidex/backend/internal/ledger"
	"github.com/coldbell/confidex/backend/internal/relay"
)

func newTestServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := relay.NewServer(relay.ServerConfig{PushInterval: 10 * time.Millisecond}, f.relayer, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestClientSettlesThroughServer(t *testing.T) {
	f := newFixture(t)
	ts := newTestServer(t, f)
	client := relay.NewClient(ts.URL, 5*time.Second)
	b := f.bundle(t)

	res, err := client.Settle(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, b.Place.Signatures[0], res.PlaceSignature)
	assert.Len(t, f.chain.Landed(), 4)

	record, err := client.Record(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, relay.StateDone, record.State)

	_, err = client.Record(context.Background(), "unknown")
	assert.ErrorIs(t, err, relay.ErrBundleNotFound)
}

func TestClientReportsAuthorityMismatch(t *testing.T) {
	f := newFixture(t)
	ts := newTestServer(t, f)
	client := relay.NewClient(ts.URL, 5*time.Second)
	b := f.bundle(t)
	b.Match = f.tx(t, "match", true)

	_, err := client.Settle(context.Background(), b)
	assert.ErrorIs(t, err, relay.ErrAuthorityMismatch)
	var bundleErr *relay.BundleError
	require.ErrorAs(t, err, &bundleErr)
	assert.Equal(t, "match", bundleErr.Step)
	assert.Empty(t, f.chain.Landed())
}

func TestClientReportsFailedStep(t *testing.T) {
	f := newFixture(t)
	ts := newTestServer(t, f)
	client := relay.NewClient(ts.URL, 5*time.Second)
	b := f.bundle(t)
	b.Post = []*solana.Transaction{f.tx(t, "fail:InsufficientFunds", true)}

	_, err := client.Settle(context.Background(), b)
	var bundleErr *relay.BundleError
	require.ErrorAs(t, err, &bundleErr)
	assert.Equal(t, "post[0]", bundleErr.Step)
	assert.Len(t, bundleErr.Completed, 3)
	assert.NotEmpty(t, bundleErr.Logs)
}

func TestClientPreservesStaleHandleFailure(t *testing.T) {
	f := newFixture(t)
	ts := newTestServer(t, f)
	client := relay.NewClient(ts.URL, 5*time.Second)
	b := f.bundle(t)
	b.Place = f.tx(t, "fail:StaleHandle", true)

	_, err := client.Settle(context.Background(), b)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrStaleHandle)

	var bundleErr *relay.BundleError
	require.ErrorAs(t, err, &bundleErr)
	assert.Equal(t, "place", bundleErr.Step)
	assert.Equal(t, 1, strings.Count(err.Error(), "failed at place"), err.Error())
}

func TestServerRejectsMalformedRequests(t *testing.T) {
	f := newFixture(t)
	ts := newTestServer(t, f)

	resp, err := http.Post(ts.URL+"/v1/bundles", "application/json", strings.NewReader(`{"placeTx":"not-base64!"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/v1/bundles", "application/json", strings.NewReader(`{"unknown":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/bundles")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServerHealth(t *testing.T) {
	f := newFixture(t)
	ts := newTestServer(t, f)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		OK        bool   `json:"ok"`
		Authority string `json:"authority"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.OK)
	assert.Equal(t, f.authority.PublicKey().String(), body.Authority)
}

func TestWebsocketPushesBundleState(t *testing.T) {
	f := newFixture(t)
	ts := newTestServer(t, f)
	res, err := f.relayer.Settle(context.Background(), f.bundle(t))
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	channel := "bundle." + res.ID
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "channel": channel}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var envelope struct {
		Type    string       `json:"type"`
		Channel string       `json:"channel"`
		Data    relay.Record `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&envelope))
	assert.Equal(t, "event", envelope.Type)
	assert.Equal(t, channel, envelope.Channel)
	assert.Equal(t, relay.StateDone, envelope.Data.State)
}
