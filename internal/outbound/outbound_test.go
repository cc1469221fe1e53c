package outbound

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trafficlab/clickgate/internal/models"
)

func captureServer(t *testing.T, path string, status int, response string) (*httptest.Server, *map[string]any) {
	t.Helper()
	payload := map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, path, r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, &payload
}

func testClick() *models.CampaignClick {
	return &models.CampaignClick{
		ClickID:     "abcdef0123",
		Domain:      "flow.example.com",
		GCLID:       "g-1",
		ClickSource: models.SourceGoogle,
		RMA:         "r1",
		ULB:         12345678,
		Pay:         150,
		CLabel:      "install-label",
		GTag:        "AW-123",
		KCLID:       "k-9",
		AppCLID:     "sdk-7",
		IP:          "1.2.3.4",
		UserAgent:   "ua",
		City:        "kyiv",
	}
}

func TestSaveClick(t *testing.T) {
	srv, payload := captureServer(t, "/save_click", http.StatusOK, `{}`)
	client := NewEventServiceClient(srv.URL, "tag1", "gateway", time.Second, zap.NewNop())

	require.NoError(t, client.SaveClick(context.Background(), testClick()))

	p := *payload
	assert.Equal(t, "abcdef0123", p["click_id"])
	assert.Equal(t, "tag1", p["service_tag"])
	assert.Equal(t, "gateway", p["initiator"])
	assert.Equal(t, float64(150), p["xcn"])
	assert.Equal(t, models.SourceGoogle, p["click_source"])
	assert.NotEmpty(t, p["event_id"])
}

func TestSendConversionGoogleLabels(t *testing.T) {
	srv, payload := captureServer(t, "/send_conversion", http.StatusOK, `{}`)
	client := NewEventServiceClient(srv.URL, "tag1", "gateway", time.Second, zap.NewNop())

	require.NoError(t, client.SendConversion(context.Background(), testClick(), models.EventInstall))

	p := *payload
	assert.Equal(t, models.EventInstall, p["event"])
	assert.Equal(t, "sdk-7", p["appclid"])
	assert.Equal(t, "AW-123", p["gtag"])
	assert.Equal(t, "install-label", p["clabel"])
}

func TestSendConversionNonGoogleOmitsLabels(t *testing.T) {
	srv, payload := captureServer(t, "/send_conversion", http.StatusOK, `{}`)
	client := NewEventServiceClient(srv.URL, "tag1", "gateway", time.Second, zap.NewNop())

	click := testClick()
	click.ClickSource = models.SourceFacebook
	require.NoError(t, client.SendConversion(context.Background(), click, models.EventReg))

	p := *payload
	_, hasGtag := p["gtag"]
	_, hasLabel := p["clabel"]
	assert.False(t, hasGtag)
	assert.False(t, hasLabel)
}

func TestSendConversionServerError(t *testing.T) {
	srv, _ := captureServer(t, "/send_conversion", http.StatusBadGateway, `{}`)
	client := NewEventServiceClient(srv.URL, "tag1", "gateway", time.Second, zap.NewNop())

	assert.Error(t, client.SendConversion(context.Background(), testClick(), models.EventInstall))
}

func TestSaveUser(t *testing.T) {
	srv, payload := captureServer(t, "/save_user", http.StatusOK, `{}`)
	client := NewAttributionClient(srv.URL, "tag1", "gateway", time.Second, zap.NewNop())

	require.NoError(t, client.SaveUser(context.Background(), testClick()))

	p := *payload
	assert.Equal(t, "abcdef0123", p["panel_clid"])
	assert.Equal(t, "kyiv", p["city"])
	assert.Equal(t, "gateway", p["initiator"])
}

func TestSearchUserFound(t *testing.T) {
	srv, payload := captureServer(t, "/search_user", http.StatusOK,
		`{"user_data":{"panel_clid":"abcdef0123"}}`)
	client := NewAttributionClient(srv.URL, "tag1", "gateway", time.Second, zap.NewNop())

	clid, err := client.SearchUser(context.Background(), "ua", "1.2.3.4", "", "sdk-7")
	require.NoError(t, err)
	assert.Equal(t, "abcdef0123", clid)

	p := *payload
	assert.Equal(t, "Unknown", p["city"])
	assert.Equal(t, "sdk-7", p["appclid"])
}

func TestSearchUserNoMatch(t *testing.T) {
	srv, _ := captureServer(t, "/search_user", http.StatusOK, `{"user_data":null}`)
	client := NewAttributionClient(srv.URL, "tag1", "gateway", time.Second, zap.NewNop())

	clid, err := client.SearchUser(context.Background(), "ua", "1.2.3.4", "kyiv", "sdk-7")
	require.NoError(t, err)
	assert.Empty(t, clid)
}

func TestSaveCampaignEvent(t *testing.T) {
	srv, payload := captureServer(t, "/campaign_event", http.StatusOK, `{}`)
	client := NewStatsClient(srv.URL, time.Second, zap.NewNop())

	ev := &CampaignEvent{
		ServiceTag:  "tag1",
		CampaignID:  3,
		CLID:        "abcdef0123",
		EventResult: models.ResultApp,
		AppID:       7,
		AppName:     "Sweet Wins",
	}
	require.NoError(t, client.SaveCampaignEvent(context.Background(), ev))

	p := *payload
	assert.Equal(t, float64(3), p["campaign_id"])
	assert.Equal(t, models.ResultApp, p["event_result"])
	assert.Equal(t, "Sweet Wins", p["app_name"])
}

func TestSaveAppEvent(t *testing.T) {
	srv, payload := captureServer(t, "/app_event", http.StatusOK, `{}`)
	client := NewStatsClient(srv.URL, time.Second, zap.NewNop())

	ev := &AppEvent{
		ServiceTag:    "tag1",
		AppID:         7,
		CLID:          "abcdef0123",
		EventResult:   models.EventDep,
		DepositAmount: 49.9,
	}
	require.NoError(t, client.SaveAppEvent(context.Background(), ev))

	p := *payload
	assert.Equal(t, models.EventDep, p["event_result"])
	assert.InDelta(t, 49.9, p["deposit_amount"].(float64), 0.0001)
}
