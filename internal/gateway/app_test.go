package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficlab/clickgate/internal/config"
	"github.com/trafficlab/clickgate/internal/models"
)

func beaconConfig() config.Config {
	return config.Config{
		ServiceTag:          "tag1",
		InAppHosts:          []string{"inapp.example.com", "install.example.com"},
		FlowHost:            "install.example.com",
		InstallPriceAndroid: decimal.RequireFromString("0.06"),
		InstallPriceIOS:     decimal.RequireFromString("0.09"),
		RegPriceAndroid:     decimal.RequireFromString("0.90"),
		DepPriceAndroid:     decimal.RequireFromString("9.00"),
	}
}

func beaconRequest(target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("User-Agent", "test-agent")
	return req
}

func TestInstallBeaconChargesOnce(t *testing.T) {
	env := newTestEnv(t, beaconConfig())

	env.mock.ExpectBegin()
	env.mock.ExpectQuery("FROM campaign_clicks WHERE click_id").
		WillReturnRows(clickRow(false, false, false))
	env.mock.ExpectQuery("FROM campaigns WHERE id").
		WillReturnRows(campaignRow("https://win.example/offer", 0, models.CampaignActive))
	env.mock.ExpectExec("SET appclid").
		WithArgs("sdk-9", 150, "cc0011aabb").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery("FROM apps WHERE id").WillReturnRows(appRow())
	env.mock.ExpectQuery("FROM users WHERE id").WillReturnRows(ownerRow())
	env.mock.ExpectExec("SET app_installed = TRUE").
		WithArgs("cc0011aabb").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("SET installs = installs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("UPDATE users SET balance").
		WithArgs("0.06", 9).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery("INSERT INTO transactions").WillReturnRows(insertedID())
	env.mock.ExpectCommit()
	env.mock.ExpectQuery("FROM users WHERE id").WillReturnRows(ownerRow())

	rec := httptest.NewRecorder()
	// the install-only host rewrites whatever event the SDK sent
	env.server.RootHandler(rec,
		beaconRequest("http://install.example.com/?clid=cc0011aabb&appclid=sdk-9"))

	require.Equal(t, http.StatusFound, rec.Code)
	loc := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(loc, "https://win.example/offer?"), loc)
	assert.Contains(t, loc, "clid=cc0011aabb")
	assert.Contains(t, loc, "kclid=k-1")
	assert.Contains(t, loc, "utm_source=net")

	require.Eventually(t, func() bool { return len(env.events.conversionList()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{models.EventInstall}, env.events.conversionList())

	require.Eventually(t, func() bool { return len(env.stats.appEventList()) == 1 }, time.Second, 5*time.Millisecond)
	ev := env.stats.appEventList()[0]
	assert.Equal(t, models.EventInstall, ev.EventResult)
	assert.Equal(t, 7, ev.AppID)
	assert.Equal(t, "cc0011aabb", ev.CLID)
	assert.Equal(t, "uhash", ev.UserHash)

	assert.Eventually(t, func() bool { return len(env.cls.markedStreams()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{107}, env.cls.markedStreams())

	assert.Eventually(t, func() bool { return len(env.an.AppEventNames()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{models.EventInstall}, env.an.AppEventNames())

	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestDuplicateInstallBecomesEntry(t *testing.T) {
	env := newTestEnv(t, beaconConfig())

	env.mock.ExpectBegin()
	env.mock.ExpectQuery("FROM campaign_clicks WHERE click_id").
		WillReturnRows(clickRow(true, false, false))
	env.mock.ExpectQuery("FROM campaigns WHERE id").
		WillReturnRows(campaignRow("https://win.example/offer", 0, models.CampaignActive))
	env.mock.ExpectQuery("FROM apps WHERE id").WillReturnRows(appRow())
	env.mock.ExpectCommit()
	env.mock.ExpectQuery("FROM users WHERE id").WillReturnRows(ownerRow())

	rec := httptest.NewRecorder()
	env.server.RootHandler(rec,
		beaconRequest("http://install.example.com/?clid=cc0011aabb"))

	require.Equal(t, http.StatusFound, rec.Code)

	require.Eventually(t, func() bool { return len(env.stats.appEventList()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.EventEntry, env.stats.appEventList()[0].EventResult)

	// no second charge, no conversion forwarding
	assert.Empty(t, env.events.conversionList())
	assert.Empty(t, env.cls.markedStreams())

	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestDepositBeaconWithoutKey(t *testing.T) {
	env := newTestEnv(t, beaconConfig())

	env.mock.ExpectBegin()
	env.mock.ExpectQuery("FROM campaign_clicks WHERE click_id").
		WillReturnRows(clickRow(false, false, false))
	env.mock.ExpectQuery("FROM campaigns WHERE id").
		WillReturnRows(campaignRow("https://win.example/offer", 0, models.CampaignActive))
	env.mock.ExpectRollback()

	rec := httptest.NewRecorder()
	env.server.RootHandler(rec,
		beaconRequest("http://inapp.example.com/?clid=cc0011aabb&event=dep&amount=49.9"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"No key provided."}`, rec.Body.String())
	assert.Empty(t, env.events.conversionList())
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestDepositBeaconForeignKey(t *testing.T) {
	env := newTestEnv(t, beaconConfig())

	env.mock.ExpectBegin()
	env.mock.ExpectQuery("FROM campaign_clicks WHERE click_id").
		WillReturnRows(clickRow(false, false, false))
	env.mock.ExpectQuery("FROM campaigns WHERE id").
		WillReturnRows(campaignRow("https://win.example/offer", 0, models.CampaignActive))
	env.mock.ExpectQuery("FROM users WHERE panel_key").WillReturnRows(panelUserRow(55))
	env.mock.ExpectRollback()

	rec := httptest.NewRecorder()
	env.server.RootHandler(rec,
		beaconRequest("http://inapp.example.com/?clid=cc0011aabb&event=dep&key=zzz"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Key not valid."}`, rec.Body.String())
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestDepositBeaconChargesAndRecordsAmount(t *testing.T) {
	env := newTestEnv(t, beaconConfig())

	env.mock.ExpectBegin()
	env.mock.ExpectQuery("FROM campaign_clicks WHERE click_id").
		WillReturnRows(clickRow(true, true, false))
	env.mock.ExpectQuery("FROM campaigns WHERE id").
		WillReturnRows(campaignRow("https://win.example/offer", 0, models.CampaignActive))
	env.mock.ExpectQuery("FROM users WHERE panel_key").WillReturnRows(ownerRow())
	env.mock.ExpectQuery("FROM apps WHERE id").WillReturnRows(appRow())
	env.mock.ExpectQuery("FROM users WHERE id").WillReturnRows(ownerRow())
	env.mock.ExpectExec("SET app_deposited = TRUE, deposit_amount").
		WithArgs("cc0011aabb", "49.9").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("SET deposits = deposits").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("UPDATE users SET balance").
		WithArgs("9.00", 9).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery("INSERT INTO transactions").WillReturnRows(insertedID())
	env.mock.ExpectCommit()
	env.mock.ExpectQuery("FROM users WHERE id").WillReturnRows(ownerRow())

	rec := httptest.NewRecorder()
	env.server.RootHandler(rec,
		beaconRequest("http://inapp.example.com/?clid=cc0011aabb&event=dep&key=pkey-1&amount=49.9"))

	require.Equal(t, http.StatusFound, rec.Code)

	require.Eventually(t, func() bool { return len(env.stats.appEventList()) == 1 }, time.Second, 5*time.Millisecond)
	ev := env.stats.appEventList()[0]
	assert.Equal(t, models.EventDep, ev.EventResult)
	assert.InDelta(t, 49.9, ev.DepositAmount, 0.0001)

	require.Eventually(t, func() bool { return len(env.events.conversionList()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{models.EventDep}, env.events.conversionList())

	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestBeaconWithoutClickID(t *testing.T) {
	env := newTestEnv(t, beaconConfig())

	rec := httptest.NewRecorder()
	env.server.RootHandler(rec, beaconRequest("http://inapp.example.com/?event=reg"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"No click id provided."}`, rec.Body.String())
}

func TestBeaconWithoutEvent(t *testing.T) {
	env := newTestEnv(t, beaconConfig())

	rec := httptest.NewRecorder()
	env.server.RootHandler(rec,
		beaconRequest("http://inapp.example.com/?clid=cc0011aabb&appclid=sdk-9"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"No event provided."}`, rec.Body.String())
	assert.Empty(t, env.events.conversionList())
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestBeaconAttributionFallbackNoMatch(t *testing.T) {
	env := newTestEnv(t, beaconConfig())
	env.attr.searchCLID = ""

	rec := httptest.NewRecorder()
	env.server.RootHandler(rec,
		beaconRequest("http://inapp.example.com/?appclid=sdk-9&event=reg"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Click not found."}`, rec.Body.String())
}

func TestBeaconAttributionFallbackResolves(t *testing.T) {
	env := newTestEnv(t, beaconConfig())
	env.attr.searchCLID = "cc0011aabb"

	// the resolved click already installed: the missing-clid install degrades
	// to a non-charging entry
	env.mock.ExpectBegin()
	env.mock.ExpectQuery("FROM campaign_clicks WHERE click_id").
		WillReturnRows(clickRow(true, false, false))
	env.mock.ExpectQuery("FROM campaigns WHERE id").
		WillReturnRows(campaignRow("https://win.example/offer", 0, models.CampaignActive))
	env.mock.ExpectExec("SET appclid").
		WithArgs("sdk-9", 150, "cc0011aabb").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery("FROM apps WHERE id").WillReturnRows(appRow())
	env.mock.ExpectCommit()
	env.mock.ExpectQuery("FROM users WHERE id").WillReturnRows(ownerRow())

	rec := httptest.NewRecorder()
	env.server.RootHandler(rec,
		beaconRequest("http://inapp.example.com/?appclid=sdk-9&event=install"))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "clid=cc0011aabb")

	require.Eventually(t, func() bool { return len(env.stats.appEventList()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.EventEntry, env.stats.appEventList()[0].EventResult)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestBeaconUnknownClick(t *testing.T) {
	env := newTestEnv(t, beaconConfig())

	env.mock.ExpectBegin()
	env.mock.ExpectQuery("FROM campaign_clicks WHERE click_id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	env.mock.ExpectRollback()

	rec := httptest.NewRecorder()
	env.server.RootHandler(rec,
		beaconRequest("http://inapp.example.com/?clid=ffffffffff&event=reg"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Click not found."}`, rec.Body.String())
	assert.NoError(t, env.mock.ExpectationsWereMet())
}
