package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficlab/clickgate/internal/models"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return NewPostgres(mockDB), mock
}

var campaignCols = []string{
	"id", "title", "user_id", "subuser", "geo", "offer_url", "operating_system",
	"app_ids", "apps_stats", "app_tags", "landing_id", "status", "archived",
	"hash_code", "custom_params",
}

var appCols = []string{
	"id", "title", "url", "operating_system", "tags", "status", "stream_id",
	"views", "installs", "registrations", "deposits", "allowed_user_ids", "hash_code",
}

func TestCampaignByHash(t *testing.T) {
	pg, mock := newMockStore(t)
	mock.ExpectQuery("FROM campaigns WHERE hash_code").
		WithArgs("hash1").
		WillReturnRows(sqlmock.NewRows(campaignCols).AddRow(
			3, "Sweet Camp", 9, "sub-a", "ua", "https://win.example/offer", "android",
			[]byte("{7,8}"), []byte(`[{"id":7,"weight":60,"visits":2,"stream_id":107}]`),
			[]byte("{casino,slots}"), 5, "active", false, "hash1",
			[]byte(`{"utm_source":"net"}`)))

	c, err := pg.Reader().CampaignByHash(context.Background(), "hash1")
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Equal(t, 3, c.ID)
	assert.Equal(t, []int64{7, 8}, c.AppIDs)
	assert.Equal(t, []string{"casino", "slots"}, c.AppTags)
	require.Len(t, c.AppsStats, 1)
	assert.Equal(t, models.AppStat{AppID: 7, Weight: 60, Visits: 2, StreamID: 107}, c.AppsStats[0])
	assert.Equal(t, map[string]string{"utm_source": "net"}, c.CustomParams)
	assert.True(t, c.Active())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignByHashAbsent(t *testing.T) {
	pg, mock := newMockStore(t)
	mock.ExpectQuery("FROM campaigns WHERE hash_code").
		WillReturnRows(sqlmock.NewRows(campaignCols))

	c, err := pg.Reader().CampaignByHash(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestUpdateCampaignAppsStats(t *testing.T) {
	pg, mock := newMockStore(t)
	mock.ExpectExec("UPDATE campaigns SET apps_stats").
		WithArgs([]byte(`[{"id":7,"weight":100,"visits":3,"stream_id":107}]`), 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := pg.Reader().UpdateCampaignAppsStats(context.Background(), 3,
		[]models.AppStat{{AppID: 7, Weight: 100, Visits: 3, StreamID: 107}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppsByIDs(t *testing.T) {
	pg, mock := newMockStore(t)
	mock.ExpectQuery("FROM apps WHERE id = ANY").
		WillReturnRows(sqlmock.NewRows(appCols).
			AddRow(7, "Sweet Wins", "https://a/x?c=PANELCLID", "android",
				[]byte("{casino}"), "active", 107, 10, 1, 0, 0, []byte("{9}"), "ahash").
			AddRow(8, "Lucky Spin", "https://b/x?c=PANELCLID", "android",
				[]byte("{}"), "inactive", 108, 0, 0, 0, 0, []byte("{}"), "bhash"))

	apps, err := pg.Reader().AppsByIDs(context.Background(), []int{7, 8})
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "Sweet Wins", apps[0].Title)
	assert.Equal(t, []int64{9}, apps[0].AllowedUserIDs)
	assert.True(t, apps[0].Active())
	assert.False(t, apps[1].Active())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppsByIDsEmptyInput(t *testing.T) {
	pg, _ := newMockStore(t)
	apps, err := pg.Reader().AppsByIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, apps)
}

func TestActiveAppsByTag(t *testing.T) {
	pg, mock := newMockStore(t)
	mock.ExpectQuery("ANY\\(tags\\)").
		WithArgs("android", "casino").
		WillReturnRows(sqlmock.NewRows(appCols).
			AddRow(7, "Sweet Wins", "https://a/x?c=PANELCLID", "android",
				[]byte("{casino}"), "active", 107, 10, 1, 0, 0, []byte("{9}"), "ahash"))

	apps, err := pg.Reader().ActiveAppsByTag(context.Background(), "casino", "android")
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, 7, apps[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertClickFillsID(t *testing.T) {
	pg, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO campaign_clicks").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(41))

	click := &models.CampaignClick{
		ClickID:    "cc0011aabb",
		CampaignID: 3,
		Params:     map[string]string{"sub": "a"},
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, pg.Reader().InsertClick(context.Background(), click))
	assert.Equal(t, int64(41), click.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateClickResult(t *testing.T) {
	pg, mock := newMockStore(t)
	mock.ExpectExec("UPDATE campaign_clicks\\s+SET app_id").
		WithArgs(7, "https://a/x?c=cc0011aabb", models.ResultApp, false, "cc0011aabb").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := pg.Reader().UpdateClickResult(context.Background(),
		"cc0011aabb", 7, "https://a/x?c=cc0011aabb", models.ResultApp, false)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClickByClickIDAbsent(t *testing.T) {
	pg, mock := newMockStore(t)
	mock.ExpectQuery("FROM campaign_clicks WHERE click_id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	c, err := pg.Reader().ClickByClickID(context.Background(), "ffffffffff")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetClickEventFlag(t *testing.T) {
	pg, mock := newMockStore(t)

	mock.ExpectExec("SET app_installed = TRUE").
		WithArgs("cc0011aabb").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, pg.Reader().SetClickEventFlag(
		context.Background(), "cc0011aabb", models.EventInstall, decimal.Zero))

	mock.ExpectExec("SET app_deposited = TRUE, deposit_amount").
		WithArgs("cc0011aabb", "49.9").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, pg.Reader().SetClickEventFlag(
		context.Background(), "cc0011aabb", models.EventDep, decimal.NewFromFloat(49.9)))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetClickEventFlagUnknownEvent(t *testing.T) {
	pg, _ := newMockStore(t)
	err := pg.Reader().SetClickEventFlag(
		context.Background(), "cc0011aabb", "entry", decimal.Zero)
	assert.Error(t, err)
}

func TestIncrementAppEventUnknownEvent(t *testing.T) {
	pg, _ := newMockStore(t)
	assert.Error(t, pg.Reader().IncrementAppEvent(context.Background(), 7, "rereg"))
}

func TestUserByPanelKeyAbsent(t *testing.T) {
	pg, mock := newMockStore(t)
	mock.ExpectQuery("FROM users WHERE panel_key").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	u, err := pg.Reader().UserByPanelKey(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestDebitUserBalance(t *testing.T) {
	pg, mock := newMockStore(t)
	mock.ExpectExec("UPDATE users SET balance").
		WithArgs("0.06", 9).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := pg.Reader().DebitUserBalance(context.Background(), 9, decimal.RequireFromString("0.06"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTransactionFillsID(t *testing.T) {
	pg, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO transactions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(17))

	tr := &models.Transaction{
		UserID: 9, Sign: models.SignDebit,
		Amount: decimal.RequireFromString("0.06"),
		Reason: "conversion install", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, pg.Reader().InsertTransaction(context.Background(), tr))
	assert.Equal(t, int64(17), tr.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionCommit(t *testing.T) {
	pg, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE apps SET views").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	session, err := pg.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, session.IncrementAppViews(context.Background(), 7))
	require.NoError(t, session.Commit())

	// deferred rollback after commit must be a no-op
	session.Rollback()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRollback(t *testing.T) {
	pg, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	session, err := pg.Begin(context.Background())
	require.NoError(t, err)
	session.Rollback()
	session.Rollback()
	assert.NoError(t, mock.ExpectationsWereMet())
}
