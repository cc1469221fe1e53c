package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/trafficlab/clickgate/internal/models"
)

// Postgres wraps a postgres DB connection.
type Postgres struct {
	DB *sql.DB
}

// schemaSQL sets up the necessary tables if they don't exist.
const schemaSQL = `CREATE TABLE IF NOT EXISTS users (
    id SERIAL PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'user',
    status TEXT NOT NULL DEFAULT 'active',
    balance NUMERIC(12,4) NOT NULL DEFAULT 0,
    hash_code TEXT NOT NULL DEFAULT '',
    api_key TEXT NOT NULL DEFAULT '',
    panel_key TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS apps (
    id SERIAL PRIMARY KEY,
    title TEXT NOT NULL UNIQUE,
    url TEXT NOT NULL,
    operating_system TEXT NOT NULL,
    tags TEXT[] NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'inactive',
    stream_id INT NOT NULL DEFAULT 0,
    views INT NOT NULL DEFAULT 0,
    installs INT NOT NULL DEFAULT 0,
    registrations INT NOT NULL DEFAULT 0,
    deposits INT NOT NULL DEFAULT 0,
    allowed_user_ids INT[] NOT NULL DEFAULT '{}',
    hash_code TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS campaigns (
    id SERIAL PRIMARY KEY,
    title TEXT NOT NULL,
    user_id INT REFERENCES users(id),
    subuser TEXT NOT NULL DEFAULT '',
    geo TEXT NOT NULL DEFAULT '',
    offer_url TEXT NOT NULL DEFAULT '',
    operating_system TEXT NOT NULL,
    app_ids INT[] NOT NULL DEFAULT '{}',
    apps_stats JSONB NOT NULL DEFAULT '[]',
    app_tags TEXT[] NOT NULL DEFAULT '{}',
    landing_id INT NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'paused',
    archived BOOLEAN NOT NULL DEFAULT FALSE,
    hash_code TEXT NOT NULL UNIQUE,
    custom_params JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS landings (
    id SERIAL PRIMARY KEY,
    working_dir TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'inactive',
    geo TEXT NOT NULL DEFAULT '',
    tags TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS domains (
    id SERIAL PRIMARY KEY,
    domain TEXT NOT NULL UNIQUE,
    user_id INT REFERENCES users(id),
    status TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS campaign_clicks (
    id BIGSERIAL PRIMARY KEY,
    click_id TEXT NOT NULL UNIQUE,
    domain TEXT NOT NULL DEFAULT '',
    fbclid TEXT NOT NULL DEFAULT '',
    gclid TEXT NOT NULL DEFAULT '',
    ttclid TEXT NOT NULL DEFAULT '',
    click_source TEXT NOT NULL DEFAULT 'none',
    rma TEXT NOT NULL DEFAULT '',
    ulb INT NOT NULL DEFAULT 0,
    pay INT NOT NULL DEFAULT 0,
    clabel TEXT NOT NULL DEFAULT '',
    gtag TEXT NOT NULL DEFAULT '',
    kclid TEXT NOT NULL DEFAULT '',
    params JSONB NOT NULL DEFAULT '{}',
    campaign_id INT NOT NULL,
    app_id INT NOT NULL DEFAULT 0,
    app_installed BOOLEAN NOT NULL DEFAULT FALSE,
    app_registered BOOLEAN NOT NULL DEFAULT FALSE,
    app_deposited BOOLEAN NOT NULL DEFAULT FALSE,
    appclid TEXT NOT NULL DEFAULT '',
    ip TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    referer TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    blocked BOOLEAN NOT NULL DEFAULT FALSE,
    geo TEXT NOT NULL DEFAULT '',
    city TEXT NOT NULL DEFAULT '',
    device TEXT NOT NULL DEFAULT '',
    time_zone TEXT NOT NULL DEFAULT '',
    lat DOUBLE PRECISION NOT NULL DEFAULT 0,
    lon DOUBLE PRECISION NOT NULL DEFAULT 0,
    offer_url TEXT NOT NULL DEFAULT '',
    result TEXT NOT NULL DEFAULT '',
    deposit_amount NUMERIC(12,4) NOT NULL DEFAULT 0,
    idempotency_key TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS transactions (
    id BIGSERIAL PRIMARY KEY,
    user_id INT NOT NULL REFERENCES users(id),
    sign TEXT NOT NULL,
    amount NUMERIC(12,4) NOT NULL,
    reason TEXT NOT NULL,
    geo TEXT NOT NULL DEFAULT '',
    app_id INT NOT NULL DEFAULT 0,
    operating_system TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Hot-path indexes
CREATE INDEX IF NOT EXISTS idx_campaigns_hash_code ON campaigns (hash_code);
CREATE INDEX IF NOT EXISTS idx_apps_status_os ON apps (status, operating_system);
CREATE INDEX IF NOT EXISTS idx_campaign_clicks_click_id ON campaign_clicks (click_id);
CREATE INDEX IF NOT EXISTS idx_transactions_user_id ON transactions (user_id);
CREATE INDEX IF NOT EXISTS idx_users_panel_key ON users (panel_key);
`

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{DB: db}
	if err := p.ensureSchema(); err != nil {
		return nil, err
	}
	zap.L().Info("Connected to Postgres",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns))
	return p, nil
}

// NewPostgres wraps an existing connection without schema bootstrap. Used in tests.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{DB: db}
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

// ensureSchema creates the required tables if they do not exist.
func (p *Postgres) ensureSchema() error {
	if _, err := p.DB.ExecContext(context.Background(), schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Reader returns a Store over the connection pool, for reads that do not
// belong to a request session (the selector's concurrent lookups).
func (p *Postgres) Reader() *Store {
	return &Store{q: p.DB}
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store exposes the gateway's data access over a Querier. When obtained
// from a Session its writes join the request transaction.
type Store struct {
	q Querier
}

const campaignColumns = `id, title, user_id, subuser, geo, offer_url, operating_system,
	app_ids, apps_stats, app_tags, landing_id, status, archived, hash_code, custom_params`

func (s *Store) scanCampaign(row *sql.Row) (*models.Campaign, error) {
	var c models.Campaign
	var stats, params []byte
	err := row.Scan(&c.ID, &c.Title, &c.UserID, &c.Subuser, &c.Geo, &c.OfferURL, &c.OS,
		pq.Array(&c.AppIDs), &stats, pq.Array(&c.AppTags), &c.LandingID, &c.Status,
		&c.Archived, &c.HashCode, &params)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan campaign: %w", err)
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &c.AppsStats); err != nil {
			return nil, fmt.Errorf("decode apps_stats: %w", err)
		}
	}
	c.CustomParams = map[string]string{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &c.CustomParams); err != nil {
			return nil, fmt.Errorf("decode custom_params: %w", err)
		}
	}
	return &c, nil
}

// CampaignByHash looks up a campaign by its stable hash. Returns nil when absent.
func (s *Store) CampaignByHash(ctx context.Context, hash string) (*models.Campaign, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE hash_code = $1`, hash)
	return s.scanCampaign(row)
}

// CampaignByID looks up a campaign by id. Returns nil when absent.
func (s *Store) CampaignByID(ctx context.Context, id int) (*models.Campaign, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	return s.scanCampaign(row)
}

// UpdateCampaignAppsStats replaces the campaign's weighted rotation state.
func (s *Store) UpdateCampaignAppsStats(ctx context.Context, campaignID int, stats []models.AppStat) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode apps_stats: %w", err)
	}
	if _, err := s.q.ExecContext(ctx,
		`UPDATE campaigns SET apps_stats = $1 WHERE id = $2`, payload, campaignID); err != nil {
		return fmt.Errorf("update apps_stats: %w", err)
	}
	return nil
}

const appColumns = `id, title, url, operating_system, tags, status, stream_id,
	views, installs, registrations, deposits, allowed_user_ids, hash_code`

func scanApp(sc interface{ Scan(...any) error }) (*models.App, error) {
	var a models.App
	err := sc.Scan(&a.ID, &a.Title, &a.URL, &a.OS, pq.Array(&a.Tags), &a.Status,
		&a.StreamID, &a.Views, &a.Installs, &a.Registrations, &a.Deposits,
		pq.Array(&a.AllowedUserIDs), &a.HashCode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan app: %w", err)
	}
	return &a, nil
}

// AppByID looks up an app by id. Returns nil when absent.
func (s *Store) AppByID(ctx context.Context, id int) (*models.App, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+appColumns+` FROM apps WHERE id = $1`, id)
	return scanApp(row)
}

// AppsByIDs returns the apps with the given ids, in no particular order.
func (s *Store) AppsByIDs(ctx context.Context, ids []int) ([]*models.App, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+appColumns+` FROM apps WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query apps: %w", err)
	}
	defer rows.Close()
	return collectApps(rows)
}

// ActiveAppsByTag returns active apps carrying the tag, ascending by views.
func (s *Store) ActiveAppsByTag(ctx context.Context, tag, os string) ([]*models.App, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+appColumns+` FROM apps
		 WHERE status = 'active' AND operating_system = $1 AND $2 = ANY(tags)
		 ORDER BY views ASC`, os, tag)
	if err != nil {
		return nil, fmt.Errorf("query apps by tag: %w", err)
	}
	defer rows.Close()
	return collectApps(rows)
}

// ActiveAppsByOS returns all active apps for the OS, ascending by views.
func (s *Store) ActiveAppsByOS(ctx context.Context, os string) ([]*models.App, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+appColumns+` FROM apps
		 WHERE status = 'active' AND operating_system = $1
		 ORDER BY views ASC`, os)
	if err != nil {
		return nil, fmt.Errorf("query apps by os: %w", err)
	}
	defer rows.Close()
	return collectApps(rows)
}

func collectApps(rows *sql.Rows) ([]*models.App, error) {
	var apps []*models.App
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// IncrementAppViews bumps the global view counter for the app.
func (s *Store) IncrementAppViews(ctx context.Context, appID int) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE apps SET views = views + 1 WHERE id = $1`, appID)
	if err != nil {
		return fmt.Errorf("increment views: %w", err)
	}
	return nil
}

// IncrementAppEvent bumps the per-kind conversion counter for the app.
func (s *Store) IncrementAppEvent(ctx context.Context, appID int, event string) error {
	var column string
	switch event {
	case models.EventInstall:
		column = "installs"
	case models.EventReg:
		column = "registrations"
	case models.EventDep:
		column = "deposits"
	default:
		return fmt.Errorf("unknown app event %q", event)
	}
	_, err := s.q.ExecContext(ctx,
		`UPDATE apps SET `+column+` = `+column+` + 1 WHERE id = $1`, appID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	return nil
}

const userColumns = `id, username, password_hash, role, status, balance, hash_code, api_key, panel_key`

func (s *Store) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Status,
		&u.Balance, &u.HashCode, &u.APIKey, &u.PanelKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// UserByID looks up a user by id. Returns nil when absent.
func (s *Store) UserByID(ctx context.Context, id int) (*models.User, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return s.scanUser(row)
}

// UserByPanelKey resolves a beacon panel key to its user. Returns nil when absent.
func (s *Store) UserByPanelKey(ctx context.Context, key string) (*models.User, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE panel_key = $1`, key)
	return s.scanUser(row)
}

// DebitUserBalance subtracts amount from the user's balance.
func (s *Store) DebitUserBalance(ctx context.Context, userID int, amount decimal.Decimal) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE users SET balance = balance - $1 WHERE id = $2`, amount, userID)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	return nil
}

// LandingByID looks up a landing by id. Returns nil when absent.
func (s *Store) LandingByID(ctx context.Context, id int) (*models.Landing, error) {
	var l models.Landing
	err := s.q.QueryRowContext(ctx,
		`SELECT id, working_dir, status, geo, tags FROM landings WHERE id = $1`, id).
		Scan(&l.ID, &l.WorkingDir, &l.Status, &l.Geo, pq.Array(&l.Tags))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan landing: %w", err)
	}
	return &l, nil
}

// InsertClick persists a fresh CampaignClick and fills in its row id.
func (s *Store) InsertClick(ctx context.Context, c *models.CampaignClick) error {
	params, err := json.Marshal(c.Params)
	if err != nil {
		return fmt.Errorf("encode click params: %w", err)
	}
	err = s.q.QueryRowContext(ctx,
		`INSERT INTO campaign_clicks (
			click_id, domain, fbclid, gclid, ttclid, click_source, rma, ulb, pay,
			clabel, gtag, kclid, params, campaign_id, app_id, appclid, ip,
			user_agent, referer, created_at, blocked, geo, city, device,
			time_zone, lat, lon, offer_url, result, idempotency_key
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30)
		RETURNING id`,
		c.ClickID, c.Domain, c.FBCLID, c.GCLID, c.TTCLID, c.ClickSource, c.RMA, c.ULB, c.Pay,
		c.CLabel, c.GTag, c.KCLID, params, c.CampaignID, c.AppID, c.AppCLID, c.IP,
		c.UserAgent, c.Referer, c.CreatedAt, c.Blocked, c.Geo, c.City, c.Device,
		c.TimeZone, c.Lat, c.Lon, c.OfferURL, c.Result, c.IdempotencyKey).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert click: %w", err)
	}
	return nil
}

// UpdateClickResult records the terminal branch taken for a click.
func (s *Store) UpdateClickResult(ctx context.Context, clickID string, appID int, offerURL, result string, blocked bool) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE campaign_clicks
		 SET app_id = $1, offer_url = $2, result = $3, blocked = $4
		 WHERE click_id = $5`,
		appID, offerURL, result, blocked, clickID)
	if err != nil {
		return fmt.Errorf("update click result: %w", err)
	}
	return nil
}

// ClickByClickID looks up a click by its public id. Returns nil when absent.
func (s *Store) ClickByClickID(ctx context.Context, clickID string) (*models.CampaignClick, error) {
	var c models.CampaignClick
	var params []byte
	err := s.q.QueryRowContext(ctx,
		`SELECT id, click_id, domain, fbclid, gclid, ttclid, click_source, rma, ulb, pay,
		        clabel, gtag, kclid, params, campaign_id, app_id, app_installed,
		        app_registered, app_deposited, appclid, ip, user_agent, referer,
		        created_at, blocked, geo, city, device, time_zone, lat, lon,
		        offer_url, result, deposit_amount, idempotency_key
		 FROM campaign_clicks WHERE click_id = $1`, clickID).
		Scan(&c.ID, &c.ClickID, &c.Domain, &c.FBCLID, &c.GCLID, &c.TTCLID, &c.ClickSource,
			&c.RMA, &c.ULB, &c.Pay, &c.CLabel, &c.GTag, &c.KCLID, &params, &c.CampaignID, &c.AppID,
			&c.AppInstalled, &c.AppRegistered, &c.AppDeposited, &c.AppCLID,
			&c.IP, &c.UserAgent, &c.Referer, &c.CreatedAt, &c.Blocked,
			&c.Geo, &c.City, &c.Device, &c.TimeZone, &c.Lat, &c.Lon,
			&c.OfferURL, &c.Result, &c.DepositAmount, &c.IdempotencyKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan click: %w", err)
	}
	c.Params = map[string]string{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &c.Params); err != nil {
			return nil, fmt.Errorf("decode click params: %w", err)
		}
	}
	return &c, nil
}

// SetClickEventFlag flips the per-kind conversion flag for a click. For
// deposits the amount is captured alongside the flag.
func (s *Store) SetClickEventFlag(ctx context.Context, clickID, event string, depositAmount decimal.Decimal) error {
	var query string
	switch event {
	case models.EventInstall:
		query = `UPDATE campaign_clicks SET app_installed = TRUE WHERE click_id = $1`
	case models.EventReg:
		query = `UPDATE campaign_clicks SET app_registered = TRUE WHERE click_id = $1`
	case models.EventDep:
		_, err := s.q.ExecContext(ctx,
			`UPDATE campaign_clicks SET app_deposited = TRUE, deposit_amount = $2 WHERE click_id = $1`,
			clickID, depositAmount)
		if err != nil {
			return fmt.Errorf("set dep flag: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown click event %q", event)
	}
	if _, err := s.q.ExecContext(ctx, query, clickID); err != nil {
		return fmt.Errorf("set %s flag: %w", event, err)
	}
	return nil
}

// UpdateClickBeaconInfo persists the SDK correlation id and payout hint
// supplied by a beacon.
func (s *Store) UpdateClickBeaconInfo(ctx context.Context, clickID, appCLID string, pay int) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE campaign_clicks SET appclid = $1, pay = $2 WHERE click_id = $3`,
		appCLID, pay, clickID)
	if err != nil {
		return fmt.Errorf("update beacon info: %w", err)
	}
	return nil
}

// InsertTransaction appends a ledger entry.
func (s *Store) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO transactions (user_id, sign, amount, reason, geo, app_id, operating_system, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		t.UserID, t.Sign, t.Amount, t.Reason, t.Geo, t.AppID, t.OS, t.CreatedAt).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}
