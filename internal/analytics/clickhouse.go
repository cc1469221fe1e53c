package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/trafficlab/clickgate/internal/models"
)

// ErrUnavailable is returned when the analytics DB is not configured.
var ErrUnavailable = fmt.Errorf("analytics unavailable")

// Service defines the interface for the click/beacon event log.
// Implementations should return ErrUnavailable when storage is not configured.
type Service interface {
	// RecordClickEvent logs the terminal outcome of a dispatched click.
	RecordClickEvent(ctx context.Context, click *models.CampaignClick) error
	// RecordAppEvent logs a processed beacon for a click.
	RecordAppEvent(ctx context.Context, click *models.CampaignClick, event string, charge float64) error
}

// Analytics wraps a ClickHouse connection holding the log_messages table.
type Analytics struct {
	DB *sql.DB
}

// InitClickHouse connects to ClickHouse and ensures the log table exists.
func InitClickHouse(dsn string) (*Analytics, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(25)
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	create := `CREATE TABLE IF NOT EXISTS log_messages (
       timestamp    DateTime,
       kind         String,
       click_id     String,
       campaign_id  Int32,
       app_id       Int32,
       event        String,
       result       String,
       click_source String,
       geo          String,
       city         String,
       device       String,
       blocked      UInt8,
       charge       Float64
   ) ENGINE=MergeTree() ORDER BY (kind, timestamp)`
	if _, err := db.ExecContext(context.Background(), create); err != nil {
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}

	zap.L().Info("Connected to ClickHouse")
	return &Analytics{DB: db}, nil
}

// RecordClickEvent inserts one row per terminal click outcome.
func (a *Analytics) RecordClickEvent(ctx context.Context, click *models.CampaignClick) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	blocked := uint8(0)
	if click.Blocked {
		blocked = 1
	}
	_, err := a.DB.ExecContext(ctx,
		`INSERT INTO log_messages
		 (timestamp, kind, click_id, campaign_id, app_id, event, result, click_source, geo, city, device, blocked, charge)
		 VALUES (?, 'click', ?, ?, ?, '', ?, ?, ?, ?, ?, ?, 0)`,
		time.Now().UTC(), click.ClickID, int32(click.CampaignID), int32(click.AppID),
		click.Result, click.ClickSource, click.Geo, click.City, click.Device, blocked)
	if err != nil {
		return fmt.Errorf("insert click log: %w", err)
	}
	return nil
}

// RecordAppEvent inserts one row per processed beacon.
func (a *Analytics) RecordAppEvent(ctx context.Context, click *models.CampaignClick, event string, charge float64) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	_, err := a.DB.ExecContext(ctx,
		`INSERT INTO log_messages
		 (timestamp, kind, click_id, campaign_id, app_id, event, result, click_source, geo, city, device, blocked, charge)
		 VALUES (?, 'app_event', ?, ?, ?, ?, '', ?, ?, ?, ?, 0, ?)`,
		time.Now().UTC(), click.ClickID, int32(click.CampaignID), int32(click.AppID),
		event, click.ClickSource, click.Geo, click.City, click.Device, charge)
	if err != nil {
		return fmt.Errorf("insert app event log: %w", err)
	}
	return nil
}

// Close shuts down the ClickHouse connection.
func (a *Analytics) Close() {
	if a != nil && a.DB != nil {
		if err := a.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}
