package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"
)

// ErrUnavailable is returned when the audit database is not configured.
var ErrUnavailable = errors.New("analytics unavailable")

// Auditor keeps an append-only record of postbacks and SKAdNetwork
// updates. Implementations must tolerate being called from the reporter
// queue, so they should not block for long.
type Auditor interface {
	RecordPostback(ctx context.Context, rec PostbackRecord) error
	RecordSKANUpdate(ctx context.Context, rec SKANRecord) error
	PostbacksByCampaign(ctx context.Context, campaignID string) ([]PostbackRecord, error)
}

// Device describes the client an event came from.
type Device struct {
	OS        string `json:"os"`
	OSVersion string `json:"os_version"`
	Country   string `json:"country"`
}

// PostbackRecord mirrors a row in the aem_postbacks table.
type PostbackRecord struct {
	Timestamp       time.Time `json:"timestamp"`
	BatchID         string    `json:"batch_id"`
	CampaignID      string    `json:"campaign_id"`
	BusinessID      string    `json:"business_id"`
	ConfigID        int64     `json:"config_id"`
	ConversionValue int       `json:"conversion_value"`
	Priority        int       `json:"priority"`
	Outcome         string    `json:"outcome"`
	Attempts        int       `json:"attempts"`
	TestMode        bool      `json:"test_mode"`
	Device
}

// SKANRecord mirrors a row in the skan_updates table.
type SKANRecord struct {
	Timestamp       time.Time `json:"timestamp"`
	Event           string    `json:"event"`
	ConversionValue int       `json:"conversion_value"`
	CoarseValue     string    `json:"coarse_value"`
	LockWindow      bool      `json:"lock_window"`
	Device
}

// Analytics wraps a ClickHouse DB connection.
type Analytics struct {
	DB *sql.DB
}

var _ Auditor = (*Analytics)(nil)

// InitClickHouse connects to ClickHouse and ensures the audit tables exist.
func InitClickHouse(ctx context.Context, dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Analytics, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	for _, stmt := range []string{createPostbacks, createSKANUpdates} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("clickhouse create table: %w", err)
		}
	}

	zap.L().Info("Connected to ClickHouse")
	return &Analytics{DB: db}, nil
}

const createPostbacks = `CREATE TABLE IF NOT EXISTS aem_postbacks (
       timestamp        DateTime64(3),
       batch_id         String,
       campaign_id      String,
       business_id      String,
       config_id        Int64,
       conversion_value Int32,
       priority         Int32,
       outcome          LowCardinality(String),
       attempts         Int32,
       test_mode        Bool,
       os               Nullable(String),
       os_version       Nullable(String),
       country          Nullable(String)
   ) ENGINE=MergeTree() ORDER BY (campaign_id, timestamp)`

const createSKANUpdates = `CREATE TABLE IF NOT EXISTS skan_updates (
       timestamp        DateTime64(3),
       event            String,
       conversion_value Int32,
       coarse_value     String,
       lock_window      Bool,
       os               Nullable(String),
       os_version       Nullable(String),
       country          Nullable(String)
   ) ENGINE=MergeTree() ORDER BY timestamp`

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// RecordPostback inserts one postback row.
func (a *Analytics) RecordPostback(ctx context.Context, rec PostbackRecord) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	stmt := `INSERT INTO aem_postbacks (timestamp, batch_id, campaign_id, business_id, config_id, conversion_value, priority, outcome, attempts, test_mode, os, os_version, country) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := a.DB.ExecContext(ctx, stmt, rec.Timestamp, rec.BatchID, rec.CampaignID, rec.BusinessID, rec.ConfigID,
		int32(rec.ConversionValue), int32(rec.Priority), rec.Outcome, int32(rec.Attempts), rec.TestMode,
		nullString(rec.OS), nullString(rec.OSVersion), nullString(rec.Country)); err != nil {
		zap.L().Error("clickhouse insert failed", zap.Error(err), zap.String("campaign_id", rec.CampaignID))
		return fmt.Errorf("insert postback: %w", err)
	}
	return nil
}

// RecordSKANUpdate inserts one SKAdNetwork update row.
func (a *Analytics) RecordSKANUpdate(ctx context.Context, rec SKANRecord) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	stmt := `INSERT INTO skan_updates (timestamp, event, conversion_value, coarse_value, lock_window, os, os_version, country) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := a.DB.ExecContext(ctx, stmt, rec.Timestamp, rec.Event, int32(rec.ConversionValue), rec.CoarseValue, rec.LockWindow,
		nullString(rec.OS), nullString(rec.OSVersion), nullString(rec.Country)); err != nil {
		zap.L().Error("clickhouse insert failed", zap.Error(err), zap.String("event", rec.Event))
		return fmt.Errorf("insert skan update: %w", err)
	}
	return nil
}

// PostbacksByCampaign returns all postback rows for a campaign ordered by timestamp.
func (a *Analytics) PostbacksByCampaign(ctx context.Context, campaignID string) ([]PostbackRecord, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	query := `SELECT timestamp, batch_id, campaign_id, business_id, config_id, conversion_value, priority, outcome, attempts, test_mode, os, os_version, country FROM aem_postbacks WHERE campaign_id=? ORDER BY timestamp`
	rows, err := a.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query postbacks: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()

	var out []PostbackRecord
	for rows.Next() {
		var (
			rec               PostbackRecord
			cv, prio, attempt int32
			os, osv, country  sql.NullString
		)
		if err := rows.Scan(&rec.Timestamp, &rec.BatchID, &rec.CampaignID, &rec.BusinessID, &rec.ConfigID,
			&cv, &prio, &rec.Outcome, &attempt, &rec.TestMode, &os, &osv, &country); err != nil {
			return nil, fmt.Errorf("scan postback: %w", err)
		}
		rec.ConversionValue, rec.Priority, rec.Attempts = int(cv), int(prio), int(attempt)
		rec.OS, rec.OSVersion, rec.Country = os.String, osv.String, country.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// Close terminates the ClickHouse connection.
func (a *Analytics) Close() {
	if a != nil && a.DB != nil {
		if err := a.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}

// Nop discards audit rows. It is used when no ClickHouse DSN is configured.
type Nop struct{}

var _ Auditor = Nop{}

func (Nop) RecordPostback(context.Context, PostbackRecord) error { return nil }
func (Nop) RecordSKANUpdate(context.Context, SKANRecord) error   { return nil }
func (Nop) PostbacksByCampaign(context.Context, string) ([]PostbackRecord, error) {
	return nil, ErrUnavailable
}
