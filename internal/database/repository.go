package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"kimchiwatch/internal/config"
	"kimchiwatch/internal/model"
)

// ErrNotFound is returned when an update targets a missing row.
var ErrNotFound = errors.New("not found")

// Repository defines the standard interface for database operations.
type Repository interface {
	Migrate(ctx context.Context) error
	SaveQuotes(ctx context.Context, quotes []model.ExchangeQuote) error
	ActiveAlertRules(ctx context.Context) ([]model.AlertRule, error)
	UpdateAlertRule(ctx context.Context, rule model.AlertRule) error
	Preferences(ctx context.Context, userID string) (model.NotificationPreferences, error)
	LogNotification(ctx context.Context, rec model.NotificationRecord) error
}

// PostgresRepository implements Repository on a pgx pool. Money values cross
// the driver as text so no precision is lost.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS latest_quotes (
	symbol          VARCHAR(20) NOT NULL,
	exchange        VARCHAR(20) NOT NULL,
	category        VARCHAR(10) NOT NULL,
	currency        VARCHAR(5)  NOT NULL,
	price           NUMERIC     NOT NULL,
	high_24h        NUMERIC     NOT NULL,
	low_24h         NUMERIC     NOT NULL,
	volume_24h      NUMERIC     NOT NULL,
	quote_volume_24h NUMERIC    NOT NULL,
	change_rate_24h NUMERIC     NOT NULL,
	reliability     INT         NOT NULL,
	quoted_at       TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (symbol, exchange)
);

CREATE TABLE IF NOT EXISTS alert_rules (
	id                BIGSERIAL PRIMARY KEY,
	user_id           VARCHAR(64) NOT NULL,
	symbol            VARCHAR(20) NOT NULL,
	exchange          VARCHAR(20) NOT NULL DEFAULT '',
	kind              VARCHAR(16) NOT NULL,
	target_price      NUMERIC     NOT NULL DEFAULT 0,
	percent_threshold NUMERIC     NOT NULL DEFAULT 0,
	reference_price   NUMERIC,
	repeat            BOOLEAN     NOT NULL DEFAULT FALSE,
	status            VARCHAR(16) NOT NULL DEFAULT 'PENDING',
	last_triggered_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS notification_preferences (
	user_id            VARCHAR(64) PRIMARY KEY,
	disabled_types     TEXT[]      NOT NULL DEFAULT '{}',
	quiet_hours_on     BOOLEAN     NOT NULL DEFAULT FALSE,
	quiet_start_minute INT         NOT NULL DEFAULT 0,
	quiet_end_minute   INT         NOT NULL DEFAULT 0,
	time_zone          VARCHAR(64) NOT NULL DEFAULT 'Asia/Seoul'
);

CREATE TABLE IF NOT EXISTS notification_log (
	id         BIGSERIAL PRIMARY KEY,
	user_id    VARCHAR(64) NOT NULL,
	type       VARCHAR(20) NOT NULL,
	symbol     VARCHAR(20) NOT NULL,
	payload    JSONB       NOT NULL,
	delivered  INT         NOT NULL,
	suppressed VARCHAR(20) NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);`

// Migrate creates the tables if they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Name implements poller.QuoteSink.
func (r *PostgresRepository) Name() string { return "postgres" }

// SaveQuotes upserts the latest quote per (symbol, exchange).
func (r *PostgresRepository) SaveQuotes(ctx context.Context, quotes []model.ExchangeQuote) error {
	if len(quotes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, q := range quotes {
		batch.Queue(`
			INSERT INTO latest_quotes (symbol, exchange, category, currency, price, high_24h, low_24h,
				volume_24h, quote_volume_24h, change_rate_24h, reliability, quoted_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
			ON CONFLICT (symbol, exchange) DO UPDATE SET
				category = EXCLUDED.category,
				currency = EXCLUDED.currency,
				price = EXCLUDED.price,
				high_24h = EXCLUDED.high_24h,
				low_24h = EXCLUDED.low_24h,
				volume_24h = EXCLUDED.volume_24h,
				quote_volume_24h = EXCLUDED.quote_volume_24h,
				change_rate_24h = EXCLUDED.change_rate_24h,
				reliability = EXCLUDED.reliability,
				quoted_at = EXCLUDED.quoted_at,
				updated_at = NOW()
		`, q.Symbol, q.Exchange, string(q.Category), string(q.Currency),
			q.Price.String(), q.High24h.String(), q.Low24h.String(),
			q.Volume24h.String(), q.QuoteVolume24h.String(), q.ChangeRate24h.String(),
			q.Reliability, q.Timestamp)
	}

	results := r.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range quotes {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert quote: %w", err)
		}
	}
	return nil
}

// ActiveAlertRules returns every rule that is PENDING or TRIGGERED.
func (r *PostgresRepository) ActiveAlertRules(ctx context.Context) ([]model.AlertRule, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT id, user_id, symbol, exchange, kind,
			target_price::text, percent_threshold::text, COALESCE(reference_price::text, '0'),
			repeat, status, last_triggered_at
		FROM alert_rules
		WHERE status IN ('PENDING', 'TRIGGERED')
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query alert rules: %w", err)
	}
	defer rows.Close()

	var rules []model.AlertRule
	for rows.Next() {
		var (
			rule                       model.AlertRule
			kind, status               string
			target, percent, reference string
		)
		if err := rows.Scan(&rule.ID, &rule.UserID, &rule.Symbol, &rule.Exchange, &kind,
			&target, &percent, &reference, &rule.Repeat, &status, &rule.LastTriggeredAt); err != nil {
			return nil, fmt.Errorf("scan alert rule: %w", err)
		}
		rule.Kind = model.AlertKind(kind)
		rule.Status = model.AlertStatus(status)
		if rule.TargetPrice, err = decimal.NewFromString(target); err != nil {
			return nil, fmt.Errorf("alert rule %d target: %w", rule.ID, err)
		}
		if rule.PercentThreshold, err = decimal.NewFromString(percent); err != nil {
			return nil, fmt.Errorf("alert rule %d percent: %w", rule.ID, err)
		}
		if rule.ReferencePrice, err = decimal.NewFromString(reference); err != nil {
			return nil, fmt.Errorf("alert rule %d reference: %w", rule.ID, err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read alert rules: %w", err)
	}
	return rules, nil
}

// UpdateAlertRule writes the evaluator-owned state of a rule. Definition
// fields are left to the rule's owner.
func (r *PostgresRepository) UpdateAlertRule(ctx context.Context, rule model.AlertRule) error {
	var reference any
	if rule.ReferencePrice.IsPositive() {
		reference = rule.ReferencePrice.String()
	}
	tag, err := r.Pool.Exec(ctx, `
		UPDATE alert_rules
		SET status = $2, last_triggered_at = $3, reference_price = $4
		WHERE id = $1`,
		rule.ID, string(rule.Status), rule.LastTriggeredAt, reference)
	if err != nil {
		return fmt.Errorf("update alert rule %d: %w", rule.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update alert rule %d: %w", rule.ID, ErrNotFound)
	}
	return nil
}

// Preferences returns a user's notification preferences. A user without a
// row gets the zero value, which allows everything.
func (r *PostgresRepository) Preferences(ctx context.Context, userID string) (model.NotificationPreferences, error) {
	p := model.NotificationPreferences{UserID: userID}

	var (
		disabled []string
		zone     string
	)
	err := r.Pool.QueryRow(ctx, `
		SELECT disabled_types, quiet_hours_on, quiet_start_minute, quiet_end_minute, time_zone
		FROM notification_preferences
		WHERE user_id = $1`, userID).
		Scan(&disabled, &p.QuietHoursOn, &p.QuietStartMinute, &p.QuietEndMinute, &zone)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("query preferences: %w", err)
	}

	if len(disabled) > 0 {
		p.Disabled = make(map[model.NotificationType]bool, len(disabled))
		for _, t := range disabled {
			p.Disabled[model.NotificationType(t)] = true
		}
	}
	if p.Location, err = time.LoadLocation(zone); err != nil {
		return p, fmt.Errorf("preferences time zone %q: %w", zone, err)
	}
	return p, nil
}

// LogNotification appends to the delivery log.
func (r *PostgresRepository) LogNotification(ctx context.Context, rec model.NotificationRecord) error {
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO notification_log (user_id, type, symbol, payload, delivered, suppressed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.UserID, string(rec.Type), rec.Symbol, string(rec.Payload), rec.Delivered, rec.Suppressed, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("log notification: %w", err)
	}
	return nil
}
