// Package postgres provides a PostgreSQL implementation of the entitlement.Store interface.
// Entitlement merges run in transactions with SELECT FOR UPDATE so concurrent deliveries
// for the same row serialize.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

//go:embed schema.sql
var schema string

// Storage implements entitlement.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	now    func() time.Time
}

var _ entitlement.Store = (*Storage)(nil)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Migrate creates the tables on startup when they do not exist
	Migrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		Migrate:         true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config, now: time.Now}
	if config.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping implements entitlement.Store
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return storeError("ping", err)
	}
	return nil
}

// ClaimEvent implements entitlement.EventLedger.
// A conflicting row is only reset when its previous attempt failed or its lease ran out.
func (s *Storage) ClaimEvent(ctx context.Context, ev *entitlement.WebhookEvent) (bool, error) {
	if ev == nil || ev.EventID == "" {
		return false, entitlement.ErrInvalidPatch
	}
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`null`)
	}

	var lease *time.Time
	if ev.LeaseUntil != nil {
		t := ev.LeaseUntil.UTC()
		lease = &t
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (event_id, event_name, received_at, payload, status, lease_until)
			VALUES ($1, $2, $3, $4, 'received', $5)
			ON CONFLICT (event_id) DO UPDATE
				SET status = 'received', processed_at = NULL, error = NULL,
					lease_until = EXCLUDED.lease_until
				WHERE webhook_events.status = 'error'
					OR (webhook_events.status = 'received'
						AND webhook_events.lease_until < EXCLUDED.received_at)`,
		ev.EventID, ev.EventName, receivedAt.UTC(), []byte(payload), lease)
	if err != nil {
		return false, storeError("claim event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkEventProcessed implements entitlement.EventLedger
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string) error {
	return s.finishEvent(ctx, eventID, entitlement.EventProcessed, nil)
}

// MarkEventFailed implements entitlement.EventLedger
func (s *Storage) MarkEventFailed(ctx context.Context, eventID, cause string) error {
	return s.finishEvent(ctx, eventID, entitlement.EventError, &cause)
}

func (s *Storage) finishEvent(ctx context.Context, eventID string, status entitlement.EventStatus, cause *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET status = $2, processed_at = $3, error = $4, lease_until = NULL
			WHERE event_id = $1`,
		eventID, string(status), s.now().UTC(), cause)
	if err != nil {
		return storeError("finish event", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrEventNotFound
	}
	return nil
}

const eventColumns = `event_id, event_name, received_at, payload, processed_at, status, error, lease_until`

// GetEvent implements entitlement.EventLedger
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*entitlement.WebhookEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE event_id = $1`, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrEventNotFound
	}
	if err != nil {
		return nil, storeError("get event", err)
	}
	return ev, nil
}

// ListEvents implements entitlement.EventLedger
func (s *Storage) ListEvents(ctx context.Context, filter entitlement.EventFilter) ([]*entitlement.WebhookEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM webhook_events
			WHERE ($1 = '' OR status = $1)
			ORDER BY received_at DESC
			LIMIT $2`,
		string(filter.Status), clampLimit(filter.Limit))
	if err != nil {
		return nil, storeError("list events", err)
	}
	defer rows.Close()

	var out []*entitlement.WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, storeError("list events", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list events", err)
	}
	return out, nil
}

// UpsertByLicenseKey implements entitlement.EntitlementStore
func (s *Storage) UpsertByLicenseKey(ctx context.Context, p *entitlement.Patch) (*entitlement.Entitlement, error) {
	if !p.HasLicenseKey() {
		return nil, entitlement.ErrInvalidPatch
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storeError("upsert entitlement", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Ensure the row exists so the lock below always has something to hold
	_, err = tx.Exec(ctx,
		`INSERT INTO entitlements (id, license_key, status, updated_at)
			VALUES ($1, $2, 'pending', $3)
			ON CONFLICT (license_key) DO NOTHING`,
		uuid.NewString(), *p.LicenseKey, s.now().UTC())
	if err != nil {
		return nil, storeError("upsert entitlement", err)
	}

	existing, err := scanEntitlement(tx.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE license_key = $1 FOR UPDATE`,
		*p.LicenseKey))
	if err != nil {
		return nil, storeError("upsert entitlement", err)
	}

	merged := entitlement.Merge(existing, p, s.now().UTC())
	if err := writeEntitlement(ctx, tx, merged); err != nil {
		return nil, storeError("upsert entitlement", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storeError("upsert entitlement", err)
	}
	return merged, nil
}

// UpdateByReference implements entitlement.EntitlementStore
func (s *Storage) UpdateByReference(ctx context.Context, p *entitlement.Patch) (int, error) {
	if !p.HasReference() {
		return 0, nil
	}
	var orderID, subscriptionID string
	if p.OrderID != nil {
		orderID = *p.OrderID
	}
	if p.SubscriptionID != nil {
		subscriptionID = *p.SubscriptionID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, storeError("update entitlement", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
			WHERE ($1 <> '' AND order_id = $1) OR ($2 <> '' AND subscription_id = $2)
			ORDER BY id
			FOR UPDATE`,
		orderID, subscriptionID)
	if err != nil {
		return 0, storeError("update entitlement", err)
	}
	var matched []*entitlement.Entitlement
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			rows.Close()
			return 0, storeError("update entitlement", err)
		}
		matched = append(matched, ent)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, storeError("update entitlement", err)
	}

	now := s.now().UTC()
	for _, existing := range matched {
		if err := writeEntitlement(ctx, tx, entitlement.Merge(existing, p, now)); err != nil {
			return 0, storeError("update entitlement", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, storeError("update entitlement", err)
	}
	return len(matched), nil
}

// FindEntitlement implements entitlement.EntitlementStore
func (s *Storage) FindEntitlement(ctx context.Context, lookup entitlement.Lookup) (*entitlement.Entitlement, error) {
	var (
		where string
		arg   string
	)
	switch {
	case lookup.LicenseKey != "":
		where, arg = "license_key = $1", lookup.LicenseKey
	case lookup.OrderID != "":
		where, arg = "order_id = $1", lookup.OrderID
	case lookup.SubscriptionID != "":
		where, arg = "subscription_id = $1", lookup.SubscriptionID
	case lookup.Email != "":
		where, arg = "email = $1", lookup.Email
	default:
		return nil, entitlement.ErrEntitlementNotFound
	}

	ent, err := scanEntitlement(s.pool.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE `+where+` ORDER BY updated_at DESC LIMIT 1`,
		arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, storeError("find entitlement", err)
	}
	return ent, nil
}

const entitlementColumns = `id, email, customer_id, order_id, subscription_id, license_key,
	plan, status, starts_at, expires_at, meta, updated_at`

func writeEntitlement(ctx context.Context, tx pgx.Tx, ent *entitlement.Entitlement) error {
	meta := []byte(`{}`)
	if len(ent.Meta) > 0 {
		var err error
		if meta, err = json.Marshal(ent.Meta); err != nil {
			return fmt.Errorf("failed to marshal meta: %w", err)
		}
	}

	_, err := tx.Exec(ctx,
		`UPDATE entitlements SET
				email = $2, customer_id = $3, order_id = $4, subscription_id = $5, license_key = $6,
				plan = $7, status = $8, starts_at = $9, expires_at = $10, meta = $11, updated_at = $12
			WHERE id = $1`,
		ent.ID,
		nullable(ent.Email), nullable(ent.CustomerID), nullable(ent.OrderID),
		nullable(ent.SubscriptionID), nullable(ent.LicenseKey), nullable(ent.Plan),
		string(ent.Status), ent.StartsAt, ent.ExpiresAt, meta, ent.UpdatedAt,
	)
	return err
}

func scanEntitlement(row pgx.Row) (*entitlement.Entitlement, error) {
	var (
		ent                                       entitlement.Entitlement
		email, customerID, orderID, subID, lk, pl *string
		status                                    string
		meta                                      []byte
	)
	err := row.Scan(&ent.ID, &email, &customerID, &orderID, &subID, &lk,
		&pl, &status, &ent.StartsAt, &ent.ExpiresAt, &meta, &ent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ent.Email = deref(email)
	ent.CustomerID = deref(customerID)
	ent.OrderID = deref(orderID)
	ent.SubscriptionID = deref(subID)
	ent.LicenseKey = deref(lk)
	ent.Plan = deref(pl)
	ent.Status = entitlement.ParseStatus(status)
	if len(meta) > 0 && string(meta) != "{}" {
		if err := json.Unmarshal(meta, &ent.Meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal meta: %w", err)
		}
	}
	return &ent, nil
}

func scanEvent(row pgx.Row) (*entitlement.WebhookEvent, error) {
	var (
		ev      entitlement.WebhookEvent
		status  string
		errText *string
		payload []byte
	)
	err := row.Scan(&ev.EventID, &ev.EventName, &ev.ReceivedAt, &payload, &ev.ProcessedAt, &status, &errText,
		&ev.LeaseUntil)
	if err != nil {
		return nil, err
	}
	ev.Payload = json.RawMessage(payload)
	ev.Status = entitlement.EventStatus(status)
	ev.Error = deref(errText)
	return &ev, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}
