// Package redis provides a Redis implementation of the entitlement.Store interface.
// Event claims run as Lua scripts; entitlement merges use WATCH/MULTI optimistic transactions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Storage implements entitlement.Store using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
	now     func() time.Time
}

var _ entitlement.Store = (*Storage)(nil)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "goentitle:")
	KeyPrefix string

	// MaxRetries is the maximum number of optimistic transaction attempts (default: 10)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "goentitle:",
		MaxRetries: 10,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "goentitle:"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 10
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
		now:     time.Now,
	}
	s.loadScripts()
	return s, nil
}

func (s *Storage) loadScripts() {
	// Claim a webhook event. New ids are inserted; ids in error state, or received with an
	// expired lease (unix ms), are reset to received under the new lease.
	s.scripts["claim"] = redis.NewScript(`
		local eventKey = KEYS[1]
		local indexKey = KEYS[2]
		local now = tonumber(ARGV[5])
		local lease = ARGV[6]

		local status = redis.call('HGET', eventKey, 'status')
		if status then
			local reclaim = status == 'error'
			if status == 'received' then
				local held = tonumber(redis.call('HGET', eventKey, 'lease_until') or '')
				reclaim = held ~= nil and held < now
			end
			if not reclaim then
				return 0
			end
			redis.call('HSET', eventKey, 'status', 'received')
			redis.call('HDEL', eventKey, 'processed_at', 'error', 'lease_until')
			if lease ~= '' then
				redis.call('HSET', eventKey, 'lease_until', lease)
			end
			return 1
		end

		redis.call('HSET', eventKey,
			'event_id', ARGV[1],
			'event_name', ARGV[2],
			'received_at', ARGV[3],
			'payload', ARGV[4],
			'status', 'received')
		if lease ~= '' then
			redis.call('HSET', eventKey, 'lease_until', lease)
		end
		redis.call('ZADD', indexKey, ARGV[5], ARGV[1])
		return 1
	`)

	// Finish a claimed event
	s.scripts["finish"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return 0
		end
		redis.call('HSET', KEYS[1], 'status', ARGV[1], 'processed_at', ARGV[2], 'error', ARGV[3])
		redis.call('HDEL', KEYS[1], 'lease_until')
		return 1
	`)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", entitlement.ErrStoreUnavailable, op, err)
}

// ClaimEvent implements entitlement.EventLedger
func (s *Storage) ClaimEvent(ctx context.Context, ev *entitlement.WebhookEvent) (bool, error) {
	if ev == nil || ev.EventID == "" {
		return false, entitlement.ErrInvalidPatch
	}
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}
	receivedAt = receivedAt.UTC()
	var lease string
	if ev.LeaseUntil != nil {
		lease = strconv.FormatInt(ev.LeaseUntil.UnixMilli(), 10)
	}

	res, err := s.scripts["claim"].Run(ctx, s.client,
		[]string{s.eventKey(ev.EventID), s.eventsIndexKey()},
		ev.EventID,
		ev.EventName,
		receivedAt.Format(time.RFC3339Nano),
		string(ev.Payload),
		receivedAt.UnixMilli(),
		lease,
	).Int()
	if err != nil {
		return false, unavailable("claim event", err)
	}
	return res == 1, nil
}

// MarkEventProcessed implements entitlement.EventLedger
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string) error {
	return s.finishEvent(ctx, eventID, entitlement.EventProcessed, "")
}

// MarkEventFailed implements entitlement.EventLedger
func (s *Storage) MarkEventFailed(ctx context.Context, eventID, cause string) error {
	return s.finishEvent(ctx, eventID, entitlement.EventError, cause)
}

func (s *Storage) finishEvent(ctx context.Context, eventID string, status entitlement.EventStatus, cause string) error {
	res, err := s.scripts["finish"].Run(ctx, s.client,
		[]string{s.eventKey(eventID)},
		string(status),
		s.now().UTC().Format(time.RFC3339Nano),
		cause,
	).Int()
	if err != nil {
		return unavailable("finish event", err)
	}
	if res == 0 {
		return entitlement.ErrEventNotFound
	}
	return nil
}

// GetEvent implements entitlement.EventLedger
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*entitlement.WebhookEvent, error) {
	fields, err := s.client.HGetAll(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return nil, unavailable("get event", err)
	}
	if len(fields) == 0 {
		return nil, entitlement.ErrEventNotFound
	}
	return decodeEvent(fields), nil
}

// ListEvents implements entitlement.EventLedger
func (s *Storage) ListEvents(ctx context.Context, filter entitlement.EventFilter) ([]*entitlement.WebhookEvent, error) {
	limit := clampLimit(filter.Limit)
	out := make([]*entitlement.WebhookEvent, 0, limit)

	const page = 200
	for start := int64(0); len(out) < limit; start += page {
		ids, err := s.client.ZRevRange(ctx, s.eventsIndexKey(), start, start+page-1).Result()
		if err != nil {
			return nil, unavailable("list events", err)
		}
		if len(ids) == 0 {
			break
		}

		cmds, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, id := range ids {
				pipe.HGetAll(ctx, s.eventKey(id))
			}
			return nil
		})
		if err != nil {
			return nil, unavailable("list events", err)
		}

		for _, cmd := range cmds {
			fields, err := cmd.(*redis.MapStringStringCmd).Result()
			if err != nil || len(fields) == 0 {
				continue
			}
			ev := decodeEvent(fields)
			if filter.Status != "" && ev.Status != filter.Status {
				continue
			}
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// UpsertByLicenseKey implements entitlement.EntitlementStore
func (s *Storage) UpsertByLicenseKey(ctx context.Context, p *entitlement.Patch) (*entitlement.Entitlement, error) {
	if !p.HasLicenseKey() {
		return nil, entitlement.ErrInvalidPatch
	}
	licenseKey := s.licenseIndexKey(*p.LicenseKey)

	var result *entitlement.Entitlement
	txf := func(tx *redis.Tx) error {
		var existing *entitlement.Entitlement
		id, err := tx.Get(ctx, licenseKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := tx.Watch(ctx, s.entitlementKey(id)).Err(); err != nil {
				return err
			}
			existing, err = s.loadEntitlement(ctx, tx, id)
			if errors.Is(err, entitlement.ErrEntitlementNotFound) {
				existing = nil
			} else if err != nil {
				return err
			}
		}

		merged := entitlement.Merge(existing, p, s.now().UTC())
		if merged.ID == "" {
			merged.ID = uuid.NewString()
		}
		if err := s.writeEntitlement(ctx, tx, existing, merged); err != nil {
			return err
		}
		result = merged
		return nil
	}

	if err := s.withRetries(ctx, txf, licenseKey); err != nil {
		return nil, unavailable("upsert entitlement", err)
	}
	return result, nil
}

// UpdateByReference implements entitlement.EntitlementStore
func (s *Storage) UpdateByReference(ctx context.Context, p *entitlement.Patch) (int, error) {
	if !p.HasReference() {
		return 0, nil
	}

	var indexKeys []string
	if p.OrderID != nil && *p.OrderID != "" {
		indexKeys = append(indexKeys, s.orderIndexKey(*p.OrderID))
	}
	if p.SubscriptionID != nil && *p.SubscriptionID != "" {
		indexKeys = append(indexKeys, s.subscriptionIndexKey(*p.SubscriptionID))
	}

	ids, err := s.client.SUnion(ctx, indexKeys...).Result()
	if err != nil {
		return 0, unavailable("update entitlement", err)
	}

	updated := 0
	for _, id := range ids {
		entKey := s.entitlementKey(id)
		matched := false
		txf := func(tx *redis.Tx) error {
			matched = false
			existing, err := s.loadEntitlement(ctx, tx, id)
			if errors.Is(err, entitlement.ErrEntitlementNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !matchesReference(existing, p) {
				return nil
			}
			merged := entitlement.Merge(existing, p, s.now().UTC())
			if err := s.writeEntitlement(ctx, tx, existing, merged); err != nil {
				return err
			}
			matched = true
			return nil
		}
		if err := s.withRetries(ctx, txf, entKey); err != nil {
			return updated, unavailable("update entitlement", err)
		}
		if matched {
			updated++
		}
	}
	return updated, nil
}

// FindEntitlement implements entitlement.EntitlementStore
func (s *Storage) FindEntitlement(ctx context.Context, lookup entitlement.Lookup) (*entitlement.Entitlement, error) {
	var (
		ids []string
		err error
	)
	switch {
	case lookup.LicenseKey != "":
		var id string
		id, err = s.client.Get(ctx, s.licenseIndexKey(lookup.LicenseKey)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, entitlement.ErrEntitlementNotFound
		}
		ids = []string{id}
	case lookup.OrderID != "":
		ids, err = s.client.SMembers(ctx, s.orderIndexKey(lookup.OrderID)).Result()
	case lookup.SubscriptionID != "":
		ids, err = s.client.SMembers(ctx, s.subscriptionIndexKey(lookup.SubscriptionID)).Result()
	case lookup.Email != "":
		ids, err = s.client.ZRevRange(ctx, s.emailIndexKey(lookup.Email), 0, 0).Result()
	default:
		return nil, entitlement.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, unavailable("find entitlement", err)
	}

	var best *entitlement.Entitlement
	for _, id := range ids {
		ent, err := s.loadEntitlement(ctx, s.client, id)
		if errors.Is(err, entitlement.ErrEntitlementNotFound) {
			continue
		}
		if err != nil {
			return nil, unavailable("find entitlement", err)
		}
		if best == nil || ent.UpdatedAt.After(best.UpdatedAt) {
			best = ent
		}
	}
	if best == nil {
		return nil, entitlement.ErrEntitlementNotFound
	}
	return best, nil
}

// withRetries runs fn in a WATCH transaction, retrying on optimistic lock failures
func (s *Storage) withRetries(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Millisecond):
		}
	}
	return fmt.Errorf("transaction retries exhausted: %w", err)
}

// getter is satisfied by both the client and a WATCH transaction
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Storage) loadEntitlement(ctx context.Context, c getter, id string) (*entitlement.Entitlement, error) {
	data, err := c.Get(ctx, s.entitlementKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, err
	}

	var ent entitlement.Entitlement
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entitlement: %w", err)
	}
	return &ent, nil
}

// writeEntitlement stores the merged row and moves its secondary indexes inside MULTI
func (s *Storage) writeEntitlement(ctx context.Context, tx *redis.Tx, old, ent *entitlement.Entitlement) error {
	data, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("failed to marshal entitlement: %w", err)
	}
	if old == nil {
		old = &entitlement.Entitlement{}
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entitlementKey(ent.ID), data, 0)

		if ent.LicenseKey != "" {
			pipe.Set(ctx, s.licenseIndexKey(ent.LicenseKey), ent.ID, 0)
		}
		if old.OrderID != "" && old.OrderID != ent.OrderID {
			pipe.SRem(ctx, s.orderIndexKey(old.OrderID), ent.ID)
		}
		if ent.OrderID != "" {
			pipe.SAdd(ctx, s.orderIndexKey(ent.OrderID), ent.ID)
		}
		if old.SubscriptionID != "" && old.SubscriptionID != ent.SubscriptionID {
			pipe.SRem(ctx, s.subscriptionIndexKey(old.SubscriptionID), ent.ID)
		}
		if ent.SubscriptionID != "" {
			pipe.SAdd(ctx, s.subscriptionIndexKey(ent.SubscriptionID), ent.ID)
		}
		if old.Email != "" && old.Email != ent.Email {
			pipe.ZRem(ctx, s.emailIndexKey(old.Email), ent.ID)
		}
		if ent.Email != "" {
			pipe.ZAdd(ctx, s.emailIndexKey(ent.Email), redis.Z{
				Score:  float64(ent.UpdatedAt.UnixMicro()),
				Member: ent.ID,
			})
		}
		return nil
	})
	return err
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func decodeEvent(fields map[string]string) *entitlement.WebhookEvent {
	ev := &entitlement.WebhookEvent{
		EventID:   fields["event_id"],
		EventName: fields["event_name"],
		Status:    entitlement.EventStatus(fields["status"]),
		Error:     fields["error"],
	}
	if fields["payload"] != "" {
		ev.Payload = json.RawMessage(fields["payload"])
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["received_at"]); err == nil {
		ev.ReceivedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["processed_at"]); err == nil {
		ev.ProcessedAt = &t
	}
	if ms, err := strconv.ParseInt(fields["lease_until"], 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		ev.LeaseUntil = &t
	}
	return ev
}

func matchesReference(ent *entitlement.Entitlement, p *entitlement.Patch) bool {
	if p.OrderID != nil && *p.OrderID != "" && ent.OrderID == *p.OrderID {
		return true
	}
	return p.SubscriptionID != nil && *p.SubscriptionID != "" && ent.SubscriptionID == *p.SubscriptionID
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

func (s *Storage) eventKey(eventID string) string {
	return s.config.KeyPrefix + "event:" + eventID
}

func (s *Storage) eventsIndexKey() string {
	return s.config.KeyPrefix + "events"
}

func (s *Storage) entitlementKey(id string) string {
	return s.config.KeyPrefix + "ent:" + id
}

func (s *Storage) licenseIndexKey(licenseKey string) string {
	return s.config.KeyPrefix + "idx:license:" + licenseKey
}

func (s *Storage) orderIndexKey(orderID string) string {
	return s.config.KeyPrefix + "idx:order:" + orderID
}

func (s *Storage) subscriptionIndexKey(subscriptionID string) string {
	return s.config.KeyPrefix + "idx:sub:" + subscriptionID
}

func (s *Storage) emailIndexKey(email string) string {
	return s.config.KeyPrefix + "idx:email:" + email
}
