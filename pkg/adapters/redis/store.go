package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key the adapter writes.
const DefaultPrefix = "flows:"

// Store implements ports.RunStore using Redis.
//
// Runs are stored as JSON. Secondary indexes are kept next to them:
//
//	<prefix>run:<uuid>              run JSON
//	<prefix>contact:<uuid>:active   ZSET of active runs, scored by save order
//	<prefix>flow:<uuid>:status      HASH status -> count
//	<prefix>flow:<uuid>:waiting     HASH node -> runs waiting there
//	<prefix>expires, <prefix>timeouts  ZSET run uuid scored by unix millis
//
// All saves of one contact happen under that contact's lock, so the index
// maintenance does not need optimistic locking.
type Store struct {
	client backend.UniversalClient
	prefix string
}

var _ ports.RunStore = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client backend.UniversalClient, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Client exposes the underlying client so other adapters can share it.
func (s *Store) Client() backend.UniversalClient {
	return s.client
}

func (s *Store) runKey(runUUID string) string        { return s.prefix + "run:" + runUUID }
func (s *Store) activeKey(contactUUID string) string { return s.prefix + "contact:" + contactUUID + ":active" }
func (s *Store) statusKey(flowUUID string) string    { return s.prefix + "flow:" + flowUUID + ":status" }
func (s *Store) waitingKey(flowUUID string) string   { return s.prefix + "flow:" + flowUUID + ":waiting" }
func (s *Store) expiresKey() string                  { return s.prefix + "expires" }
func (s *Store) timeoutsKey() string                 { return s.prefix + "timeouts" }
func (s *Store) seqKey() string                      { return s.prefix + "seq" }

// Save persists the run and moves it between indexes.
func (s *Store) Save(ctx context.Context, run *domain.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	old, err := s.Get(ctx, run.UUID)
	if err != nil && !errors.Is(err, domain.ErrRunNotFound) {
		return err
	}

	var seq float64
	if run.IsActive {
		seq, err = s.client.ZScore(ctx, s.activeKey(run.ContactUUID), run.UUID).Result()
		if errors.Is(err, backend.Nil) {
			n, err := s.client.Incr(ctx, s.seqKey()).Result()
			if err != nil {
				return fmt.Errorf("failed to allocate sequence: %w", err)
			}
			seq = float64(n)
		} else if err != nil {
			return fmt.Errorf("failed to read sequence: %w", err)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.Set(ctx, s.runKey(run.UUID), data, 0)
		if old != nil {
			s.unindex(ctx, pipe, old)
		}
		s.index(ctx, pipe, run, seq)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save run to redis: %w", err)
	}
	return nil
}

func (s *Store) index(ctx context.Context, pipe backend.Pipeliner, run *domain.Run, seq float64) {
	pipe.HIncrBy(ctx, s.statusKey(run.FlowUUID), string(run.Status), 1)
	if node := run.WaitingAt(); node != "" {
		pipe.HIncrBy(ctx, s.waitingKey(run.FlowUUID), node, 1)
	}
	if run.IsActive {
		pipe.ZAdd(ctx, s.activeKey(run.ContactUUID), backend.Z{Score: seq, Member: run.UUID})
	}
	if run.IsActive && run.ExpiresOn != nil {
		pipe.ZAdd(ctx, s.expiresKey(), backend.Z{Score: float64(run.ExpiresOn.UnixMilli()), Member: run.UUID})
	}
	if run.IsActive && run.TimeoutOn != nil {
		pipe.ZAdd(ctx, s.timeoutsKey(), backend.Z{Score: float64(run.TimeoutOn.UnixMilli()), Member: run.UUID})
	}
}

// unindex takes old out of every index. Save re-adds what still applies in
// the same transaction, so the active sequence survives because ZAdd
// follows ZRem.
func (s *Store) unindex(ctx context.Context, pipe backend.Pipeliner, old *domain.Run) {
	pipe.HIncrBy(ctx, s.statusKey(old.FlowUUID), string(old.Status), -1)
	if node := old.WaitingAt(); node != "" {
		pipe.HIncrBy(ctx, s.waitingKey(old.FlowUUID), node, -1)
	}
	pipe.ZRem(ctx, s.activeKey(old.ContactUUID), old.UUID)
	pipe.ZRem(ctx, s.expiresKey(), old.UUID)
	pipe.ZRem(ctx, s.timeoutsKey(), old.UUID)
}

// Get retrieves a run.
func (s *Store) Get(ctx context.Context, runUUID string) (*domain.Run, error) {
	val, err := s.client.Get(ctx, s.runKey(runUUID)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run from redis: %w", err)
	}
	return decodeRun(val)
}

// Delete removes the run and its index entries.
func (s *Store) Delete(ctx context.Context, runUUID string) error {
	old, err := s.Get(ctx, runUUID)
	if errors.Is(err, domain.ErrRunNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.Del(ctx, s.runKey(runUUID))
		s.unindex(ctx, pipe, old)
		return nil
	})
	return err
}

// ActiveForContact returns the contact's active runs, oldest first.
func (s *Store) ActiveForContact(ctx context.Context, contactUUID string) ([]*domain.Run, error) {
	members, err := s.client.ZRangeWithScores(ctx, s.activeKey(contactUUID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read active runs: %w", err)
	}
	ids := make([]string, len(members))
	seq := make(map[string]float64, len(members))
	for i, m := range members {
		id := m.Member.(string)
		ids[i] = id
		seq[id] = m.Score
	}

	runs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedOn.Equal(runs[j].CreatedOn) {
			return seq[runs[i].UUID] < seq[runs[j].UUID]
		}
		return runs[i].CreatedOn.Before(runs[j].CreatedOn)
	})
	return runs, nil
}

// ListExpired returns active runs whose expires_on is at or before now.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Run, error) {
	return s.due(ctx, s.expiresKey(), now, limit)
}

// ListTimedOut returns active runs whose timeout_on is at or before now.
func (s *Store) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*domain.Run, error) {
	return s.due(ctx, s.timeoutsKey(), now, limit)
}

func (s *Store) due(ctx context.Context, key string, now time.Time, limit int) ([]*domain.Run, error) {
	by := &backend.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, key, by).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return s.load(ctx, ids)
}

// CountByStatus counts a flow's runs per status.
func (s *Store) CountByStatus(ctx context.Context, flowUUID string) (map[domain.RunStatus]int, error) {
	fields, err := s.client.HGetAll(ctx, s.statusKey(flowUUID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read status counts: %w", err)
	}
	counts := map[domain.RunStatus]int{}
	for status, raw := range fields {
		if n, _ := strconv.Atoi(raw); n > 0 {
			counts[domain.RunStatus(status)] = n
		}
	}
	return counts, nil
}

// WaitingByNode counts a flow's waiting runs per current node.
func (s *Store) WaitingByNode(ctx context.Context, flowUUID string) (map[string]int, error) {
	fields, err := s.client.HGetAll(ctx, s.waitingKey(flowUUID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read waiting counts: %w", err)
	}
	counts := map[string]int{}
	for node, raw := range fields {
		if n, _ := strconv.Atoi(raw); n > 0 {
			counts[node] = n
		}
	}
	return counts, nil
}

// load fetches runs in ids order, skipping ones deleted in the meantime.
func (s *Store) load(ctx context.Context, ids []string) ([]*domain.Run, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}
	runs := make([]*domain.Run, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		run, err := decodeRun([]byte(str))
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func decodeRun(data []byte) (*domain.Run, error) {
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	if run.Results == nil {
		run.Results = make(map[string]domain.Result)
	}
	if run.Extra == nil {
		run.Extra = make(map[string]string)
	}
	return &run, nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
