// Package redis stores session records as Redis hashes.
//
// Each record is a hash at <prefix>rec:<member> where the member is
// <len(application)>:<application><session id>, and a sorted set at
// <prefix>expiry scores every member by its expiry in unix milliseconds. Every conditional write runs as a Lua script so the
// predicate and the mutation are one atomic step on the server.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pixperk/lockbox/pkg/store"
	"github.com/pixperk/lockbox/pkg/types"
	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "lockbox:"

// Config for the Redis store. Client wins over Addr when both are set.
type Config struct {
	Client    redis.UniversalClient
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	owned     bool
}

var _ store.Store = (*Store)(nil)

func New(ctx context.Context, cfg Config) (*Store, error) {
	client, owned := cfg.Client, false
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		owned = true
	}

	if err := client.Ping(ctx).Err(); err != nil {
		if owned {
			client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{client: client, keyPrefix: prefix, owned: owned}, nil
}

// NewFromClient wraps an existing client without pinging it. The caller
// keeps ownership of the client.
func NewFromClient(client redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{client: client, keyPrefix: keyPrefix}
}

func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

// --- Key helpers ---

// the decimal length prefix makes the member injective over keys
func member(key types.Key) string {
	return strconv.Itoa(len(key.Application)) + ":" + key.Application + key.SessionID
}

func (s *Store) recordKey(m string) string { return s.keyPrefix + "rec:" + m }
func (s *Store) expiryKey() string         { return s.keyPrefix + "expiry" }

// --- Scripts ---

var insertScript = redis.NewScript(`
local rec = KEYS[1]
if redis.call('EXISTS', rec) == 1 then
  return 0
end
redis.call('HSET', rec,
  'app', ARGV[1], 'id', ARGV[2], 'created', ARGV[3], 'expires', ARGV[4],
  'lockDate', ARGV[5], 'token', ARGV[6], 'timeout', ARGV[7], 'locked', ARGV[8],
  'payload', ARGV[9], 'flags', ARGV[10])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[11])
return 1
`)

// ARGV[1..4] is the condition, see conditionArgs
var updateScript = redis.NewScript(`
local rec = KEYS[1]
if redis.call('EXISTS', rec) == 0 then
  return {}
end
local h = redis.call('HMGET', rec, 'expires', 'locked', 'token', 'timeout')
local expires = tonumber(h[1])
if ARGV[1] == '1' and h[2] == '1' then return {} end
if ARGV[2] ~= '' and expires <= tonumber(ARGV[2]) then return {} end
if ARGV[3] ~= '' and expires > tonumber(ARGV[3]) then return {} end
if ARGV[4] ~= '' and tonumber(h[3]) ~= tonumber(ARGV[4]) then return {} end

local prior = redis.call('HGETALL', rec)

if ARGV[5] ~= '' then redis.call('HSET', rec, 'locked', ARGV[5]) end
if ARGV[6] ~= '' then redis.call('HSET', rec, 'lockDate', ARGV[6]) end
if ARGV[7] == '1' then
  redis.call('HSET', rec, 'token', string.format('%.0f', tonumber(h[3]) + 1))
end
if ARGV[8] ~= '' then redis.call('HSET', rec, 'flags', ARGV[8]) end

local newExpires = nil
if ARGV[9] ~= '' then newExpires = ARGV[9] end
if ARGV[10] ~= '' then
  newExpires = string.format('%.0f', tonumber(ARGV[10]) + tonumber(h[4]) * 60000)
end
if newExpires then
  redis.call('HSET', rec, 'expires', newExpires)
  redis.call('ZADD', KEYS[2], newExpires, ARGV[14])
end

if ARGV[11] ~= '' then redis.call('HSET', rec, 'timeout', ARGV[11]) end
if ARGV[12] == '1' then redis.call('HSET', rec, 'payload', ARGV[13]) end
return prior
`)

var deleteScript = redis.NewScript(`
local rec = KEYS[1]
if redis.call('EXISTS', rec) == 0 then
  redis.call('ZREM', KEYS[2], ARGV[5])
  return 0
end
local h = redis.call('HMGET', rec, 'expires', 'locked', 'token')
local expires = tonumber(h[1])
if ARGV[1] == '1' and h[2] == '1' then return 0 end
if ARGV[2] ~= '' and expires <= tonumber(ARGV[2]) then return 0 end
if ARGV[3] ~= '' and expires > tonumber(ARGV[3]) then return 0 end
if ARGV[4] ~= '' and tonumber(h[3]) ~= tonumber(ARGV[4]) then return 0 end
redis.call('DEL', rec)
redis.call('ZREM', KEYS[2], ARGV[5])
return 1
`)

// sweeps one batch off the expiry index
// each candidate is re-checked against its hash: dead records are deleted,
// refreshed ones get their index score repaired, orphans are dropped.
// Record keys are derived from ARGV[2], so the script is not cluster safe.
var sweepScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[3])
local deleted = 0
for _, m in ipairs(members) do
  local rec = ARGV[2] .. m
  local expires = redis.call('HGET', rec, 'expires')
  if not expires then
    redis.call('ZREM', KEYS[1], m)
  elseif tonumber(expires) <= now then
    redis.call('DEL', rec)
    redis.call('ZREM', KEYS[1], m)
    deleted = deleted + 1
  else
    redis.call('ZADD', KEYS[1], expires, m)
  end
end
return {deleted, #members}
`)

const sweepBatch = 500

// --- Store ---

func (s *Store) Get(ctx context.Context, key types.Key) (*types.Record, error) {
	h, err := s.client.HGetAll(ctx, s.recordKey(member(key))).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, types.ErrNotFound
	}
	return decodeHash(h)
}

func (s *Store) Insert(ctx context.Context, rec *types.Record) error {
	m := member(rec.Key)
	keys := []string{s.recordKey(m), s.expiryKey()}
	args := []any{
		rec.Application,
		rec.SessionID,
		millis(rec.Created),
		millis(rec.Expires),
		millis(rec.LockDate),
		strconv.FormatUint(rec.LockToken, 10),
		strconv.Itoa(rec.TimeoutMinutes),
		flag(rec.Locked),
		rec.Payload,
		strconv.Itoa(int(rec.ActionFlags)),
		m,
	}

	n, err := insertScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", rec.Key, types.ErrDuplicateKey)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, key types.Key, cond types.Condition, mut types.Mutation) (store.UpdateResult, error) {
	m := member(key)
	keys := []string{s.recordKey(m), s.expiryKey()}

	args := conditionArgs(cond)
	args = append(args,
		optionalBool(mut.Locked),
		optionalTime(mut.LockDate),
		flag(mut.BumpToken),
		optionalFlags(mut.ActionFlags),
		optionalTime(mut.Expires),
		optionalTime(mut.SlideFrom),
		optionalInt(mut.TimeoutMinutes),
		flag(mut.SetPayload),
		mut.Payload,
		m,
	)

	res, err := updateScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return store.UpdateResult{}, err
	}
	if len(res) == 0 {
		return store.UpdateResult{}, nil
	}

	prior, err := decodeFlat(res)
	if err != nil {
		return store.UpdateResult{}, err
	}
	return store.UpdateResult{Affected: 1, Prior: prior}, nil
}

func (s *Store) Delete(ctx context.Context, key types.Key) error {
	_, err := s.DeleteIf(ctx, key, types.Condition{})
	return err
}

func (s *Store) DeleteIf(ctx context.Context, key types.Key, cond types.Condition) (int64, error) {
	return s.deleteMember(ctx, member(key), cond)
}

func (s *Store) deleteMember(ctx context.Context, m string, cond types.Condition) (int64, error) {
	keys := []string{s.recordKey(m), s.expiryKey()}
	args := append(conditionArgs(cond), m)
	return deleteScript.Run(ctx, s.client, keys, args...).Int64()
}

// DeleteExpired removes dead records in batches of sweepBatch, each batch
// one script. It returns the number of records deleted.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	for {
		res, err := sweepScript.Run(ctx, s.client,
			[]string{s.expiryKey()},
			millis(now), s.keyPrefix+"rec:", sweepBatch,
		).Int64Slice()
		if err != nil {
			return deleted, err
		}
		deleted += res[0]

		//every scanned member left the range, a short batch means it is empty
		if res[1] < sweepBatch {
			return deleted, nil
		}
	}
}

// --- Encoding helpers ---

func conditionArgs(c types.Condition) []any {
	token := ""
	if c.LockToken != nil {
		token = strconv.FormatUint(*c.LockToken, 10)
	}
	return []any{
		flag(c.Unlocked),
		zeroableTime(c.LiveAt),
		zeroableTime(c.DeadAt),
		token,
	}
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func zeroableTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return millis(t)
}

func optionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return millis(*t)
}

func optionalBool(b *bool) string {
	if b == nil {
		return ""
	}
	return flag(*b)
}

func optionalInt(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}

func optionalFlags(f *types.ActionFlags) string {
	if f == nil {
		return ""
	}
	return strconv.Itoa(int(*f))
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// decodes the flat field/value reply of HGETALL inside a script
func decodeFlat(res []any) (*types.Record, error) {
	h := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, ok1 := res[i].(string)
		v, ok2 := res[i+1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: unexpected script reply", types.ErrMalformedRecord)
		}
		h[k] = v
	}
	return decodeHash(h)
}

func decodeHash(h map[string]string) (*types.Record, error) {
	var errs []string
	parseInt := func(field string) int64 {
		n, err := strconv.ParseInt(h[field], 10, 64)
		if err != nil {
			errs = append(errs, field)
		}
		return n
	}
	parseTime := func(field string) time.Time {
		return time.UnixMilli(parseInt(field)).UTC()
	}

	rec := &types.Record{
		Key:            types.Key{Application: h["app"], SessionID: h["id"]},
		Created:        parseTime("created"),
		Expires:        parseTime("expires"),
		LockDate:       parseTime("lockDate"),
		LockToken:      uint64(parseInt("token")),
		TimeoutMinutes: int(parseInt("timeout")),
		Locked:         h["locked"] == "1",
		ActionFlags:    types.ActionFlags(parseInt("flags")),
	}
	if p := h["payload"]; p != "" {
		rec.Payload = []byte(p)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: bad fields %s", types.ErrMalformedRecord, strings.Join(errs, ","))
	}
	return rec, nil
}
