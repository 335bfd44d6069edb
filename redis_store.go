package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// redisStore implements Store on Redis. Every coordinating operation is a
// Lua script so concurrent workers and the HTTP layer never race across
// round trips; job records are JSON strings the scripts rewrite in place.
type redisStore struct {
	rdb *redis.Client
}

func newRedisStore(ctx context.Context, cfg RedisConfig) (*redisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &redisStore{rdb: rdb}, nil
}

func (s *redisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }
func (s *redisStore) Close() error                   { return s.rdb.Close() }

func (s *redisStore) jobKey(kind, id string) string  { return "job:" + kind + ":" + id }
func (s *redisStore) jobPrefix(kind string) string   { return "job:" + kind + ":" }
func (s *redisStore) qKey(kind, part string) string  { return "q:" + kind + ":" + part }
func (s *redisStore) seqKey(kind string) string      { return "seq:" + kind }

// incrWindowScript increments the counter and starts the window only on
// the first increment, so two concurrent first requests cannot both see a
// fresh window.
var incrWindowScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {c, ttl}
`)

func (s *redisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrWindowScript.Run(ctx, s.rdb, []string{key}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, err
	}
	count, _ := res[0].(int64)
	ttlMS, _ := res[1].(int64)
	return count, time.Duration(ttlMS) * time.Millisecond, nil
}

var touchDeviceScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'first_ms', ARGV[2])
local n = redis.call('HINCRBY', KEYS[1], 'requests', 1)
redis.call('HSET', KEYS[1], 'last_ms', ARGV[2], 'last_ip', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return {redis.call('HGET', KEYS[1], 'first_ms'), n}
`)

func (s *redisStore) TouchDevice(ctx context.Context, fp, ip string, now time.Time, ttl time.Duration) (DeviceRecord, error) {
	res, err := touchDeviceScript.Run(ctx, s.rdb, []string{keyDevice + fp},
		ip, now.UnixMilli(), ttl.Milliseconds()).Slice()
	if err != nil {
		return DeviceRecord{}, err
	}
	first, _ := strconv.ParseInt(fmt.Sprint(res[0]), 10, 64)
	count, _ := res[1].(int64)
	return DeviceRecord{
		Fingerprint: fp,
		FirstSeenMS: first,
		LastSeenMS:  now.UnixMilli(),
		LastIP:      ip,
		Requests:    count,
	}, nil
}

func (s *redisStore) GetDevice(ctx context.Context, fp string) (*DeviceRecord, error) {
	vals, err := s.rdb.HGetAll(ctx, keyDevice+fp).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	first, _ := strconv.ParseInt(vals["first_ms"], 10, 64)
	last, _ := strconv.ParseInt(vals["last_ms"], 10, 64)
	count, _ := strconv.ParseInt(vals["requests"], 10, 64)
	return &DeviceRecord{
		Fingerprint: fp,
		FirstSeenMS: first,
		LastSeenMS:  last,
		LastIP:      vals["last_ip"],
		Requests:    count,
	}, nil
}

func (s *redisStore) PutBlock(ctx context.Context, fp string, rec BlockRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keyBlock+fp, data, ttl).Err()
}

func (s *redisStore) GetBlock(ctx context.Context, fp string) (*BlockRecord, error) {
	val, err := s.rdb.Get(ctx, keyBlock+fp).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec BlockRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *redisStore) DeleteBlock(ctx context.Context, fp string) error {
	return s.rdb.Del(ctx, keyBlock+fp).Err()
}

var createJobScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
  return 0
end
local seq = redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) * 2^40 + seq, ARGV[3])
return 1
`)

func (s *redisStore) CreateJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	created, err := createJobScript.Run(ctx, s.rdb,
		[]string{s.jobKey(job.Kind, job.ID), s.qKey(job.Kind, "pending"), s.seqKey(job.Kind)},
		data, job.Priority.rank(), job.ID).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return ErrJobExists
	}
	return nil
}

func (s *redisStore) GetJob(ctx context.Context, kind, id string) (*Job, error) {
	val, err := s.rdb.Get(ctx, s.jobKey(kind, id)).Result()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// claimScript first promotes delayed jobs whose backoff elapsed into the
// pending set (back of their priority tier), then pops the head of the
// pending set and flips it to active. One atomic execution means two
// workers can never claim the same job.
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local raw = redis.call('GET', ARGV[2] .. id)
  if raw then
    local job = cjson.decode(raw)
    local rank = 1
    if job['priority'] == 'high' then rank = 0 end
    if job['priority'] == 'low' then rank = 2 end
    local seq = redis.call('INCR', KEYS[4])
    redis.call('ZADD', KEYS[1], rank * 2^40 + seq, id)
  end
end
while true do
  local head = redis.call('ZRANGE', KEYS[1], 0, 0)
  if #head == 0 then
    return false
  end
  local id = head[1]
  redis.call('ZREM', KEYS[1], id)
  local raw = redis.call('GET', ARGV[2] .. id)
  if raw then
    local job = cjson.decode(raw)
    if job['state'] == 'queued' then
      job['state'] = 'active'
      job['attempt'] = (job['attempt'] or 0) + 1
      job['started_ms'] = now
      job['not_before_ms'] = nil
      local enc = cjson.encode(job)
      redis.call('SET', ARGV[2] .. id, enc)
      redis.call('ZADD', KEYS[3], now + (job['timeout_ms'] or 0), id)
      return enc
    end
  end
end
`)

func (s *redisStore) ClaimNext(ctx context.Context, kind string, now time.Time) (*Job, error) {
	raw, err := claimScript.Run(ctx, s.rdb,
		[]string{s.qKey(kind, "pending"), s.qKey(kind, "delayed"), s.qKey(kind, "active"), s.seqKey(kind)},
		now.UnixMilli(), s.jobPrefix(kind)).Text()
	if err == redis.Nil {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

var completeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return redis.error_reply('notfound') end
local job = cjson.decode(raw)
if job['state'] ~= 'active' or (job['attempt'] or 0) ~= tonumber(ARGV[1]) then
  return redis.error_reply('conflict')
end
job['state'] = 'completed'
job['finished_ms'] = tonumber(ARGV[2])
job['progress'] = 100
job['error'] = nil
job['result'] = {output_path = ARGV[4], size_bytes = tonumber(ARGV[5])}
local enc = cjson.encode(job)
redis.call('SET', KEYS[1], enc, 'PX', ARGV[3])
redis.call('ZREM', KEYS[2], job['id'])
redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), job['id'])
return enc
`)

func (s *redisStore) CompleteJob(ctx context.Context, kind, id string, attempt int, res Result, now time.Time, ttl time.Duration) (*Job, error) {
	return s.runJobScript(ctx, completeScript,
		[]string{s.jobKey(kind, id), s.qKey(kind, "active"), s.qKey(kind, "done")},
		attempt, now.UnixMilli(), ttl.Milliseconds(), res.OutputPath, res.SizeBytes)
}

var retryScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return redis.error_reply('notfound') end
local job = cjson.decode(raw)
if job['state'] ~= 'active' or (job['attempt'] or 0) ~= tonumber(ARGV[1]) then
  return redis.error_reply('conflict')
end
job['state'] = 'queued'
job['error'] = ARGV[2]
job['not_before_ms'] = tonumber(ARGV[3])
local enc = cjson.encode(job)
redis.call('SET', KEYS[1], enc)
redis.call('ZREM', KEYS[2], job['id'])
redis.call('ZADD', KEYS[3], tonumber(ARGV[3]), job['id'])
return enc
`)

func (s *redisStore) RetryJob(ctx context.Context, kind, id string, attempt int, reason string, notBefore time.Time) (*Job, error) {
	return s.runJobScript(ctx, retryScript,
		[]string{s.jobKey(kind, id), s.qKey(kind, "active"), s.qKey(kind, "delayed")},
		attempt, reason, notBefore.UnixMilli())
}

var buryScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return redis.error_reply('notfound') end
local job = cjson.decode(raw)
if job['state'] ~= 'active' or (job['attempt'] or 0) ~= tonumber(ARGV[1]) then
  return redis.error_reply('conflict')
end
job['state'] = 'dead'
job['error'] = ARGV[2]
job['finished_ms'] = tonumber(ARGV[3])
local enc = cjson.encode(job)
redis.call('SET', KEYS[1], enc, 'PX', ARGV[4])
redis.call('ZREM', KEYS[2], job['id'])
redis.call('ZADD', KEYS[3], tonumber(ARGV[3]), job['id'])
return enc
`)

func (s *redisStore) BuryJob(ctx context.Context, kind, id string, attempt int, reason string, now time.Time, ttl time.Duration) (*Job, error) {
	return s.runJobScript(ctx, buryScript,
		[]string{s.jobKey(kind, id), s.qKey(kind, "active"), s.qKey(kind, "done")},
		attempt, reason, now.UnixMilli(), ttl.Milliseconds())
}

var cancelScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return redis.error_reply('notfound') end
local job = cjson.decode(raw)
if job['state'] ~= 'queued' then
  return redis.error_reply('conflict')
end
job['state'] = 'cancelled'
job['finished_ms'] = tonumber(ARGV[1])
local enc = cjson.encode(job)
redis.call('SET', KEYS[1], enc, 'PX', ARGV[2])
redis.call('ZREM', KEYS[2], job['id'])
redis.call('ZREM', KEYS[3], job['id'])
redis.call('ZADD', KEYS[4], tonumber(ARGV[1]), job['id'])
return enc
`)

func (s *redisStore) CancelJob(ctx context.Context, kind, id string, now time.Time, ttl time.Duration) (*Job, error) {
	return s.runJobScript(ctx, cancelScript,
		[]string{s.jobKey(kind, id), s.qKey(kind, "pending"), s.qKey(kind, "delayed"), s.qKey(kind, "done")},
		now.UnixMilli(), ttl.Milliseconds())
}

var progressScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local job = cjson.decode(raw)
if job['state'] ~= 'active' then return 0 end
local p = tonumber(ARGV[1])
if p > (job['progress'] or 0) then
  job['progress'] = p
  redis.call('SET', KEYS[1], cjson.encode(job))
end
return 1
`)

func (s *redisStore) SetProgress(ctx context.Context, kind, id string, percent int) error {
	return progressScript.Run(ctx, s.rdb, []string{s.jobKey(kind, id)}, percent).Err()
}

func (s *redisStore) runJobScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (*Job, error) {
	raw, err := script.Run(ctx, s.rdb, keys, args...).Text()
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "notfound"):
			return nil, ErrJobNotFound
		case strings.Contains(err.Error(), "conflict"):
			return nil, ErrConflict
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *redisStore) ExpiredActive(ctx context.Context, kind string, now time.Time) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, s.qKey(kind, "active"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
}

func (s *redisStore) SweepTerminal(ctx context.Context, kind string, completedBefore, deadBefore time.Time, limit int) ([]Job, error) {
	// The completed cutoff is the most recent one, so it bounds the scan.
	max := completedBefore
	if deadBefore.After(max) {
		max = deadBefore
	}
	ids, err := s.rdb.ZRangeByScore(ctx, s.qKey(kind, "done"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(max.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	var removed []Job
	for _, id := range ids {
		job, err := s.GetJob(ctx, kind, id)
		if err == ErrJobNotFound {
			// Record TTL already expired; drop the index entry.
			s.rdb.ZRem(ctx, s.qKey(kind, "done"), id)
			continue
		}
		if err != nil {
			return removed, err
		}
		cutoff := deadBefore
		if job.State == StateCompleted {
			cutoff = completedBefore
		}
		if job.FinishedMS >= cutoff.UnixMilli() {
			continue
		}
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, s.jobKey(kind, id))
		pipe.ZRem(ctx, s.qKey(kind, "done"), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, err
		}
		removed = append(removed, *job)
	}
	return removed, nil
}

func (s *redisStore) Depths(ctx context.Context, kind string) (QueueDepths, error) {
	pipe := s.rdb.Pipeline()
	pending := pipe.ZCard(ctx, s.qKey(kind, "pending"))
	delayed := pipe.ZCard(ctx, s.qKey(kind, "delayed"))
	active := pipe.ZCard(ctx, s.qKey(kind, "active"))
	done := pipe.ZCard(ctx, s.qKey(kind, "done"))
	if _, err := pipe.Exec(ctx); err != nil {
		return QueueDepths{}, err
	}
	return QueueDepths{
		Pending: pending.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
		Done:    done.Val(),
	}, nil
}

func (s *redisStore) PushHistory(ctx context.Context, owner, kind, id string, max int) error {
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, keyHistory+owner, kind+"/"+id)
	pipe.LTrim(ctx, keyHistory+owner, 0, int64(max-1))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) History(ctx context.Context, owner string, limit int) ([]string, error) {
	return s.rdb.LRange(ctx, keyHistory+owner, 0, int64(limit-1)).Result()
}
