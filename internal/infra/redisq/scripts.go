package redisq

import "github.com/redis/go-redis/v9"

// Pending members are "<zero padded seq>:<uuid>" scored by submission time in
// milliseconds, so equal submission times fall back to insertion order.
// In-progress members are uuids scored by their last sign of life: the claim
// time, then every heartbeat.
//
// Task hashes are derived from ARGV inside the scripts. They share the hash
// tag of the declared keys, so they live in the same cluster slot.

// KEYS: components, pending, seq, task
// ARGV: uuid, component, type, payload, submitted_at
// Returns the assigned seq, 0 when the component is busy, -1 when the uuid exists.
var submitScript = redis.NewScript(`
if ARGV[2] ~= '' and redis.call('HEXISTS', KEYS[1], ARGV[2]) == 1 then
  return 0
end
if redis.call('EXISTS', KEYS[4]) == 1 then
  return -1
end
local seq = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[4],
  'uuid', ARGV[1], 'type', ARGV[3], 'component', ARGV[2], 'payload', ARGV[4],
  'status', 'PENDING', 'submitted_at', ARGV[5], 'seq', tostring(seq))
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[1], ARGV[2], ARGV[1])
end
redis.call('ZADD', KEYS[2], ARGV[5], string.format('%020d', seq) .. ':' .. ARGV[1])
return seq
`)

// KEYS: pending, in_progress
// ARGV: task key prefix, started_at, lease owner
// Returns the claimed task hash as a flat field/value list, or nil.
var claimScript = redis.NewScript(`
local members = redis.call('ZRANGE', KEYS[1], 0, 0)
if #members == 0 then
  return false
end
local member = members[1]
local id = string.sub(member, 22)
redis.call('ZREM', KEYS[1], member)
redis.call('ZADD', KEYS[2], ARGV[2], id)
local key = ARGV[1] .. id
redis.call('HSET', key, 'status', 'IN_PROGRESS', 'started_at', ARGV[2], 'lease', ARGV[3])
redis.call('HDEL', key, 'heartbeat_at')
return redis.call('HGETALL', key)
`)

// KEYS: task, in_progress
// ARGV: uuid, lease owner, at
// Returns 1 when the lease is still held, 0 otherwise.
var heartbeatScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'IN_PROGRESS' or redis.call('HGET', KEYS[1], 'lease') ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], 'heartbeat_at', ARGV[3])
redis.call('ZADD', KEYS[2], 'XX', ARGV[3], ARGV[1])
return 1
`)

// KEYS: task, pending, in_progress, components, activity
// ARGV: uuid, status, started_at, executed_at, error_message, lease owner
// Returns the archived activity document, nil when the task is not live, or 0
// when another lease holds it.
var archiveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local h = redis.call('HGETALL', KEYS[1])
local t = {}
for i = 1, #h, 2 do
  t[h[i]] = h[i + 1]
end
if ARGV[6] ~= '' and t['lease'] ~= ARGV[6] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[2], string.format('%020d', tonumber(t['seq'])) .. ':' .. ARGV[1])
if t['component'] ~= '' and redis.call('HGET', KEYS[4], t['component']) == ARGV[1] then
  redis.call('HDEL', KEYS[4], t['component'])
end
local doc = {
  uuid = t['uuid'], type = t['type'], component = t['component'], payload = t['payload'],
  submitted_at = t['submitted_at'], started_at = t['started_at'] or '',
  status = ARGV[2], executed_at = ARGV[4], error_message = ARGV[5]
}
if ARGV[3] ~= '' then
  doc['started_at'] = ARGV[3]
end
local encoded = cjson.encode(doc)
redis.call('RPUSH', KEYS[5], encoded)
return encoded
`)

// KEYS: in_progress, pending
// ARGV: task key prefix, stale_before (exclusive)
var resetScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
local n = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[1] .. id
  local seq = redis.call('HGET', key, 'seq')
  if seq then
    local submitted = redis.call('HGET', key, 'submitted_at')
    redis.call('HSET', key, 'status', 'PENDING')
    redis.call('HDEL', key, 'started_at', 'heartbeat_at', 'lease')
    redis.call('ZADD', KEYS[2], submitted, string.format('%020d', tonumber(seq)) .. ':' .. id)
    n = n + 1
  end
end
return n
`)
