package redisbroker

import "github.com/redis/go-redis/v9"

// Every script receives the key prefix and queue name as ARGV[1] and ARGV[2]
// and builds its keys from them. Flow scripts touch the keys of other queues,
// so the broker expects a single Redis node rather than a cluster.

// luaHelpers is prepended to every script
const luaHelpers = `
local STATES = {'waiting', 'delayed', 'active', 'completed', 'failed', 'waiting-children'}

local function qbase(prefix, queue)
  return prefix .. ':' .. queue .. ':'
end

-- seq wraps at 2^31 so the score stays exact; see queue.MaxPriority
local function waitScore(priority, seq)
  return priority * 2147483648 + (seq % 2147483648)
end

local function wake(prefix, queue)
  redis.call('PUBLISH', qbase(prefix, queue) .. 'wake', '1')
end

local function removeJob(base, id)
  redis.call('DEL', base .. 'job:' .. id, base .. 'logs:' .. id, base .. 'deps:' .. id)
  for _, s in ipairs(STATES) do
    redis.call('ZREM', base .. s, id)
  end
end

local function enqueueWaiting(base, id)
  local jk = base .. 'job:' .. id
  local f = redis.call('HMGET', jk, 'priority', 'seq')
  redis.call('ZADD', base .. 'waiting', waitScore(tonumber(f[1]) or 0, tonumber(f[2]) or 0), id)
  redis.call('HSET', jk, 'state', 'waiting')
end

local function promote(base, now)
  local ids = redis.call('ZRANGEBYSCORE', base .. 'delayed', '-inf', now)
  for _, id in ipairs(ids) do
    enqueueWaiting(base, id)
  end
  if #ids > 0 then
    redis.call('ZREMRANGEBYSCORE', base .. 'delayed', '-inf', now)
  end
  return #ids
end

local function owned(base, id, token)
  local f = redis.call('HMGET', base .. 'job:' .. id, 'state', 'lockToken')
  return f[1] == 'active' and f[2] == token
end

local function retention(base, state, id, now)
  local jk = base .. 'job:' .. id
  local prefix = state == 'completed' and 'keepCompleted' or 'keepFailed'
  local f = redis.call('HMGET', jk, prefix .. 'Remove', prefix .. 'Age', prefix .. 'Count')
  if f[1] == '1' then
    removeJob(base, id)
    return
  end
  local set = base .. state
  local age = tonumber(f[2]) or 0
  if age > 0 then
    local expired = redis.call('ZRANGEBYSCORE', set, '-inf', '(' .. (now - age))
    for _, old in ipairs(expired) do
      removeJob(base, old)
    end
  end
  local count = tonumber(f[3]) or 0
  if count > 0 then
    local overflow = redis.call('ZREVRANGE', set, count, -1)
    for _, old in ipairs(overflow) do
      removeJob(base, old)
    end
  end
end

local function releaseParent(prefix, parentQueue, parentId, childKey, now)
  local pbase = qbase(prefix, parentQueue)
  local deps = pbase .. 'deps:' .. parentId
  if redis.call('SREM', deps, childKey) == 0 then
    return
  end
  if redis.call('SCARD', deps) > 0 then
    return
  end
  local pjk = pbase .. 'job:' .. parentId
  if redis.call('HGET', pjk, 'state') ~= 'waiting-children' then
    return
  end
  redis.call('ZREM', pbase .. 'waiting-children', parentId)
  local runAt = tonumber(redis.call('HGET', pjk, 'runAt')) or 0
  if runAt > now then
    redis.call('ZADD', pbase .. 'delayed', runAt, parentId)
    redis.call('HSET', pjk, 'state', 'delayed')
  else
    enqueueWaiting(pbase, parentId)
  end
  wake(prefix, parentQueue)
end

local failJob
failJob = function(prefix, queue, id, reason, now)
  local base = qbase(prefix, queue)
  local jk = base .. 'job:' .. id
  local prev = redis.call('HGET', jk, 'state')
  if prev then
    redis.call('ZREM', base .. prev, id)
  end
  redis.call('HSET', jk, 'state', 'failed', 'failedReason', reason, 'finishedOn', now)
  redis.call('HDEL', jk, 'result', 'lockToken', 'lockedUntil')
  redis.call('ZADD', base .. 'failed', now, id)

  local parent = redis.call('HMGET', jk, 'parentQueue', 'parentId')
  retention(base, 'failed', id, now)

  if not parent[1] or parent[1] == '' then
    return
  end
  local pbase = qbase(prefix, parent[1])
  if redis.call('HGET', pbase .. 'job:' .. parent[2], 'state') ~= 'waiting-children' then
    return
  end
  redis.call('DEL', pbase .. 'deps:' .. parent[2])
  local msg = 'child ' .. queue .. ':' .. id .. ' failed: ' .. reason
  failJob(prefix, parent[1], parent[2], string.sub(msg, 1, 1024), now)
end
`

func newScript(body string) *redis.Script {
	return redis.NewScript(luaHelpers + body)
}

// addJobScript stores one job unless its id exists.
// ARGV: prefix, queue, id, now, owned-child reason, then field/value pairs, then child keys after a "--" marker.
// A child that existed before its parent is resolved here: completed children are not waited for,
// pending children without a parent are adopted, and a failed or foreign-owned child fails the parent.
// Returns {id, seq, state}; seq is "0" when the job already existed.
var addJobScript = newScript(`
local prefix, queue, id, now, ownedReason = ARGV[1], ARGV[2], ARGV[3], tonumber(ARGV[4]), ARGV[5]
local base = qbase(prefix, queue)

if id == '' then
  id = tostring(redis.call('INCR', base .. 'id'))
end
local jk = base .. 'job:' .. id
if redis.call('EXISTS', jk) == 1 then
  return {id, '0', redis.call('HGET', jk, 'state')}
end

local seq = redis.call('INCR', base .. 'seq')
local children = {}
local i = 6
while i <= #ARGV do
  if ARGV[i] == '--' then
    for j = i + 1, #ARGV do
      children[#children + 1] = ARGV[j]
    end
    break
  end
  redis.call('HSET', jk, ARGV[i], ARGV[i + 1])
  i = i + 2
end
redis.call('HSET', jk, 'id', id, 'seq', seq, 'attemptsMade', 0, 'stalledCount', 0)
redis.call('SADD', prefix .. ':queues', queue)

local deps, failure = {}, nil
for _, key in ipairs(children) do
  local cq, cid = string.match(key, '^([^:]+):(.+)$')
  local cjk = qbase(prefix, cq) .. 'job:' .. cid
  local f = redis.call('HMGET', cjk, 'state', 'parentQueue', 'parentId', 'failedReason')
  if not f[1] then
    deps[#deps + 1] = key
  elseif f[1] == 'completed' then
    -- nothing to wait for
  elseif f[1] == 'failed' then
    failure = 'child ' .. key .. ' failed: ' .. (f[4] or '')
    break
  elseif not f[2] or f[2] == '' then
    redis.call('HSET', cjk, 'parentQueue', queue, 'parentId', id)
    deps[#deps + 1] = key
  elseif f[2] == queue and f[3] == id then
    deps[#deps + 1] = key
  else
    failure = 'child ' .. key .. ' failed: ' .. ownedReason
    break
  end
end

local state
local runAt = tonumber(redis.call('HGET', jk, 'runAt')) or now
if failure then
  state = 'failed'
  failJob(prefix, queue, id, string.sub(failure, 1, 1024), now)
elseif #deps > 0 then
  state = 'waiting-children'
  redis.call('SADD', base .. 'deps:' .. id, unpack(deps))
  redis.call('ZADD', base .. 'waiting-children', seq, id)
  redis.call('HSET', jk, 'state', state)
elseif runAt > now then
  state = 'delayed'
  redis.call('ZADD', base .. 'delayed', runAt, id)
  redis.call('HSET', jk, 'state', state)
  wake(prefix, queue)
else
  state = 'waiting'
  enqueueWaiting(base, id)
  wake(prefix, queue)
end

return {id, tostring(seq), state}
`)

// leaseScript promotes due delayed jobs and moves the best waiting job to active.
// ARGV: prefix, queue, token, lockMs, now. Returns the job hash or nil.
var leaseScript = newScript(`
local prefix, queue, token = ARGV[1], ARGV[2], ARGV[3]
local lockMs, now = tonumber(ARGV[4]), tonumber(ARGV[5])
local base = qbase(prefix, queue)

if redis.call('HGET', base .. 'meta', 'paused') == '1' then
  return false
end
promote(base, now)

local popped = redis.call('ZPOPMIN', base .. 'waiting')
if #popped == 0 then
  return false
end
local id = popped[1]
local jk = base .. 'job:' .. id
local lockedUntil = now + lockMs

redis.call('ZADD', base .. 'active', lockedUntil, id)
redis.call('HSET', jk, 'state', 'active', 'lockToken', token, 'lockedUntil', lockedUntil)
redis.call('HINCRBY', jk, 'attemptsMade', 1)
if redis.call('HEXISTS', jk, 'processedOn') == 0 then
  redis.call('HSET', jk, 'processedOn', now)
end

return redis.call('HGETALL', jk)
`)

// extendLockScript ARGV: prefix, queue, id, token, lockMs, now
var extendLockScript = newScript(`
local prefix, queue, id, token = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local base = qbase(prefix, queue)
if not owned(base, id, token) then
  return -1
end
local lockedUntil = tonumber(ARGV[6]) + tonumber(ARGV[5])
redis.call('HSET', base .. 'job:' .. id, 'lockedUntil', lockedUntil)
redis.call('ZADD', base .. 'active', lockedUntil, id)
return 1
`)

// completeScript ARGV: prefix, queue, id, token, result, now
var completeScript = newScript(`
local prefix, queue, id, token = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local now = tonumber(ARGV[6])
local base = qbase(prefix, queue)
if not owned(base, id, token) then
  return -1
end

local jk = base .. 'job:' .. id
redis.call('ZREM', base .. 'active', id)
redis.call('HSET', jk, 'state', 'completed', 'result', ARGV[5], 'finishedOn', now)
redis.call('HDEL', jk, 'lockToken', 'lockedUntil', 'lastError', 'failedReason')
redis.call('ZADD', base .. 'completed', now, id)

local parent = redis.call('HMGET', jk, 'parentQueue', 'parentId')
retention(base, 'completed', id, now)

if parent[1] and parent[1] ~= '' then
  releaseParent(prefix, parent[1], parent[2], queue .. ':' .. id, now)
end
return 1
`)

// retryScript ARGV: prefix, queue, id, token, runAt, reason
var retryScript = newScript(`
local prefix, queue, id, token = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local runAt = tonumber(ARGV[5])
local base = qbase(prefix, queue)
if not owned(base, id, token) then
  return -1
end

local jk = base .. 'job:' .. id
redis.call('ZREM', base .. 'active', id)
redis.call('HSET', jk, 'state', 'delayed', 'runAt', runAt, 'lastError', ARGV[6])
redis.call('HDEL', jk, 'lockToken', 'lockedUntil')
redis.call('ZADD', base .. 'delayed', runAt, id)
wake(prefix, queue)
return 1
`)

// failScript ARGV: prefix, queue, id, token, reason, now
var failScript = newScript(`
local prefix, queue, id, token = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
if not owned(qbase(prefix, queue), id, token) then
  return -1
end
failJob(prefix, queue, id, ARGV[5], tonumber(ARGV[6]))
return 1
`)

// recoverStalledScript ARGV: prefix, queue, now, maxStalled, stalledReason.
// Returns {recoveredIds, failedIds}.
var recoverStalledScript = newScript(`
local prefix, queue = ARGV[1], ARGV[2]
local now, maxStalled = tonumber(ARGV[3]), tonumber(ARGV[4])
local base = qbase(prefix, queue)

local recovered, failed = {}, {}
local expired = redis.call('ZRANGEBYSCORE', base .. 'active', '-inf', now)
for _, id in ipairs(expired) do
  local jk = base .. 'job:' .. id
  local stalled = redis.call('HINCRBY', jk, 'stalledCount', 1)
  local f = redis.call('HMGET', jk, 'attemptsMade', 'attempts')
  if stalled > maxStalled or (tonumber(f[1]) or 0) >= (tonumber(f[2]) or 1) then
    failJob(prefix, queue, id, ARGV[5], now)
    failed[#failed + 1] = id
  else
    redis.call('ZREM', base .. 'active', id)
    redis.call('HDEL', jk, 'lockToken', 'lockedUntil')
    enqueueWaiting(base, id)
    recovered[#recovered + 1] = id
  end
end
if #recovered > 0 then
  wake(prefix, queue)
end
return {recovered, failed}
`)

// promoteScript ARGV: prefix, queue, now
var promoteScript = newScript(`
local prefix, queue = ARGV[1], ARGV[2]
local n = promote(qbase(prefix, queue), tonumber(ARGV[3]))
if n > 0 then
  wake(prefix, queue)
end
return n
`)

// removeJobScript ARGV: prefix, queue, id
var removeJobScript = newScript(`
removeJob(qbase(ARGV[1], ARGV[2]), ARGV[3])
return 1
`)

// drainScript ARGV: prefix, queue, includeDelayed
var drainScript = newScript(`
local base = qbase(ARGV[1], ARGV[2])
local sets = {'waiting'}
if ARGV[3] == '1' then
  sets[2] = 'delayed'
end
local n = 0
for _, s in ipairs(sets) do
  for _, id in ipairs(redis.call('ZRANGE', base .. s, 0, -1)) do
    removeJob(base, id)
    n = n + 1
  end
end
return n
`)

// cleanScript ARGV: prefix, queue, state, cutoff, limit. Returns the removed ids.
// Terminal sets are scored by finish time; other states are aged by creation time.
var cleanScript = newScript(`
local base = qbase(ARGV[1], ARGV[2])
local state, cutoff, limit = ARGV[3], tonumber(ARGV[4]), tonumber(ARGV[5])
local set = base .. state

local candidates = {}
if state == 'completed' or state == 'failed' then
  candidates = redis.call('ZRANGEBYSCORE', set, '-inf', '(' .. cutoff)
else
  local aged = {}
  for i, id in ipairs(redis.call('ZRANGE', set, 0, -1)) do
    local created = tonumber(redis.call('HGET', base .. 'job:' .. id, 'createdAt')) or 0
    if created < cutoff then
      aged[#aged + 1] = {id, created, i}
    end
  end
  table.sort(aged, function(a, b)
    if a[2] == b[2] then
      return a[3] < b[3]
    end
    return a[2] < b[2]
  end)
  for _, entry in ipairs(aged) do
    candidates[#candidates + 1] = entry[1]
  end
end

local removed = {}
for _, id in ipairs(candidates) do
  if limit > 0 and #removed >= limit then
    break
  end
  removeJob(base, id)
  removed[#removed + 1] = id
end
return removed
`)

// retryJobScript ARGV: prefix, queue, id, now. Returns 0 when missing, -1 when not failed.
var retryJobScript = newScript(`
local prefix, queue, id, now = ARGV[1], ARGV[2], ARGV[3], tonumber(ARGV[4])
local base = qbase(prefix, queue)
local jk = base .. 'job:' .. id
local state = redis.call('HGET', jk, 'state')
if not state then
  return 0
end
if state ~= 'failed' then
  return -1
end
redis.call('ZREM', base .. 'failed', id)
redis.call('HSET', jk, 'attemptsMade', 0, 'stalledCount', 0, 'runAt', now)
redis.call('HDEL', jk, 'failedReason', 'finishedOn')
enqueueWaiting(base, id)
wake(prefix, queue)
return 1
`)

// touchJobScript updates progress or appends a log line of an existing job.
// ARGV: prefix, queue, id, op, value. Returns -1 when the job is missing.
var touchJobScript = newScript(`
local base = qbase(ARGV[1], ARGV[2])
local id, op = ARGV[3], ARGV[4]
if redis.call('EXISTS', base .. 'job:' .. id) == 0 then
  return -1
end
if op == 'progress' then
  redis.call('HSET', base .. 'job:' .. id, 'progress', ARGV[5])
  return 1
end
return redis.call('RPUSH', base .. 'logs:' .. id, ARGV[5])
`)

// claimRepeatsScript ARGV: prefix, queue, now, claimMs.
// Claimed keys are pushed claimMs into the future so a crashed scheduler's claim expires.
var claimRepeatsScript = newScript(`
local base = qbase(ARGV[1], ARGV[2])
local now, claimMs = tonumber(ARGV[3]), tonumber(ARGV[4])
local keys = redis.call('ZRANGEBYSCORE', base .. 'repeat:next', '-inf', now)
local defs = {}
for _, key in ipairs(keys) do
  redis.call('ZADD', base .. 'repeat:next', now + claimMs, key)
  local def = redis.call('HGET', base .. 'repeat', key)
  if def then
    defs[#defs + 1] = def
  else
    redis.call('ZREM', base .. 'repeat:next', key)
  end
end
return defs
`)
