package lease

import "github.com/redis/go-redis/v9"

// Server-side scripts keep multi-key operations atomic: concurrent callers
// observe one of the serializable outcomes, never a partial batch. Expired
// keys read as absent via GET, which gives the TTL-as-absence semantics for
// free.

// acquireManyScript performs an all-or-nothing acquire across a batch.
//
// KEYS[1]   owner index set (clientlocks:{room}:{owner})
// KEYS[2..] lock keys
// ARGV[1]   owner
// ARGV[2]   ttl in milliseconds
// ARGV[3..] block ids, aligned with KEYS[2..]
//
// Returns {0, blockId, owner, pttl, ...} on conflict (one triple per
// conflicting key, no state changed), or {1, newlyOwnedBlockId, ...} on
// grant. Keys already held by the owner are refreshed but not reported as
// newly owned.
var acquireManyScript = redis.NewScript(`
local owner = ARGV[1]
local ttl = tonumber(ARGV[2])
local res = {0}
for i = 2, #KEYS do
  local cur = redis.call('GET', KEYS[i])
  if cur and cur ~= owner then
    table.insert(res, ARGV[i + 1])
    table.insert(res, cur)
    table.insert(res, redis.call('PTTL', KEYS[i]))
  end
end
if #res > 1 then
  return res
end
res = {1}
for i = 2, #KEYS do
  local cur = redis.call('GET', KEYS[i])
  redis.call('SET', KEYS[i], owner, 'PX', ttl)
  redis.call('SADD', KEYS[1], ARGV[i + 1])
  if not cur then
    table.insert(res, ARGV[i + 1])
  end
end
return res
`)

// releaseScript releases a single key if the caller owns it.
//
// KEYS[1] lock key
// KEYS[2] owner index set
// ARGV[1] owner
// ARGV[2] block id
//
// Returns 1 released, 0 not owner, -1 not held.
var releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return -1
end
if cur ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
return 1
`)

// releaseManyScript releases every key in the batch owned by the caller and
// returns the block ids actually released. Keys held by others are left
// untouched.
//
// KEYS[1]   owner index set
// KEYS[2..] lock keys
// ARGV[1]   owner
// ARGV[2..] block ids, aligned with KEYS[2..]
var releaseManyScript = redis.NewScript(`
local released = {}
for i = 2, #KEYS do
  local cur = redis.call('GET', KEYS[i])
  if cur == ARGV[1] then
    redis.call('DEL', KEYS[i])
    redis.call('SREM', KEYS[1], ARGV[i])
    table.insert(released, ARGV[i])
  end
end
return released
`)

// releaseAllScript walks the owner index and releases every lease still held
// by the owner, then drops the index. Lock keys are reconstructed from the
// prefix, which is safe on a single Redis instance.
//
// KEYS[1] owner index set
// ARGV[1] owner
// ARGV[2] lock key prefix (locks:{room}:)
var releaseAllScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local released = {}
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  if redis.call('GET', key) == ARGV[1] then
    redis.call('DEL', key)
    table.insert(released, id)
  end
end
redis.call('DEL', KEYS[1])
return released
`)

// extendScript refreshes the TTL of each listed key still owned by the
// caller and returns how many were refreshed. Keys held by others are left
// untouched.
//
// KEYS[1..] lock keys
// ARGV[1]   owner
// ARGV[2]   ttl in milliseconds
var extendScript = redis.NewScript(`
local refreshed = 0
for i = 1, #KEYS do
  if redis.call('GET', KEYS[i]) == ARGV[1] then
    redis.call('PEXPIRE', KEYS[i], ARGV[2])
    refreshed = refreshed + 1
  end
end
return refreshed
`)
