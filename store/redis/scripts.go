package redis

import goredis "github.com/go-redis/redis/v8"

// Script replies are {status, ...}. Status 1 is success, 0 is insufficient
// balance, -1 a missing account, -2 an already granted cycle and -3 a credit
// that would overflow.
const (
	statusOK           = 1
	statusInsufficient = 0
	statusNoAccount    = -1
	statusCycleUsed    = -2
	statusOverflow     = -3
)

// ensureAccountScript creates the account hash when it does not exist.
//
// KEYS[1] account hash, KEYS[2] due zset
// ARGV[1] tenant, ARGV[2] free tier ("1"/"0"), ARGV[3] next grant (unix us),
// ARGV[4..] field/value pairs
var ensureAccountScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
for i = 4, #ARGV, 2 do
    redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
if ARGV[2] == '1' then
    redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
end
return 1
`)

// setFreeTierScript flips the tier flag and keeps the due index in step.
//
// KEYS[1] account hash, KEYS[2] due zset
// ARGV[1] tenant, ARGV[2] free tier ("1"/"0"), ARGV[3] updated at
var setFreeTierScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
redis.call('HSET', KEYS[1], 'free_tier', ARGV[2], 'updated_at', ARGV[3])
if ARGV[2] == '1' then
    redis.call('ZADD', KEYS[2], redis.call('HGET', KEYS[1], 'next_grant_at'), ARGV[1])
else
    redis.call('ZREM', KEYS[2], ARGV[1])
end
return 1
`)

// markWarningsScript sets each named flag that is clear and that the stored
// balance reaches, and returns the names it changed. The baseline is
// last_grant_amount, or lifetime_earned when no grant was recorded.
//
// KEYS[1] account hash
// ARGV[1] updated at, ARGV[2..] flag field / threshold percent pairs
var markWarningsScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {-1}
end
local balance = tonumber(redis.call('HGET', KEYS[1], 'balance'))
local baseline = tonumber(redis.call('HGET', KEYS[1], 'last_grant_amount') or '0')
if baseline <= 0 then
    baseline = tonumber(redis.call('HGET', KEYS[1], 'lifetime_earned') or '0')
end
local changed = {1}
for i = 2, #ARGV, 2 do
    local pct = tonumber(ARGV[i + 1])
    local reached
    if pct == 0 then
        reached = balance <= 0
    else
        reached = baseline > 0 and balance * 100 <= baseline * pct
    end
    if reached and redis.call('HGET', KEYS[1], ARGV[i]) ~= '1' then
        redis.call('HSET', KEYS[1], ARGV[i], '1')
        table.insert(changed, ARGV[i])
    end
end
if #changed > 1 then
    redis.call('HSET', KEYS[1], 'updated_at', ARGV[1])
end
return changed
`)

// Amounts and balances stay decimal strings inside the scripts. Lua numbers
// are doubles and would round anything above 2^53, so comparisons go
// through numLess on non-negative integer strings and HGET reads values
// back after HINCRBY.

// debitScript checks and subtracts in one step and appends the entry.
//
// KEYS[1] account hash, KEYS[2] transaction list
// ARGV[1] amount, ARGV[2] updated at, ARGV[3] encoded transaction
var debitScript = goredis.NewScript(`
local function numLess(a, b)
    if #a ~= #b then
        return #a < #b
    end
    return a < b
end
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {-1, 0, 0}
end
if numLess(redis.call('HGET', KEYS[1], 'balance'), ARGV[1]) then
    return {0, 0, 0}
end
local seq = redis.call('HINCRBY', KEYS[1], 'last_seq', 1)
redis.call('HINCRBY', KEYS[1], 'balance', '-' .. ARGV[1])
redis.call('HINCRBY', KEYS[1], 'lifetime_spent', ARGV[1])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
local balance = redis.call('HGET', KEYS[1], 'balance')
redis.call('RPUSH', KEYS[2], string.format('%d|%s|%s', seq, balance, ARGV[3]))
return {1, balance, seq}
`)

// creditScript adds credits and, for a free grant, starts the next cycle.
// Every check runs before the first write: Redis does not roll back a
// script that fails halfway. Balance never exceeds lifetime_earned, so
// bounding lifetime_earned by ARGV[8] keeps both increments in range.
//
// KEYS[1] account hash, KEYS[2] transaction list, KEYS[3] due zset
// ARGV[1] amount, ARGV[2] updated at, ARGV[3] encoded transaction,
// ARGV[4] cycle reset ("1"/"0"), ARGV[5] cycle id, ARGV[6] next grant (unix us),
// ARGV[7] tenant, ARGV[8] largest lifetime_earned that can take the amount
var creditScript = goredis.NewScript(`
local function numLess(a, b)
    if #a ~= #b then
        return #a < #b
    end
    return a < b
end
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {-1, 0, 0}
end
local reset = ARGV[4] == '1'
if reset and ARGV[5] ~= '' and redis.call('HGET', KEYS[1], 'last_grant_cycle') == ARGV[5] then
    return {-2, 0, 0}
end
if numLess(ARGV[8], redis.call('HGET', KEYS[1], 'lifetime_earned') or '0') then
    return {-3, 0, 0}
end
local seq = redis.call('HINCRBY', KEYS[1], 'last_seq', 1)
redis.call('HINCRBY', KEYS[1], 'balance', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'lifetime_earned', ARGV[1])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
if reset then
    redis.call('HSET', KEYS[1],
        'warned_25', '0', 'warned_10', '0', 'warned_5', '0', 'warned_0', '0',
        'next_grant_at', ARGV[6],
        'last_grant_amount', ARGV[1],
        'last_grant_cycle', ARGV[5])
    if redis.call('HGET', KEYS[1], 'free_tier') == '1' then
        redis.call('ZADD', KEYS[3], ARGV[6], ARGV[7])
    end
end
local balance = redis.call('HGET', KEYS[1], 'balance')
redis.call('RPUSH', KEYS[2], string.format('%d|%s|%s', seq, balance, ARGV[3]))
return {1, balance, seq}
`)
