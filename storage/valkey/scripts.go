package valkey

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Records are JSON documents. Scripts decode them with cjson, so scope lists
// are stored as space-delimited strings: cjson re-encodes an empty array as
// an object.

// luaAtomicCheckAndMarkCodeUsed atomically checks that an authorization code is
// pending and marks it as used. Only ONE concurrent request can succeed.
//
// KEYS[1] = code key
// ARGV[1] = expiry cutoff in Unix seconds (now minus clock skew grace)
//
// Returns:
//   - Original JSON data if the code was pending and is now marked used
//   - "NOT_FOUND" if the key doesn't exist
//   - "EXPIRED" if ARGV[1] > code.expires_at
//   - "ALREADY_USED:<json>" if the code was already used
const luaAtomicCheckAndMarkCodeUsed = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

local cutoff = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and cutoff > expiresAt then
    return 'EXPIRED'
end

if code.used then
    return 'ALREADY_USED:' .. data
end

code.used = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`

// luaAtomicConsumeRefreshToken atomically checks that a refresh token is live
// and marks it as spent. Only ONE concurrent request can succeed.
//
// KEYS[1] = refresh token key
// ARGV[1] = expiry cutoff in Unix seconds (now minus clock skew grace)
// ARGV[2] = "1" to spend the token, "0" to only check it
//
// Returns:
//   - Original JSON data if the token was live
//   - "NOT_FOUND" if the key doesn't exist or the token expired
//   - "ALREADY_USED:<json>" if the token was already spent
const luaAtomicConsumeRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local record = cjson.decode(data)

local cutoff = tonumber(ARGV[1])
local expiresAt = tonumber(record.expires_at)
if expiresAt and cutoff > expiresAt then
    return 'NOT_FOUND'
end

if record.used then
    return 'ALREADY_USED:' .. data
end

if ARGV[2] == '1' then
    record.used = true
    redis.call('SET', KEYS[1], cjson.encode(record), 'KEEPTTL')
end

return data
`

// luaRevokeGrant atomically marks a grant revoked and spends every
// outstanding refresh token issued for it.
//
// KEYS[1] = revoked marker key
// KEYS[2] = grant set key
// ARGV[1] = revocation marker TTL in seconds
// ARGV[2] = refresh token key prefix
//
// Returns the number of refresh tokens spent.
const luaRevokeGrant = `
redis.call('SET', KEYS[1], '1', 'EX', tonumber(ARGV[1]))

local spent = 0
local members = redis.call('SMEMBERS', KEYS[2])
for _, id in ipairs(members) do
    local key = ARGV[2] .. id
    local data = redis.call('GET', key)
    if data then
        local record = cjson.decode(data)
        if not record.used then
            record.used = true
            redis.call('SET', key, cjson.encode(record), 'KEEPTTL')
            spent = spent + 1
        end
    end
end

return spent
`
