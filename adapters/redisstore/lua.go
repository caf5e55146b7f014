package redisstore

// Script return codes shared by the CAS scripts.
const (
	casOK       = 1
	casMissing  = 0
	casMismatch = -1
)

// luaRotateToken swaps the chat's concurrency token if and only if the
// stored token equals the expected one.
//
// KEYS[1] = chat key (JSON string)
// ARGV[1] = expected token
// ARGV[2] = new token
//
// Returns: 1 on swap, 0 if the chat is missing, -1 on token mismatch.
const luaRotateToken = `
local cjson_chat = redis.call('GET', KEYS[1])
if not cjson_chat then
  return 0
end
local c = cjson.decode(cjson_chat)
if c['token'] ~= ARGV[1] then
  return -1
end
c['token'] = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(c))
return 1
`

// luaSaveHistory replaces the chat's history and banned flag if the
// stored token equals the expected one. The token itself is unchanged:
// it was already rotated at admission.
//
// KEYS[1] = chat key (JSON string)
// ARGV[1] = expected token
// ARGV[2] = history JSON array
// ARGV[3] = "1" if banned
//
// Returns: 1 on save, 0 if the chat is missing, -1 on token mismatch.
const luaSaveHistory = `
local cjson_chat = redis.call('GET', KEYS[1])
if not cjson_chat then
  return 0
end
local c = cjson.decode(cjson_chat)
if c['token'] ~= ARGV[1] then
  return -1
end
c['history'] = cjson.decode(ARGV[2])
c['banned'] = (ARGV[3] == '1')
redis.call('SET', KEYS[1], cjson.encode(c))
return 1
`
