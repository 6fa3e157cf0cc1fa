package redis

// setAllScript writes N values in one step so a reader never observes half
// of a flush. The last key is the meta hash, the last arg the save time.
const setAllScript = `
local n = #KEYS - 1
local meta = KEYS[#KEYS]

for i = 1, n do
  redis.call('SET', KEYS[i], ARGV[i])
end

redis.call('HSET', meta, 'last_saved', ARGV[#ARGV], 'writes', n)
redis.call('HINCRBY', meta, 'flushes', 1)

return n
`
