// Package dedupe drops webhook redeliveries of the same inbound event.
//
// Channel providers retry deliveries they believe failed, so the same
// (tenant, channel, message id) can arrive more than once. Cache remembers keys
// for a TTL and reports repeats:
//
//	cache := dedupe.New(10*time.Minute, 10000)
//	defer cache.Close()
//
//	if cache.CheckAndMark(dedupe.Key{TenantID: t, ChannelID: ch, MessageID: id}) {
//		return // duplicate
//	}
//
// The cache is bounded by size; when full the oldest key is evicted.
package dedupe
