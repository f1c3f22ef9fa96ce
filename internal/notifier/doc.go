// Package notifier delivers owner notifications asynchronously.
//
// Notify never blocks the caller: notifications go through a bounded queue,
// a worker pool, a token-bucket rate limit, retry with jitter and a dedup
// window before reaching a Sender (log, Telegram).
package notifier
