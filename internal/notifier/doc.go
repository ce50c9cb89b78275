// Package notifier queues short chat messages for users and owners.
//
// The main producer is the delivery dispatcher: a fire event that ends in
// PERMANENT_FAILURE is reported to the schedule's owner and to the configured
// operators. Messages go through a bounded queue, a worker pool, a token
// bucket rate limit and a retry loop with jittered exponential backoff.
// Identical messages inside the dedup window are dropped; the window can be
// persisted so a crash loop does not spam the chat.
package notifier
