// Package notifier forwards engine events to the realtime dashboard webhook.
//
// It subscribes to the event bus and posts each delivery, campaign and
// session event as JSON. Delivery is asynchronous: a bounded queue feeds a
// worker pool that is paced by a token bucket and retries transient
// failures with jittered backoff. Repeated session-status events inside the
// dedup window are suppressed, optionally across restarts through the
// store's dedup table.
//
// Nothing in the delivery path waits on the webhook. A full queue drops the
// event with ErrQueueFull.
package notifier
