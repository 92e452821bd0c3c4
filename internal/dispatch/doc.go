// Package dispatch owns one FIFO lane per channel and drives each lane's
// messages through the rate limiter and the channel adapter one at a time.
//
// A lane's consumer is started on the first Enqueue and exits when the lane
// drains, so idle channels cost nothing. Lanes never share a consumer or a
// lock beyond the short critical section that edits the lane itself.
//
// Every send is preceded by a durable pending|queued -> processing transition.
// If that write fails the consumer backs off and retries without touching the
// adapter, so a store outage can delay delivery but never duplicate it.
package dispatch
