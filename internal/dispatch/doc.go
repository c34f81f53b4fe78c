// Package dispatch turns a drip audience into durable send intents and
// fixed-size delivery chunks, and delivers those chunks exactly once per
// intent.
//
// Dispatch is safe to repeat: intents are unique per (drip, subscriber) and
// the chunk list is always re-read from the store, never from the audience
// passed in. Delivery is guarded by a lock keyed on the drip and the first
// subscriber of the chunk, so a redelivered copy of a chunk is rejected
// while different chunks of the same drip proceed in parallel.
package dispatch
