// Package notifier delivers reminder stages to chats and users.
//
// A pre-reminder goes to the chat the event was scheduled from. The final
// reminder goes to that chat and, privately, to every recipient: interested
// owners whose weekday preference allows today, plus confirmed attendees.
//
// # Delivery
//
// Sends are bounded by a worker limit, paced by a token bucket and retried
// with exponential backoff. A circuit breaker in front of the transport stops
// hammering the chat platform while it is failing. Per-recipient refusals do
// not count against the breaker.
package notifier
