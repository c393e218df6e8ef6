// Package queue implements the per-user FIFO task queue at the heart of the
// dispatch core: optimistic head claiming via peek plus conditional dequeue,
// explicit terminal transitions, and a facade that prefers the cache tier
// and falls back to the durable tier when the cache is unhealthy.
package queue
