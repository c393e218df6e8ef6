// Package usage tracks recent throughput. A SlidingWindow holds a rolling
// sum over a fixed duration with lazy expiry; an Accumulator batches
// per-request usage and flushes it into windows on a fixed tick so the hot
// path never touches the windows directly.
package usage
