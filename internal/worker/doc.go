// Package worker runs the per-user consumer loop: peek the head task, pass
// the admission gate and the rate limiter, claim the task with a
// conditional dequeue, classify the item, charge the balance, and record
// the billing. Transient failures push the task back; permanent ones mark
// it failed.
package worker
