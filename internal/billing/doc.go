// Package billing defers the durable side of charging. Workers deduct from
// a fast balance cache and queue a Record per classified item; a Reconciler
// drains the records on a fixed tick and persists each user's cached
// balance to the user store.
package billing
