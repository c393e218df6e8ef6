// Package scheduler runs the dispatch loop: it discovers users with
// pending tasks, keeps min(permission, pending) workers alive per user, and
// periodically recomputes the aggregate capacity budget from the rate
// accounts.
package scheduler
