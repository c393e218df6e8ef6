// Package ratelimit enforces per-account minute-window quotas over the
// shared external capacity pool. An acquisition samples a small subset of
// accounts, picks the one with the largest estimated slack, and atomically
// checks and reserves one request plus the estimated cost units. With no
// accounts configured the limiter fails open.
package ratelimit
