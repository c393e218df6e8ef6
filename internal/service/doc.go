// Package service contains the application services that sit between
// callers and the storage tiers. Dispatch owns job submission, progress
// reads, and the cached balance operations the workers charge through.
package service
