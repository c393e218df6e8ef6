// Package store defines the persistence abstractions shared by the storage
// tiers: the DBTX database handle interface, the sentinel error taxonomy,
// transaction helpers, and the narrow user accessor contract consumed by the
// dispatch core.
package store
