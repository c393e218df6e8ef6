// Package postgres provides PostgreSQL-backed implementations of the
// durable-tier interfaces: the task queue, the user store, the rate-account
// store (including the relational-tier rate limiter), paper metadata, and
// classification results. It handles query execution, row mapping, and the
// translation of database errors into the store package's error taxonomy.
package postgres
