// Package mysql provides repositories and data access helpers backed by MySQL.
// It encapsulates schema migrations, transactional helpers, and strongly typed
// queries for persisting user accounts and revenue ledger entries.
package mysql
