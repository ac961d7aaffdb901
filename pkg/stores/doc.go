// Package stores provides persistence for stackrun: compare-and-swap
// storage of persistent graphs (memory, SQLite, PostgreSQL, S3, DynamoDB)
// and SQLite-backed run history with embedded migrations.
package stores
