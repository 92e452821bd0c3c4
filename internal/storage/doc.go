// Package storage is the durable record of messages, campaigns, channels,
// contacts and audit logs.
//
// One sqlx-backed implementation serves three dialects:
//   - sqlite (default, pure Go through modernc.org/sqlite)
//   - mysql
//   - postgres
//
// Timestamps are stored as unix milliseconds. Status changes are
// conditional updates so concurrent writers cannot regress a message or
// campaign.
package storage
