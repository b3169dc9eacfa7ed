// Package storage persists users, their membership and verification state,
// the content catalog, and an audit trail of admin actions in SQLite.
package storage
