// Package database provides SQLite connection management and embedded
// schema migrations for Hearth Core.
//
// SQLite is the durable correctness boundary for the trust core: nonce
// replay records, token versions, trusted devices, challenges, and leases
// all live here. The connection is configured for WAL mode with a single
// writer so same-row read-modify-write transactions serialise instead of
// racing.
package database
