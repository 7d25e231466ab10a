// Package hub manages the identity and trust lifecycle of physical hub
// units: the signed pairing handshake, the per-serial replay guard, and
// the versioned token ledger that authenticates traffic presented on a
// hub's behalf.
//
// The ledger is the piece with the strongest invariants. Every hub carries
// an append-only chain of token versions, each in exactly one of four
// states (pending, active, retiring, revoked). A new version starts
// pending and is promoted only when the hub acknowledges durable receipt;
// the outgoing version keeps working for a short grace window so a hub
// mid-rotation is never locked out. All transitions run inside SQLite
// transactions on a single-writer connection, so concurrent promotions for
// the same hub serialise instead of racing.
//
// The handshake authenticates hubs with an HMAC over serial|ts|nonce keyed
// by a per-unit bootstrap secret provisioned at manufacture. Timestamps
// bound clock drift, and accepted nonces are stored durably so an
// identical request can never be accepted twice, restarts included.
package hub
