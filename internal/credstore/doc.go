// Package credstore keeps third-party integration secrets (cloud API
// keys, bridge passwords) that the core holds on behalf of hubs. Values
// are vault-encrypted at rest and deduplicated per hub by lookup hash.
package credstore
