// Package vault provides authenticated encryption for credential fields
// stored at rest.
//
// Encrypted values cover hub bootstrap/sync secrets, recoverable token
// ciphertexts, and third-party home-automation credentials. The companion
// LookupHash gives a one-way index for duplicate detection without ever
// reconstructing plaintext from the index.
package vault
