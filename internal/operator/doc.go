// Package operator manages human accounts: Argon2id password storage,
// device-bound access tokens, and the user repository.
//
// Access tokens are JWTs that embed the device they were minted for and
// that device's session version. Validation checks the signature and
// expiry statelessly; callers compare the embedded session version
// against the trust registry, so revoking a device kills its tokens
// without a token blocklist.
package operator
