// Package fingerprint derives stable, non-reversible identifiers for values
// that must not appear verbatim in logs or caches (agent strings, tokens).
//
// Output is BLAKE2b-256, hex encoded (64 chars). Short forms truncate the
// same digest and are only meant for log correlation.
package fingerprint
