// Package session keeps a user signed in across host restarts, storage wipes
// and token expiry.
//
// A Record (principal, credentials, liveness timestamp, device info) is
// mirrored across storage tiers behind the Store interface. The Coordinator
// restores a session at startup: the backend's active session wins, otherwise
// a validated cached record is refreshed through a token exchange, otherwise
// every tier is cleared. The Tracker bumps the liveness timestamp on host
// interaction and on a fixed interval.
//
// Token signing and verification belong to the backend and are out of scope here.
package session
