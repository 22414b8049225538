// Package realtime manages live data-change subscriptions.
//
// A Registry keeps at most one channel per Key (resource scope plus row
// filter) and fans normalized changes and broadcast events out to callbacks.
// Socket is the websocket client for the backend's realtime endpoint and
// implements Backend.
package realtime
