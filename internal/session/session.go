// Package session manages per-user session pointers: a single, TTL-bearing
// reference from a user to the room they are currently paired into. A user
// has at most one pointer; it is created only by a successful pairing and
// cleared on teardown, on staleness, or by expiry.
package session
