// Package mongo persists the turn event journal in MongoDB.
//
// Build the low-level client with clients/mongo and pass it to NewStore. Events
// are keyed by (session_id, turn_id, seq) so redelivered events are stored once.
package mongo
