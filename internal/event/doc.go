// Package event defines the wire events emitted by the simulation backend.
//
// Every frame on the live stream and every entry of a recording is one JSON
// object discriminated by its "type" field. Decode turns such an object into
// one of the concrete types below; the set is closed:
//
//	status           Status
//	sim_started      SimStarted
//	matrix_ready     MatrixReady
//	user_event       UserEvent
//	bandit_snapshot  BanditSnapshot
//	sim_ended        SimEnded
//
// Frames carrying any other type decode to Unknown so that newer producers do
// not break older consumers. Frames that are not JSON, lack a type, or carry
// malformed fields for a known type fail with *ParseError.
package event
