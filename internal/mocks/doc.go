// Package mocks provides shared test doubles.
//
// The stores are in-memory implementations that keep the semantics of the
// Postgres stores (state machine, conditional quota reservation), so
// service, stream and worker tests exercise real behavior without a
// database. Failure injection is done through exported *Err fields.
package mocks
