// Package store defines interfaces for data persistence operations.
// These interfaces abstract the underlying data storage mechanism from
// the application's core logic: generation tasks and subscriptions live in
// a relational store, input and output artifacts in an object store.
package store
