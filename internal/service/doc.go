// Package service holds the task use cases: admission and submission,
// status transitions, reconciliation of half-finished submissions and
// owner-scoped queries.
//
// Services depend on the store interfaces and on small local interfaces
// for the broker, rate limiter and broadcaster, never on concrete
// infrastructure. Expected refusals come back as *AdmissionError; failures
// of downstream systems wrap ErrDependency.
package service
