// Package worker is the reference consumer of generation requests. It
// claims each task id once, drives the task through processing to a
// terminal state with the status service, and stores the generated image
// next to the task's input.
package worker
