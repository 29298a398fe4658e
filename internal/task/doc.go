// Package task runs background reconciliation of generation tasks.
package task
