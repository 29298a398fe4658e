// Package config handles configuration loading, parsing, and validation
// from config files and CANVAS_-prefixed environment variables. It provides
// type-safe access to the settings needed by the admission, queueing and
// streaming components while keeping configuration details separate from
// business logic.
package config
