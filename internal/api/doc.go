// Package api adapts HTTP requests to the submission and query services:
// decoding requests, mapping service errors to status codes and writing
// JSON responses. The WebSocket status stream lives in package stream.
package api
