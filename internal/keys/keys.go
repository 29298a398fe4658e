// Package keys centralizes Redis key and channel construction so the
// producers and consumers of a key never disagree on its format.
package keys

import "github.com/google/uuid"

// StatusChannelPrefix prefixes every task status pub/sub channel.
const StatusChannelPrefix = "task-status:"

// RateLimit returns the counter key for one (scope, identifier) pair.
func RateLimit(scope, identifier string) string { return "ratelimit:" + scope + ":" + identifier }

// StatusChannel returns the pub/sub channel carrying a task's status events.
// Any subscriber that knows the task ID can derive it without a lookup.
func StatusChannel(taskID uuid.UUID) string { return StatusChannelPrefix + taskID.String() }

// Dedup returns the claim key a worker sets before processing a task.
func Dedup(taskID uuid.UUID) string { return "canvas:dedup:" + taskID.String() }
