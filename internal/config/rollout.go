package config

import "github.com/zeebo/xxh3"

// RolloutBucket maps a request-scoped identity to a stable bucket in [0, 100).
// The same familyID+requestID always lands in the same bucket, so a family's
// exposure to a partial rollout does not flap between retries of one request.
func RolloutBucket(familyID, requestID string) int {
	h := xxh3.HashString(familyID + "#" + requestID)
	return int(h % 100)
}

// RolloutAllows reports whether a percentage gate admits the given bucket.
// 0 never admits, 100 always admits.
func RolloutAllows(percentage, bucket int) bool {
	if percentage <= 0 {
		return false
	}
	if percentage >= 100 {
		return true
	}
	return bucket < percentage
}
