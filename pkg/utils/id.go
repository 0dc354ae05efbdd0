package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// GenerateStreamID generates a unique local capture stream ID
func GenerateStreamID() string {
	return GenerateID("stream")
}

// GenerateClientID identifies one signaling connection
func GenerateClientID() string {
	return GenerateID("client")
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return GenerateID("req")
}
