package util

import "github.com/google/uuid"

// GenerateProfileID generates a unique client profile ID with "prof_" prefix.
func GenerateProfileID() string {
	return "prof_" + uuid.NewString()
}

// GenerateSessionID generates a unique therapy session ID with "sess_" prefix.
func GenerateSessionID() string {
	return "sess_" + uuid.NewString()
}
