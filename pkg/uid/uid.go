package uid

import "github.com/google/uuid"

// New generates a time-ordered unique identifier, so request ids sort by
// arrival in logs.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// IsValid checks if a string is a valid UUID.
func IsValid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
