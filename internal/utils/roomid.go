package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewRoomID generates a short shareable room identifier.
func NewRoomID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
