// Package uuid provides identifier generation and validation utilities.
//
// Pending operations use time-ordered v7 identifiers so that ids sort in
// enqueue order; everything else (subscriptions, websocket clients) uses v4.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// xxxxxxxx-xxxx-Vxxx-yxxx-xxxxxxxxxxxx, V the version and y one of [8, 9, a, b]
var (
	uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)
	uuidV7Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-7[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)
)

// New generates a new random UUID v4.
func New() string {
	return uuid.New().String()
}

// NewOrdered generates a time-ordered UUID v7. Ids generated by one process
// compare lexically in generation order.
func NewOrdered() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate UUID v7: %w", err)
	}
	return id.String(), nil
}

// Parse parses a v4 or v7 UUID string.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if v := id.Version(); v != 4 && v != 7 {
		return uuid.Nil, fmt.Errorf("expected UUID v4 or v7, got v%d", v)
	}
	return id, nil
}

// IsValid checks if a string is a valid v4 or v7 UUID in canonical form.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s) || uuidV7Regex.MatchString(s)
}

// IsOrdered checks if a string is a valid UUID v7.
func IsOrdered(s string) bool {
	return uuidV7Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid v4 or v7 UUID.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	return nil
}
