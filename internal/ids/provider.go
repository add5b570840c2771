// Package ids issues identifiers for new rows across the domain services.
package ids

import "github.com/google/uuid"

// Provider issues UUIDv7 identifiers. The time-ordered prefix keeps ids
// roughly insertion-sorted, which keeps index pages warm on append-heavy
// tables.
type Provider struct{}

// NewUUIDProvider constructs a Provider.
func NewUUIDProvider() *Provider {
	return &Provider{}
}

// NewID returns a fresh UUIDv7 string.
func (p *Provider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
