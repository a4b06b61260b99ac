package rm

import "github.com/google/uuid"

// Identifier is the opaque token naming one sequence
type Identifier string

// NewIdentifier returns a fresh urn:uuid identifier
func NewIdentifier() Identifier {
	return Identifier("urn:uuid:" + uuid.New().String())
}

// String returns the identifier text
func (id Identifier) String() string {
	return string(id)
}
