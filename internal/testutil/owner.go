package testutil

// FixedOwnerGenerator returns the same lease owner id every time.
//
// Claims made through it are stamped with a known owner, so tests can assert
// on lease_owner without parsing UUIDs.
//
// Thread-safety: FixedOwnerGenerator is stateless and safe for concurrent use.
type FixedOwnerGenerator struct {
	owner string
}

// NewFixedOwnerGenerator creates a generator for owner.
// If owner is empty, Generate() returns "test-owner".
func NewFixedOwnerGenerator(owner string) *FixedOwnerGenerator {
	if owner == "" {
		owner = "test-owner"
	}
	return &FixedOwnerGenerator{owner: owner}
}

// Generate returns the fixed owner id.
func (g *FixedOwnerGenerator) Generate() string {
	return g.owner
}
