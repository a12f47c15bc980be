package provisioning

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies the timestamps stamped on every transition.
// Implemented by SystemClock (production) and testutil.Clock (tests).
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// OwnerGenerator produces lease owner ids, one per claim.
// Implemented by UUIDv7Generator (production) and testutil.FixedOwnerGenerator (tests).
type OwnerGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 owner ids.
//
// Sorting owners sorts claims by time, which makes lease_owner useful when
// reading a stuck batch back out of the store.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NamedOwnerGenerator prefixes each UUIDv7 owner id with a worker name,
// so lease_owner shows which worker holds a stuck batch.
type NamedOwnerGenerator struct {
	Name string
}

// Generate returns "<name>/<uuidv7>", or a bare UUIDv7 when Name is empty.
func (g NamedOwnerGenerator) Generate() string {
	id := UUIDv7Generator{}.Generate()
	if g.Name == "" {
		return id
	}
	return g.Name + "/" + id
}
