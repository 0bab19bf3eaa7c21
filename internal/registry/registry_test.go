package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimOwnershipFirstWriterWins(t *testing.T) {
	r := New()
	require.NoError(t, r.ClaimOwnership("migrations/schema.sql", "run-1", "adding column"))

	err := r.ClaimOwnership("migrations/schema.sql", "run-2", "different change")
	assert.Error(t, err)

	assert.True(t, r.IsOwner("migrations/schema.sql", "run-1"))
	assert.False(t, r.IsOwner("migrations/schema.sql", "run-2"))
}

func TestClaimOwnershipIsIdempotentForSameOwner(t *testing.T) {
	r := New()
	require.NoError(t, r.ClaimOwnership("routes.go", "run-1", ""))
	require.NoError(t, r.ClaimOwnership("routes.go", "run-1", ""))
}

func TestReleaseByRun(t *testing.T) {
	r := New()
	require.NoError(t, r.ClaimOwnership("a.go", "run-1", ""))
	require.NoError(t, r.ClaimOwnership("b.go", "run-1", ""))
	require.NoError(t, r.ClaimOwnership("c.go", "run-2", ""))

	r.ReleaseByRun("run-1")

	assert.False(t, r.IsOwner("a.go", "run-1"))
	assert.False(t, r.IsOwner("b.go", "run-1"))
	assert.True(t, r.IsOwner("c.go", "run-2"))
}

func TestNextMigrationNumberMonotone(t *testing.T) {
	r := New()
	first := r.NextMigrationNumber()
	second := r.NextMigrationNumber()
	assert.Equal(t, first+1, second)
}

func TestSeedMigrationSequenceOnlyMovesForward(t *testing.T) {
	r := New()
	r.SeedMigrationSequence(5)
	assert.Equal(t, 6, r.NextMigrationNumber())

	r.SeedMigrationSequence(2) // must not move backward
	assert.Equal(t, 7, r.NextMigrationNumber())
}

func TestKeyed(t *testing.T) {
	k := NewKeyed[int]()
	k.Set("a", 1)
	v, ok := k.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	k.Delete("a")
	_, ok = k.Get("a")
	assert.False(t, ok)
}
