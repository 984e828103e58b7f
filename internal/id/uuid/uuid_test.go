package uuid

import (
	"sort"
	"testing"

	googleuuid "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIDProducesValidV7(t *testing.T) {
	t.Parallel()

	gen := New()
	id, err := gen.NewID()
	require.NoError(t, err)

	parsed, err := googleuuid.Parse(id)
	require.NoError(t, err)
	require.Equal(t, googleuuid.Version(7), parsed.Version())
}

func TestNewIDsSortByCreationOrder(t *testing.T) {
	t.Parallel()

	gen := New()
	ids := make([]string, 0, 16)
	for i := 0; i < 16; i++ {
		id, err := gen.NewID()
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// V7 IDs carry a timestamp prefix, so lexical order is creation order.
	require.True(t, sort.StringsAreSorted(ids))

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	require.Len(t, seen, len(ids))
}
