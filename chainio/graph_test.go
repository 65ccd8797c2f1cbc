package chainio

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func names(consumers []Consumer) []string {
	result := make([]string, 0, len(consumers))
	for _, c := range consumers {
		result = append(result, c.Name())
	}

	return result
}

// TestNewGraph checks the sorted order and the rejected graphs.
func TestNewGraph(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		consumers []Consumer
		order     []string
		err       error
	}{
		{
			name:  "empty",
			order: []string{},
		},
		{
			name: "independent sorted by name",
			consumers: []Consumer{
				newMockConsumer("token"),
				newMockConsumer("address"),
				newMockConsumer("contract"),
			},
			order: []string{"address", "contract", "token"},
		},
		{
			name: "dependencies first",
			consumers: []Consumer{
				newMockConsumer("address", "tx"),
				newMockConsumer("tx"),
				newMockConsumer("balance", "address", "tx"),
				newMockConsumer("contract", "tx"),
			},
			order: []string{"tx", "address", "balance", "contract"},
		},
		{
			name: "unknown dependency",
			consumers: []Consumer{
				newMockConsumer("address", "tx"),
			},
			err: ErrUnknownDependency,
		},
		{
			name: "duplicate",
			consumers: []Consumer{
				newMockConsumer("tx"),
				newMockConsumer("tx"),
			},
			err: ErrDuplicateConsumer,
		},
		{
			name: "cycle",
			consumers: []Consumer{
				newMockConsumer("tx"),
				newMockConsumer("a", "tx", "c"),
				newMockConsumer("b", "a"),
				newMockConsumer("c", "b"),
			},
			err: ErrDependencyCycle,
		},
		{
			name: "self dependency",
			consumers: []Consumer{
				newMockConsumer("tx", "tx"),
			},
			err: ErrDependencyCycle,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			g, err := NewGraph(tc.consumers...)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)

			require.Equal(t, tc.order, names(g.Order()))
			require.Equal(t, len(tc.order), g.Len())

			for i, name := range tc.order {
				pos, ok := g.Position(name)
				require.True(t, ok)
				require.Equal(t, i, pos)

				require.Equal(
					t, name,
					g.Reverse()[len(tc.order)-1-i].Name(),
				)
			}
		})
	}
}

// TestGraphProperty asserts every consumer of a random acyclic graph comes
// after all of its dependencies.
func TestGraphProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "n")

		consumers := make([]Consumer, 0, n)
		for i := 0; i < n; i++ {
			// Only depend on lower indexes to stay acyclic.
			var deps []string
			for j := 0; j < i; j++ {
				label := fmt.Sprintf("dep_%d_%d", i, j)
				if rapid.Bool().Draw(t, label) {
					deps = append(deps, fmt.Sprintf("c%d", j))
				}
			}
			consumers = append(
				consumers, newMockConsumer(fmt.Sprintf("c%d", i),
					deps...),
			)
		}

		// Shuffle the registration order.
		perm := rapid.Permutation(consumers).Draw(t, "perm")

		g, err := NewGraph(perm...)
		require.NoError(t, err)
		require.Equal(t, n, g.Len())

		for _, c := range consumers {
			pos, ok := g.Position(c.Name())
			require.True(t, ok)

			for _, dep := range c.Dependencies() {
				depPos, ok := g.Position(dep)
				require.True(t, ok)
				require.Less(t, depPos, pos)
			}
		}
	})
}
