package presence

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoin_TrimsNameAndCounts(t *testing.T) {
	r := NewRegistry()

	p, count, err := r.Join("c1", "  Ann  ")
	require.NoError(t, err)
	assert.Equal(t, "Ann", p.DisplayName)
	assert.Equal(t, "c1", p.ConnectionID)
	assert.False(t, p.JoinedAt.IsZero())
	assert.Equal(t, 1, count)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "c1", snap[0].ConnectionID)
}

func TestJoin_ValidNamesAppearExactlyOnce(t *testing.T) {
	names := []string{"a", "Ann", "  padded  ", strings.Repeat("x", MaxNameChars), "日本語の名前", "Bob Smith"}

	for i, name := range names {
		t.Run(name, func(t *testing.T) {
			r := NewRegistry()
			connID := fmt.Sprintf("c%d", i)

			_, _, err := r.Join(connID, name)
			require.NoError(t, err)

			matches := 0
			for _, p := range r.Snapshot() {
				if p.ConnectionID == connID {
					matches++
				}
			}
			assert.Equal(t, 1, matches)
		})
	}
}

func TestJoin_RejectsInvalidNames(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", "", ErrEmptyName},
		{"whitespace", " \t\n ", ErrEmptyName},
		{"too long", strings.Repeat("y", MaxNameChars+1), ErrNameTooLong},
		{"invalid utf8", "bad\xff", ErrInvalidName},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry()
			_, count, err := r.Join("c1", tc.raw)
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, 0, count)
			assert.Empty(t, r.Snapshot())
			assert.Equal(t, 0, r.Count())
		})
	}
}

func TestJoin_OverwriteKeepsPositionAndCount(t *testing.T) {
	r := NewRegistry()
	_, _, _ = r.Join("a", "Ann")
	_, _, _ = r.Join("b", "Bob")

	p, count, err := r.Join("a", "Annie")
	require.NoError(t, err)
	assert.Equal(t, "Annie", p.DisplayName)
	assert.Equal(t, 2, count)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "Annie", snap[0].DisplayName)
	assert.Equal(t, "Bob", snap[1].DisplayName)
}

func TestDuplicateNamesAllowed(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Join("a", "Sam")
	require.NoError(t, err)
	_, count, err := r.Join("b", "Sam")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestLeave(t *testing.T) {
	r := NewRegistry()
	_, _, _ = r.Join("a", "Ann")
	_, _, _ = r.Join("b", "Bob")

	p, count, err := r.Leave("a")
	require.NoError(t, err)
	assert.Equal(t, "Ann", p.DisplayName)
	assert.Equal(t, 1, count)

	_, err = r.Lookup("a")
	assert.ErrorIs(t, err, ErrNotFound)

	_, count, err = r.Leave("a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, count)

	_, _, err = r.Leave("never-joined")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshot_JoinOrder(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		_, _, err := r.Join(id, "user-"+id)
		require.NoError(t, err)
	}
	_, _, _ = r.Leave("a")
	_, _, _ = r.Join("a", "again")

	var ids []string
	for _, p := range r.Snapshot() {
		ids = append(ids, p.ConnectionID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)
}

func TestJoinLeaveCycles_CountNeverDrifts(t *testing.T) {
	r := NewRegistry()
	_, _, _ = r.Join("stay", "Stay")

	for i := 0; i < 50; i++ {
		_, count, err := r.Join("cycler", "Cy")
		require.NoError(t, err)
		require.Equal(t, 2, count)

		// A second join on the same connection must not double count.
		_, count, _ = r.Join("cycler", "Cy")
		require.Equal(t, 2, count)

		_, count, err = r.Leave("cycler")
		require.NoError(t, err)
		require.Equal(t, 1, count)

		_, count, _ = r.Leave("cycler")
		require.Equal(t, 1, count)
	}
	assert.Equal(t, 1, r.Count())
	assert.Len(t, r.Snapshot(), 1)
}

func TestSnapshot_IsACopy(t *testing.T) {
	r := NewRegistry()
	_, _, _ = r.Join("a", "Ann")

	snap := r.Snapshot()
	snap[0].DisplayName = "mutated"

	p, err := r.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, "Ann", p.DisplayName)
}
