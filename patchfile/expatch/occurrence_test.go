package expatch

import (
	"context"
	"errors"
	"testing"

	"github.com/pgaskin/expatch/patchlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScan finds a two-byte pattern at each of the given offsets.
func fakeScan(offsets ...int) ScanFunc {
	return func(_ context.Context, _ string, start int) (patchlib.ScanResult, error) {
		for _, o := range offsets {
			if o >= start {
				return patchlib.ScanResult{Found: true, Offset: o}, nil
			}
		}
		return patchlib.ScanResult{}, nil
	}
}

func collect(t *testing.T, it *Occurrences) []Occurrence {
	t.Helper()
	var occ []Occurrence
	for {
		o, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return occ
		}
		occ = append(occ, o)
	}
}

func TestOccurrences(t *testing.T) {
	scan := fakeScan(0, 1, 5, 9) // 1 overlaps 0

	t.Run("First", func(t *testing.T) {
		it := NewOccurrences(scan, "AA BB", nil, false)
		assert.Equal(t, []Occurrence{{1, 0, true}}, collect(t, it))
		assert.Equal(t, 1, it.Count())
		assert.Empty(t, it.Pending())
	})

	t.Run("All", func(t *testing.T) {
		it := NewOccurrences(scan, "AA BB", nil, true)
		assert.Equal(t, []Occurrence{{1, 0, true}, {2, 5, true}, {3, 9, true}}, collect(t, it))
		assert.Equal(t, 3, it.Count())
	})

	t.Run("Index", func(t *testing.T) {
		it := NewOccurrences(scan, "AA BB", []int{2}, false)
		assert.Equal(t, []Occurrence{{1, 0, false}, {2, 5, true}}, collect(t, it))
		assert.Equal(t, 2, it.Count())
		assert.Empty(t, it.Pending())
	})

	t.Run("Missing", func(t *testing.T) {
		indices := []int{2, 7}
		it := NewOccurrences(scan, "AA BB", indices, false)
		assert.Equal(t, []Occurrence{{1, 0, false}, {2, 5, true}, {3, 9, false}}, collect(t, it))
		assert.Equal(t, []int{7}, it.Pending())
		assert.Equal(t, []int{2, 7}, indices, "indices should be copied")
	})

	t.Run("None", func(t *testing.T) {
		it := NewOccurrences(fakeScan(), "AA BB", nil, true)
		assert.Empty(t, collect(t, it))
		assert.Equal(t, 0, it.Count())
	})
}

func TestOccurrencesError(t *testing.T) {
	it := NewOccurrences(func(context.Context, string, int) (patchlib.ScanResult, error) {
		return patchlib.ScanResult{}, errors.New("oops")
	}, "AA", nil, true)

	_, ok, err := it.Next(context.Background())
	assert.False(t, ok)
	assert.EqualError(t, err, "oops")

	_, ok, err = it.Next(context.Background())
	assert.False(t, ok)
	assert.NoError(t, err)
}
