package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHungarianAssign_Empty(t *testing.T) {
	assert.Nil(t, HungarianAssign(nil))
}

func TestHungarianAssign_NoColumns(t *testing.T) {
	result := HungarianAssign([][]float64{{}, {}})
	assert.Equal(t, []int{-1, -1}, result)
}

func TestHungarianAssign_SquareOptimal(t *testing.T) {
	//   [1 2 3]     Optimal: row0→col0, row1→col1, row2→col2 = 10
	//   [4 4 6]
	//   [9 8 5]
	cost := [][]float64{
		{1, 2, 3},
		{4, 4, 6},
		{9, 8, 5},
	}
	result := HungarianAssign(cost)
	require.Len(t, result, 3)

	total := 0.0
	for i, j := range result {
		require.GreaterOrEqual(t, j, 0, "row %d unassigned", i)
		total += cost[i][j]
	}
	assert.InDelta(t, 10.0, total, 1e-9)
}

func TestHungarianAssign_Forbidden(t *testing.T) {
	cost := [][]float64{
		{0.1, 0.4},
		{forbiddenCost, forbiddenCost},
	}
	result := HungarianAssign(cost)
	assert.Equal(t, []int{0, -1}, result)
}

func TestHungarianAssign_Rectangular(t *testing.T) {
	t.Run("more rows than columns", func(t *testing.T) {
		cost := [][]float64{
			{0.9},
			{0.1},
			{0.5},
		}
		assert.Equal(t, []int{-1, 0, -1}, HungarianAssign(cost))
	})

	t.Run("more columns than rows", func(t *testing.T) {
		cost := [][]float64{
			{0.7, 0.2, 0.9},
		}
		assert.Equal(t, []int{1}, HungarianAssign(cost))
	})
}

func TestHungarianAssign_PrefersGlobalOptimum(t *testing.T) {
	// Greedy would give row0→col0 (0.1) and leave row1 with 0.95.
	cost := [][]float64{
		{0.1, 0.2},
		{0.15, 0.95},
	}
	assert.Equal(t, []int{1, 0}, HungarianAssign(cost))
}
