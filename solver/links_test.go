package solver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildLinkTable(t *testing.T) {
	table := BuildLinkTable([]Link{
		{From: "a", To: "b", Weight: 3},
		{From: "b", To: "a", Weight: -2},
		{From: "a", To: "b", Weight: 5},
		{From: "c", To: "d", Weight: 1},
		{From: "c", To: "d", Weight: 0},
	})

	require.Equal(t, LinkTable{
		{From: "a", To: "b"}: 5,
		{From: "b", To: "a"}: -2,
	}, table)
}

func TestLinksSortedAndSkipZero(t *testing.T) {
	table := LinkTable{
		{From: "b", To: "a"}: 4,
		{From: "a", To: "c"}: 2,
		{From: "a", To: "b"}: 1,
		{From: "z", To: "q"}: 0,
	}

	require.Equal(t, []Link{
		{From: "a", To: "b", Weight: 1},
		{From: "a", To: "c", Weight: 2},
		{From: "b", To: "a", Weight: 4},
	}, table.Links())
}
