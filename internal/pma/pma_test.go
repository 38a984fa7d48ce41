package pma

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func makeFrames(base Addr, n int) []Frame {
	out := make([]Frame, n)
	for i := 0; i < n; i++ {
		out[i] = Frame{Base: base + Addr(uintptr(i)*4096)}
	}
	return out
}

func TestAllocFallsBackToLowerMask(t *testing.T) {
	a := New(4096)
	require.NoError(t, a.AddMask(0x1000, makeFrames(0, 2)))          // low DMA mask, 2 frames
	require.NoError(t, a.AddMask(0xFFFFFFFF, makeFrames(0x100000, 4))) // high mask, 4 frames

	// Ask under a low maxAddress that the high mask's frames all lie above:
	// must be satisfied only from the low mask.
	frames, status := a.Alloc(2, 0x2000, false)
	require.Equal(t, 2, len(frames))
	require.True(t, status.Ok())

	// Low mask now exhausted; a third frame with the same ceiling must fail.
	_, status = a.Alloc(1, 0x2000, false)
	require.False(t, status.Ok())
}

func TestAllocIncompleteWhenPoolsExhausted(t *testing.T) {
	a := New(4096)
	require.NoError(t, a.AddMask(0xFFFFFFFF, makeFrames(0x100000, 3)))

	frames, status := a.Alloc(5, 0xFFFFFFFF, false)
	require.Equal(t, 3, len(frames))
	require.Equal(t, "Incomplete", status.String())
}

func TestFreeThenAllocRestoresCount(t *testing.T) {
	a := New(4096)
	require.NoError(t, a.AddMask(0xFFFFFFFF, makeFrames(0x100000, 4)))

	before := a.PagesFree()
	frames, status := a.Alloc(4, 0xFFFFFFFF, false)
	require.True(t, status.Ok())
	require.Equal(t, uint64(0), a.PagesFree())

	require.True(t, a.Free(frames).Ok())
	require.Equal(t, before, a.PagesFree())
}

func TestContiguousAllocationRequiresAdjacentRun(t *testing.T) {
	a := New(4096)
	// Two separate runs: [0x100000,0x101000) and [0x200000,0x201000) —
	// neither alone has a 2-frame contiguous run.
	require.NoError(t, a.AddMask(0xFFFFFFFF, append(makeFrames(0x100000, 1), makeFrames(0x200000, 1)...)))

	_, status := a.Alloc(2, 0xFFFFFFFF, true)
	require.False(t, status.Ok())
}

func TestDoubleFreeAssertsInDebugMode(t *testing.T) {
	a := New(4096)
	require.NoError(t, a.AddMask(0xFFFFFFFF, makeFrames(0x100000, 1)))
	a.DebugDoubleFree = true

	frames, status := a.Alloc(1, 0xFFFFFFFF, false)
	require.True(t, status.Ok())
	require.True(t, a.Free(frames).Ok())

	require.Panics(t, func() { a.Free(frames) })
}
