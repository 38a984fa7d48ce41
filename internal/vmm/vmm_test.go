package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vali-os/corekernel/internal/pma"
)

func framesFrom(base pma.Addr, n int) []pma.Frame {
	out := make([]pma.Frame, n)
	for i := 0; i < n; i++ {
		out[i] = pma.Frame{Base: base + pma.Addr(uintptr(i)*4096)}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *pma.Allocator) {
	p := pma.New(4096)
	require.NoError(t, p.AddMask(0xFFFFFFFF, framesFrom(0x100000, 16)))
	return NewManager(p), p
}

func TestMapUnmapRoundTripRestoresFrameCount(t *testing.T) {
	m, p := newTestManager(t)
	as, err := m.CreateAddressSpace(0)
	require.NoError(t, err)

	before := p.PagesFree()
	frames, status := p.Alloc(2, 0xFFFFFFFF, false)
	require.True(t, status.Ok())

	va, status := m.Map(as, 0x2000, frames, Commit|Userspace, PlaceFixed)
	require.True(t, status.Ok())

	got, status := m.Query(as, va, 2)
	require.True(t, status.Ok())
	require.Equal(t, frames[0].Base, got[0].Base)

	require.True(t, m.Unmap(as, 0, va, 2*4096).Ok())
	_, status = m.Query(as, va, 2)
	require.False(t, status.Ok())
	require.Equal(t, before, p.PagesFree())
}

func TestCommitTwiceReturnsExistsWithoutOverwrite(t *testing.T) {
	m, _ := newTestManager(t)
	as, _ := m.CreateAddressSpace(0)

	va, status := m.Reserve(as, 0x5000, 4096, Commit, PlaceFixed)
	require.True(t, status.Ok())

	f1 := []pma.Frame{{Base: 0x100000}}
	require.True(t, m.Commit(as, va, f1, Commit).Ok())

	f2 := []pma.Frame{{Base: 0x200000}}
	status = m.Commit(as, va, f2, Commit)
	require.Equal(t, "Exists", status.String())

	got, _ := m.Query(as, va, 1)
	require.Equal(t, pma.Addr(0x100000), got[0].Base)
}

func TestCommitWithoutReserveReturnsDoesNotExist(t *testing.T) {
	m, _ := newTestManager(t)
	as, _ := m.CreateAddressSpace(0)

	status := m.Commit(as, 0x9000, []pma.Frame{{Base: 0x100000}}, Commit)
	require.Equal(t, "DoesNotExist", status.String())
}

func TestPersistentMappingIsNotFreedOnUnmap(t *testing.T) {
	m, p := newTestManager(t)
	as, _ := m.CreateAddressSpace(0)

	before := p.PagesFree()
	frames, _ := p.Alloc(1, 0xFFFFFFFF, false)
	va, status := m.Map(as, 0x6000, frames, Commit|Persistent, PlaceFixed)
	require.True(t, status.Ok())

	require.True(t, m.Unmap(as, 0, va, 4096).Ok())
	require.Equal(t, before-1, p.PagesFree()) // frame was NOT returned to the PMA
}

func TestCloneSharesPhysicalPages(t *testing.T) {
	m, _ := newTestManager(t)
	src, _ := m.CreateAddressSpace(0)
	dst, _ := m.CreateAddressSpace(0)

	frames := []pma.Frame{{Base: 0x100000}}
	va, status := m.Map(src, 0x7000, frames, Commit, PlaceFixed)
	require.True(t, status.Ok())

	clonedVA, status := m.Clone(src, dst, va, 0x8000, 4096, Commit, PlaceFixed)
	require.True(t, status.Ok())

	got, status := m.Query(dst, clonedVA, 1)
	require.True(t, status.Ok())
	require.Equal(t, frames[0].Base, got[0].Base)
}

func TestReserveReusesFreedRangeAfterUnmap(t *testing.T) {
	m, _ := newTestManager(t)
	as, _ := m.CreateAddressSpace(0)

	va1, status := m.Reserve(as, 0, 4096, Commit, PlaceAnywhereProcess)
	require.True(t, status.Ok())
	require.True(t, m.Unmap(as, 0, va1, 4096).Ok())

	va2, status := m.Reserve(as, 0, 4096, Commit, PlaceAnywhereProcess)
	require.True(t, status.Ok())
	require.Equal(t, va1, va2)
}
