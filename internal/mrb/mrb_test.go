package mrb

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vali-os/corekernel/internal/pma"
	"github.com/vali-os/corekernel/internal/vmm"
)

const pageSize = 4096

func newBroker(t *testing.T, framesNeeded int) (*Broker, *pma.Allocator, *vmm.Manager) {
	p := pma.New(pageSize)
	require.NoError(t, p.AddMask(0xFFFFFFFF, func() []pma.Frame {
		out := make([]pma.Frame, framesNeeded)
		for i := range out {
			out[i] = pma.Frame{Base: pma.Addr(0x100000 + uintptr(i)*pageSize)}
		}
		return out
	}()))
	v := vmm.NewManager(p)
	return NewBroker(p, v, pageSize), p, v
}

func TestMemoryRegionGrowScenario(t *testing.T) {
	// spec.md §8 scenario 4: capacity 4 pages, length 1 page.
	b, _, v := newBroker(t, 16)
	_, h, status := b.Create(pageSize, 4*pageSize, FlagNone, 0xFFFFFFFF)
	require.True(t, status.Ok())

	// Process X writes at offset page*2 -> out of bounds (length=1 page).
	n, status := b.Write(h, 2*pageSize, []byte("A"))
	require.Equal(t, 0, n)
	require.False(t, status.Ok())

	require.True(t, b.Resize(h, 3*pageSize).Ok())

	n, status = b.Write(h, 2*pageSize, []byte("A"))
	require.True(t, status.Ok())
	require.Equal(t, 1, n)

	// Process Y inherits at length=1 page (simulate by calling Refresh
	// directly with previousLen = 1 page after an Inherit at that point).
	procAS, err := createSpace(v)
	require.NoError(t, err)
	_, length, status := b.Inherit(h, 99, procAS, vmm.Commit)
	require.True(t, status.Ok())
	require.Equal(t, uintptr(3*pageSize), length) // Inherit always reflects current length

	newLen, status := b.Refresh(h, 99, pageSize)
	require.True(t, status.Ok())
	require.Equal(t, uintptr(3*pageSize), newLen)
}

func createSpace(v *vmm.Manager) (*vmm.AddressSpace, error) {
	return v.CreateAddressSpace(0)
}

func TestScatterGatherCoalescing(t *testing.T) {
	// spec.md §8 scenario 5: pages [P, P+sz, P+2sz, Q, Q+sz] -> two entries.
	b, _, _ := newBroker(t, 5)
	_, h, status := b.Create(5*pageSize, 5*pageSize, FlagCommitEager, 0xFFFFFFFF)
	require.True(t, status.Ok())

	region, status := b.lookup(h)
	require.True(t, status.Ok())
	region.mu.Lock()
	region.pages[0] = pma.Frame{Base: 0x1000}
	region.pages[1] = pma.Frame{Base: 0x1000 + pageSize}
	region.pages[2] = pma.Frame{Base: 0x1000 + 2*pageSize}
	region.pages[3] = pma.Frame{Base: 0x9000}
	region.pages[4] = pma.Frame{Base: 0x9000 + pageSize}
	region.mu.Unlock()

	sg, status := b.GetSg(h)
	require.True(t, status.Ok())
	require.Len(t, sg, 2)
	require.Equal(t, pma.Addr(0x1000), sg[0].Base)
	require.Equal(t, uintptr(3*pageSize), sg[0].Length)
	require.Equal(t, pma.Addr(0x9000), sg[1].Base)
	require.Equal(t, uintptr(2*pageSize), sg[1].Length)
}

func TestResizeShrinkIsNotSupported(t *testing.T) {
	b, _, _ := newBroker(t, 4)
	_, h, status := b.Create(2*pageSize, 4*pageSize, FlagNone, 0xFFFFFFFF)
	require.True(t, status.Ok())

	require.Equal(t, "NotSupported", b.Resize(h, pageSize).String())
}

func TestResizeBeyondCapacityIsInvalid(t *testing.T) {
	b, _, _ := newBroker(t, 4)
	_, h, status := b.Create(pageSize, 4*pageSize, FlagNone, 0xFFFFFFFF)
	require.True(t, status.Ok())

	require.Equal(t, "InvalidParameters", b.Resize(h, 5*pageSize).String())
}

func TestCreateInheritUnheritDestroyRoundTrip(t *testing.T) {
	b, p, v := newBroker(t, 4)
	before := p.PagesFree()

	_, h, status := b.Create(pageSize, pageSize, FlagCommitEager, 0xFFFFFFFF)
	require.True(t, status.Ok())

	as, _ := v.CreateAddressSpace(0)
	_, _, status = b.Inherit(h, 1, as, vmm.Commit)
	require.True(t, status.Ok())

	require.True(t, b.Unherit(h, 1).Ok())
	require.True(t, b.Destroy(h).Ok())

	require.Equal(t, before, p.PagesFree())
}
