package intr

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vali-os/corekernel/internal/mrb"
	"github.com/vali-os/corekernel/internal/pma"
	"github.com/vali-os/corekernel/internal/vmm"
)

func noopHandler(ctx *Context, kr KernelResources) Handled { return HandledNo }

func TestInterruptSharingScenario(t *testing.T) {
	// spec.md §8 scenario 2.
	table := NewTable(16, nil, nil)

	idA, status := table.Register(Registration{Line: 11, Resources: Resources{Handler: noopHandler}}, "A", nil)
	require.True(t, status.Ok())

	idB, status := table.Register(Registration{Line: 11, Resources: Resources{Handler: noopHandler}}, "B", nil)
	require.True(t, status.Ok())

	_, status = table.Register(Registration{Line: 11, Flags: FlagExclusive, Resources: Resources{Handler: noopHandler}}, "C", nil)
	require.Equal(t, "Exists", status.String())

	_, _, ok := table.Get(idA)
	require.True(t, ok)
	_, _, ok = table.Get(idB)
	require.True(t, ok)
}

func TestLeastLoadedIRQSelectionScenario(t *testing.T) {
	// spec.md §8 scenario 3: possible {10,11,12} penalties {3,1,2} -> 11,
	// and its penalty increments to 2.
	table := NewTable(16, nil, nil)
	oracle := NewStaticOracle()
	table.oracle = oracle
	oracle.SetPossible(0, 0, 7, []int{10, 11, 12})

	bumpPenalty(table, 10, 3)
	bumpPenalty(table, 11, 1)
	bumpPenalty(table, 12, 2)

	id, status := table.Register(Registration{Pin: 7, Resources: Resources{Handler: noopHandler}}, "driver", nil)
	require.True(t, status.Ok())

	owner, _, ok := table.Get(id)
	require.True(t, ok)
	require.Equal(t, "driver", owner)
	require.Equal(t, uint64(2), table.PenaltyOf(11))
}

func bumpPenalty(t *Table, vector int, n int) {
	for i := 0; i < n; i++ {
		t.vectors[vector].penalty.Add(1)
	}
}

func TestRegisterUnregisterRoundTripLeavesPenaltyUnchanged(t *testing.T) {
	table := NewTable(16, nil, nil)
	before := table.PenaltyOf(5)

	id, status := table.Register(Registration{Line: 5, Resources: Resources{Handler: noopHandler}}, "drv", nil)
	require.True(t, status.Ok())
	require.True(t, table.Unregister(id).Ok())

	require.Equal(t, before, table.PenaltyOf(5))
	_, _, ok := table.Get(id)
	require.False(t, ok)
}

func TestHandleWalksChainUntilHandled(t *testing.T) {
	table := NewTable(16, nil, nil)
	calls := 0
	first := func(ctx *Context, kr KernelResources) Handled { calls++; return HandledNo }
	second := func(ctx *Context, kr KernelResources) Handled { calls++; return HandledYes }

	table.Register(Registration{Line: 3, Resources: Resources{Handler: second}}, "first-installed", nil)
	table.Register(Registration{Line: 3, Resources: Resources{Handler: first}}, "second-installed", nil)

	ctx := &Context{Vector: 3}
	table.Handle(ctx, 3)
	require.Equal(t, 2, calls)
	require.Equal(t, 3, ctx.Source)
}

func TestRegisterResolvesMemoryResourcesToKernelMapping(t *testing.T) {
	const pageSize = 4096
	p := pma.New(pageSize)
	frames := []pma.Frame{{Base: 0x300000}, {Base: 0x300000 + pageSize}}
	require.NoError(t, p.AddMask(0xFFFFFFFF, frames))
	v := vmm.NewManager(p)
	broker := mrb.NewBroker(p, v, pageSize)

	kernelVA, h, mstatus := broker.Create(pageSize, pageSize, mrb.FlagCommitEager, 0xFFFFFFFF)
	require.True(t, mstatus.Ok())

	table := NewTable(16, v, nil)
	table.SetBroker(broker)

	var seen vmm.Addr
	handler := func(ctx *Context, kr KernelResources) Handled {
		if len(kr.MemoryResources) > 0 {
			seen = kr.MemoryResources[0]
		}
		return HandledYes
	}

	_, status := table.Register(Registration{
		Line:      9,
		Resources: Resources{Handler: handler, MemoryResources: []mrb.Handle{h}},
	}, "driver", nil)
	require.True(t, status.Ok())

	table.Handle(&Context{}, 9)
	require.Equal(t, kernelVA, seen)
}
