package core

import "sync/atomic"

// The reference MollenOS/Vali source reads and writes APIC/IOAPIC registers
// through `volatile` pointers, a contract the arch layer owns and the core
// never touches directly (spec.md §9: "Source uses volatile pointers for
// MMIO ... Preserve the contract explicitly in the arch layer ... the core
// stays portable"). This module has no arch layer backed by real MMIO, so
// the contract is preserved as an atomically-accessed 32-bit register type
// standing in for a mapped device register — callers that do bind to real
// hardware replace it with unsafe volatile loads/stores. No package in this
// module uses it yet.

// Volatile32 is an atomically-accessed 32-bit register.
type Volatile32 struct{ v atomic.Uint32 }

func (r *Volatile32) Load() uint32         { return r.v.Load() }
func (r *Volatile32) Store(val uint32)     { r.v.Store(val) }
func (r *Volatile32) CAS(old, new uint32) bool {
	return r.v.CompareAndSwap(old, new)
}
