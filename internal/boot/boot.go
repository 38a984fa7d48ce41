package boot

import (
	"fmt"

	semver "github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
	"github.com/vali-os/corekernel/internal/core"
	"github.com/vali-os/corekernel/internal/intr"
	"github.com/vali-os/corekernel/internal/mrb"
	"github.com/vali-os/corekernel/internal/pma"
	"github.com/vali-os/corekernel/internal/sched"
	"github.com/vali-os/corekernel/internal/vmm"
)

// MemoryRunType discriminates entries in VBoot's firmware memory map.
type MemoryRunType int

const (
	MemoryRunReserved MemoryRunType = iota
	MemoryRunAvailable
	MemoryRunACPI
)

// MemoryRun is one entry of the loader-supplied memory map, per spec.md
// §6 "firmware memory map (runs of {physicalBase, length, type})".
type MemoryRun struct {
	PhysicalBase uintptr
	Length       uintptr
	Type         MemoryRunType
}

// VBoot is the boot-input record spec.md §6 fixes: a firmware memory map,
// the kernel image's own range (excluded from the PMA), the ramdisk range,
// the platform page size, and an identity-mapped boot region for
// transient allocations before the PMA exists.
type VBoot struct {
	MemoryMap    []MemoryRun
	KernelBase   uintptr
	KernelLength uintptr
	RamdiskBase  uintptr
	RamdiskLength uintptr
	PageSize     uintptr
	BootRegion   MemoryRun

	// ProtocolVersion is the loader's self-reported handoff protocol
	// version, checked against Config.LoaderProtocol in bspInit.
	ProtocolVersion string
}

// Machine is the aggregate of every component constructed at bring-up:
// the PMA, VMM, MRB, interrupt table, scheduler, and per-core state. It
// lives here rather than in internal/core so it can import every
// component package directly — core stays a leaf so pma/vmm/mrb/intr/
// sched can all depend on it without a cycle.
type Machine struct {
	Config *Config

	PMA   *pma.Allocator
	VMM   *vmm.Manager
	MRB   *mrb.Broker
	INT   *intr.Table
	SCH   *sched.Scheduler
	Cores []*core.Core
}

var log = logrus.WithField("component", "boot")

// Bootstrap performs the BSP bring-up sequence spec.md §6 names verbatim:
// BspInit -> ApicInit -> MemoryInit -> SchedulerEnable, then ApInit for
// each additional core ending in SchedulerEnable.
func Bootstrap(vb *VBoot, cfg *Config) (*Machine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	m := &Machine{Config: cfg}

	if err := bspInit(m, vb); err != nil {
		return nil, fmt.Errorf("boot: BspInit: %w", err)
	}
	if err := apicInit(m); err != nil {
		return nil, fmt.Errorf("boot: ApicInit: %w", err)
	}
	if err := memoryInit(m, vb); err != nil {
		return nil, fmt.Errorf("boot: MemoryInit: %w", err)
	}
	schedulerEnable(m, 0)

	for id := 1; id < cfg.NumCores; id++ {
		apInit(m, id)
		schedulerEnable(m, id)
	}

	log.WithFields(logrus.Fields{"cores": cfg.NumCores, "page_size": cfg.PageSize}).Info("bring-up complete")
	return m, nil
}

// bspInit allocates the per-core table and the scheduler's cross-core hub.
// Nothing else exists yet — MemoryInit needs Cores[0] as Unmap's shootdown
// caller identity.
func bspInit(m *Machine, vb *VBoot) error {
	if vb.PageSize == 0 {
		return fmt.Errorf("vboot: page size must be nonzero")
	}
	if err := checkLoaderProtocol(m.Config.LoaderProtocol, vb.ProtocolVersion); err != nil {
		return err
	}
	m.Cores = core.NewCores(m.Config.NumCores)
	m.SCH = sched.NewScheduler(m.Config.SchedulerLevels, m.Config.InitialTimeslice, m.Config.BoostPeriodMs, m.Config.NumCores)
	log.Info("BspInit: per-core state allocated")
	return nil
}

// apicInit constructs the interrupt table and its routing oracle. A real
// port wires an ACPICA-backed RoutingOracle here; bring-up without one
// uses intr.NewStaticOracle so registration still resolves vectors.
func apicInit(m *Machine) error {
	m.INT = intr.NewTable(m.Config.InterruptVectors, nil, intr.NewStaticOracle())
	log.Info("ApicInit: interrupt table ready")
	return nil
}

// memoryInit builds the PMA from VBoot's available memory runs, then the
// VMM bound to it, then MRB on top, and wires the VMM's cross-core
// shootdown callback to the scheduler (avoiding the vmm->sched import
// cycle via the vmm.Shootdown interface).
func memoryInit(m *Machine, vb *VBoot) error {
	m.PMA = pma.New(vb.PageSize)
	m.PMA.DebugDoubleFree = m.Config.DebugDoubleFree

	for _, run := range vb.MemoryMap {
		if run.Type != MemoryRunAvailable {
			continue
		}
		frames := framesFromRun(run, vb.PageSize)
		kept := frames[:0]
		for _, f := range frames {
			if uintptr(f.Base) >= vb.KernelBase && uintptr(f.Base) < vb.KernelBase+vb.KernelLength {
				continue // the kernel image's own range never enters the PMA
			}
			kept = append(kept, f)
		}
		if len(kept) == 0 {
			continue
		}
		if err := m.PMA.AddMask(pma.Addr(run.PhysicalBase+run.Length-1), kept); err != nil {
			return fmt.Errorf("add memory run at 0x%x: %w", run.PhysicalBase, err)
		}
	}

	m.VMM = vmm.NewManager(m.PMA)
	m.VMM.SetShootdown(m.SCH)
	m.MRB = mrb.NewBroker(m.PMA, m.VMM, vb.PageSize)
	m.INT.SetBroker(m.MRB)

	log.WithField("free_pages", m.PMA.PagesFree()).Info("MemoryInit: PMA/VMM/MRB ready")
	return nil
}

// checkLoaderProtocol rejects a loader handoff whose reported version
// doesn't satisfy constraint. An empty version (a dev VBoot with no real
// loader behind it) is left unchecked rather than treated as a violation.
func checkLoaderProtocol(constraint, version string) error {
	if version == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("vboot: loader protocol constraint %q: %w", constraint, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("vboot: loader protocol version %q: %w", version, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("vboot: loader protocol %s does not satisfy %s", version, constraint)
	}
	return nil
}

func framesFromRun(run MemoryRun, pageSize uintptr) []pma.Frame {
	count := run.Length / pageSize
	frames := make([]pma.Frame, 0, count)
	for i := uintptr(0); i < count; i++ {
		frames = append(frames, pma.Frame{Base: pma.Addr(run.PhysicalBase + i*pageSize)})
	}
	return frames
}

// schedulerEnable is the final step of bring-up on every core: nothing to
// do beyond recording that the core is live, since the scheduler's
// per-core state is created lazily on first use.
func schedulerEnable(m *Machine, coreID int) {
	log.WithField("core", coreID).Info("SchedulerEnable")
}

// apInit brings up an application processor after SIPI. This port has no
// real AP — SMP is simulated by additional core.Core entries — so apInit
// is a bookkeeping no-op beyond logging, matching the "unimplemented real
// loader" note spec.md's VBoot carries.
func apInit(m *Machine, coreID int) {
	log.WithField("core", coreID).Info("ApInit")
}
