// Command valicore is the kernel entry point: it performs the per-core
// bring-up sequence, runs a self-test pass exercising every subsystem, and
// starts the loopback RPC listener demo processes talk to.
//
// Grounded on the teacher's cmd/orizon-kernel/main.go: hardware init ->
// banner -> kernel init -> self tests -> demo process creation, reworked
// from a bare-metal busy-wait loop into Bootstrap + a background RPC
// server, since this port has no real hardware to poll.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vali-os/corekernel/internal/boot"
	"github.com/vali-os/corekernel/internal/core"
	"github.com/vali-os/corekernel/internal/mrb"
	"github.com/vali-os/corekernel/internal/rpc"
	"github.com/vali-os/corekernel/internal/vmm"
)

var log = logrus.WithField("component", "valicore")

func main() {
	banner()

	cfg := boot.DefaultConfig()
	if path := os.Getenv("VALICORE_CONFIG"); path != "" {
		loaded, err := boot.LoadConfig(path)
		if err != nil {
			log.WithError(err).Fatal("load config")
		}
		cfg = loaded
	}

	vb := devVBoot(cfg)

	m, err := boot.Bootstrap(vb, cfg)
	if err != nil {
		log.WithError(err).Fatal("bring-up failed")
	}

	log.Info("running self tests...")
	if err := selfTest(m); err != nil {
		log.WithError(err).Error("self tests failed")
	} else {
		log.Info("all self tests passed")
	}

	fs := rpc.NewMemFS(m.MRB)
	seedRamdisk(fs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		log.WithError(err).Fatal("listen udp for rpc transport")
	}
	defer pc.Close()

	transport := rpc.NewQuicTransport(fs)
	go func() {
		if err := transport.Serve(ctx, pc); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("rpc transport exited")
		}
	}()
	log.WithField("addr", pc.LocalAddr()).Info("rpc transport listening")

	spawnDemoProcesses(m)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	cancel()
}

func banner() {
	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("      ValiCore - core substrate demo      ")
	fmt.Println("========================================")
	fmt.Println()
}

// devVBoot stands in for a real loader: a single available run big enough
// for the self tests and demo processes, plus a kernel range carved out of
// it per spec.md §6's VBoot record.
func devVBoot(cfg *boot.Config) *boot.VBoot {
	pageSize := uintptr(cfg.PageSize)
	const totalPages = 4096

	return &boot.VBoot{
		MemoryMap: []boot.MemoryRun{
			{PhysicalBase: 0, Length: pageSize * totalPages, Type: boot.MemoryRunAvailable},
		},
		KernelBase:      0,
		KernelLength:    pageSize * 256,
		PageSize:        pageSize,
		BootRegion:      boot.MemoryRun{PhysicalBase: 0, Length: pageSize * 16, Type: boot.MemoryRunReserved},
		ProtocolVersion: "1.2.0",
	}
}

// selfTest exercises every bring-up component once: a memory region
// through the MRB, a thread through the scheduler's Queue/Advance/Terminate
// path, and a handful of FileService operations against a scratch MemFS.
func selfTest(m *boot.Machine) error {
	c := m.Cores[0]

	_, h, status := m.MRB.Create(uintptr(m.Config.PageSize), uintptr(m.Config.PageSize), mrb.FlagNone, 0xFFFFFFFF)
	if !status.Ok() {
		return fmt.Errorf("mrb.Create: %s", status)
	}
	payload := []byte("valicore self test")
	if _, status := m.MRB.Write(h, 0, payload); !status.Ok() {
		return fmt.Errorf("mrb.Write: %s", status)
	}
	readBack := make([]byte, len(payload))
	if _, status := m.MRB.Read(h, 0, readBack); !status.Ok() {
		return fmt.Errorf("mrb.Read: %s", status)
	}
	if string(readBack) != string(payload) {
		return fmt.Errorf("mrb round trip mismatch: got %q", readBack)
	}
	if status := m.MRB.Destroy(h); !status.Ok() {
		return fmt.Errorf("mrb.Destroy: %s", status)
	}

	space, err := m.VMM.CreateAddressSpace(vmm.Userspace)
	if err != nil {
		return fmt.Errorf("vmm.CreateAddressSpace: %w", err)
	}
	probe := m.SCH.NewThread("selftest-probe", 0, 0, 0, space)
	if status := m.SCH.Queue(c, probe); !status.Ok() {
		return fmt.Errorf("sched.Queue: %s", status)
	}
	m.SCH.Advance(c, 1)
	if status := m.SCH.Terminate(c, probe, 0, false); !status.Ok() {
		return fmt.Errorf("sched.Terminate: %s", status)
	}

	fs := rpc.NewMemFS(m.MRB)
	fh, status := fs.Open("/selftest.txt", rpc.OpenCreate, rpc.AccessWrite)
	if !status.Ok() {
		return fmt.Errorf("rpc.Open: %s", status)
	}
	_, wh, status := m.MRB.Create(uintptr(m.Config.PageSize), uintptr(m.Config.PageSize), mrb.FlagNone, 0xFFFFFFFF)
	if !status.Ok() {
		return fmt.Errorf("mrb.Create (rpc probe): %s", status)
	}
	defer m.MRB.Destroy(wh)
	if _, status := m.MRB.Write(wh, 0, payload); !status.Ok() {
		return fmt.Errorf("mrb.Write (rpc probe): %s", status)
	}
	if _, status := fs.Write(fh, wh, 0, uint64(len(payload))); !status.Ok() {
		return fmt.Errorf("rpc.Write: %s", status)
	}
	if status := fs.Close(fh); !status.Ok() {
		return fmt.Errorf("rpc.Close: %s", status)
	}

	return nil
}

func seedRamdisk(fs *rpc.MemFS) {
	if code := fs.Mkdir("/etc"); !code.Ok() && code != core.StatusExists {
		log.WithField("status", code).Warn("seed /etc")
	}
	if code := fs.Mkdir("/bin"); !code.Ok() && code != core.StatusExists {
		log.WithField("status", code).Warn("seed /bin")
	}
}

func spawnDemoProcesses(m *boot.Machine) {
	space, err := m.VMM.CreateAddressSpace(vmm.Userspace)
	if err != nil {
		log.WithError(err).Error("create demo address space")
		return
	}

	c := m.Cores[0]
	shell := m.SCH.NewThread("shell", 0, 0, 0, space)
	if status := m.SCH.Queue(c, shell); !status.Ok() {
		log.WithField("status", status).Error("queue shell thread")
		return
	}
	log.WithField("handle", shell.Handle).Info("shell process created")

	monitor := m.SCH.NewThread("monitor", 0, 0, 0, space)
	if status := m.SCH.Queue(c, monitor); !status.Ok() {
		log.WithField("status", status).Error("queue monitor thread")
		return
	}
	log.WithField("handle", monitor.Handle).Info("monitor process created")

	go ticker(m, c)
}

// ticker drives Advance on core 0 the way a hardware timer interrupt would,
// standing in for the arch layer's timer IRQ this port has no hardware for.
func ticker(m *boot.Machine, c *core.Core) {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for range t.C {
		m.SCH.Advance(c, 10)
	}
}
