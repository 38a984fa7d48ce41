package boot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testVBoot(cfg *Config) *VBoot {
	pageSize := uintptr(cfg.PageSize)
	return &VBoot{
		MemoryMap: []MemoryRun{
			{PhysicalBase: 0, Length: pageSize * 256, Type: MemoryRunReserved},
			{PhysicalBase: pageSize * 256, Length: pageSize * 1024, Type: MemoryRunAvailable},
		},
		KernelBase:   0,
		KernelLength: pageSize * 256,
		PageSize:     pageSize,
		BootRegion:   MemoryRun{PhysicalBase: 0, Length: pageSize * 16, Type: MemoryRunReserved},
	}
}

func TestBootstrapSingleCoreWiresEveryComponent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumCores = 1

	m, err := Bootstrap(testVBoot(cfg), cfg)
	require.NoError(t, err)

	require.NotNil(t, m.PMA)
	require.NotNil(t, m.VMM)
	require.NotNil(t, m.MRB)
	require.NotNil(t, m.INT)
	require.NotNil(t, m.SCH)
	require.Len(t, m.Cores, 1)
	require.Equal(t, uint64(1024), m.PMA.PagesFree())
}

func TestBootstrapMultiCoreBringsUpEveryAP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumCores = 4

	m, err := Bootstrap(testVBoot(cfg), cfg)
	require.NoError(t, err)
	require.Len(t, m.Cores, 4)
	for i, c := range m.Cores {
		require.Equal(t, i, c.ID)
	}
}

func TestBootstrapRejectsZeroPageSize(t *testing.T) {
	cfg := DefaultConfig()
	vb := testVBoot(cfg)
	vb.PageSize = 0

	_, err := Bootstrap(vb, cfg)
	require.Error(t, err)
}

func TestBootstrapRejectsIncompatibleLoaderProtocol(t *testing.T) {
	cfg := DefaultConfig()
	vb := testVBoot(cfg)
	vb.ProtocolVersion = "3.0.0"

	_, err := Bootstrap(vb, cfg)
	require.Error(t, err)
}

func TestBootstrapAcceptsCompatibleLoaderProtocol(t *testing.T) {
	cfg := DefaultConfig()
	vb := testVBoot(cfg)
	vb.ProtocolVersion = "1.5.2"

	_, err := Bootstrap(vb, cfg)
	require.NoError(t, err)
}
