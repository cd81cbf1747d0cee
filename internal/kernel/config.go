package kernel

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
)

// ============================================================================
// Configuration
// ============================================================================

// Version is the kernel version, checked against a boot image's
// RequiresKernel constraint before anything is initialized.
const Version = "0.4.0"

// Config fixes the machine and kernel geometry for one boot. All
// memory sizes are bytes and must be page multiples.
type Config struct {
	MemorySize      uint32 `json:"memory_size"`
	KernelImageSize uint32 `json:"kernel_image_size"`
	HeapBase        uint32 `json:"heap_base"`
	HeapSize        uint32 `json:"heap_size"`
	StackSize       uint32 `json:"stack_size"`
	MaxProcesses    int    `json:"max_processes"`
	MaxOpenFiles    int    `json:"max_open_files"`
	TickIntervalMs  int    `json:"tick_interval_ms"`
	RequiresKernel  string `json:"requires_kernel,omitempty"`
}

// DefaultConfig is a 16 MiB machine: 1 MiB kernel image identity-mapped
// at zero, a 4 MiB heap window at 4 MiB, 16 KiB stacks, 16 process
// slots and 16 descriptors.
func DefaultConfig() Config {
	return Config{
		MemorySize:      16 << 20,
		KernelImageSize: 1 << 20,
		HeapBase:        4 << 20,
		HeapSize:        4 << 20,
		StackSize:       16 << 10,
		MaxProcesses:    16,
		MaxOpenFiles:    16,
		TickIntervalMs:  10,
	}
}

// LoadConfig reads a JSON config file over the defaults, so a file
// only needs the fields it changes.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the geometry and the kernel version constraint.
func (c Config) Validate() error {
	for name, v := range map[string]uint32{
		"memory_size":       c.MemorySize,
		"kernel_image_size": c.KernelImageSize,
		"heap_base":         c.HeapBase,
		"heap_size":         c.HeapSize,
	} {
		if v%PageSize != 0 {
			return fmt.Errorf("%s 0x%x is not page aligned", name, v)
		}
	}
	if c.MemorySize == 0 || c.KernelImageSize == 0 || c.HeapSize == 0 {
		return fmt.Errorf("memory, kernel image and heap sizes must be positive")
	}
	if c.HeapBase < c.KernelImageSize {
		return fmt.Errorf("heap base 0x%x overlaps the kernel image (0x%x)", c.HeapBase, c.KernelImageSize)
	}
	if c.HeapBase+c.HeapSize > c.MemorySize {
		return fmt.Errorf("heap window [0x%x,0x%x) exceeds memory size 0x%x", c.HeapBase, c.HeapBase+c.HeapSize, c.MemorySize)
	}
	if c.StackSize == 0 || c.StackSize%heapAlign != 0 {
		return fmt.Errorf("stack size %d is not a positive multiple of %d", c.StackSize, heapAlign)
	}
	if c.MaxProcesses <= 0 {
		return fmt.Errorf("max_processes must be positive")
	}
	if c.MaxOpenFiles <= 0 {
		return fmt.Errorf("max_open_files must be positive")
	}
	if c.RequiresKernel != "" {
		constraint, err := semver.NewConstraint(c.RequiresKernel)
		if err != nil {
			return fmt.Errorf("requires_kernel %q: %w", c.RequiresKernel, err)
		}
		if v := semver.MustParse(Version); !constraint.Check(v) {
			return fmt.Errorf("kernel v%s does not satisfy requires_kernel %q", Version, c.RequiresKernel)
		}
	}
	return nil
}
