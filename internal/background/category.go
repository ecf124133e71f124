package background

import (
	"fmt"
	"runtime"
	"strings"
)

// Category selects the worker pool a job runs on.
type Category int

const (
	Remote Category = iota // network bound work
	Local                  // CPU or disk bound work
	Render                 // optional specialized renderer

	numCategories = iota
)

// Categories lists every known category in a stable order.
func Categories() []Category {
	return []Category{Remote, Local, Render}
}

func (c Category) String() string {
	switch c {
	case Remote:
		return "remote"
	case Local:
		return "local"
	case Render:
		return "render"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

func (c Category) valid() bool {
	return c >= 0 && c < numCategories
}

func ParseCategory(s string) (Category, error) {
	for _, c := range Categories() {
		if strings.EqualFold(s, c.String()) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown category %q", s)
}

// PoolConfig is the concurrency ceiling of one category. MaxThreads <= 0
// means DefaultMaxThreads.
type PoolConfig struct {
	Category   Category
	MaxThreads int
	Enabled    bool
}

func (c PoolConfig) threads() int {
	if c.MaxThreads <= 0 {
		return DefaultMaxThreads()
	}
	return c.MaxThreads
}

// DefaultMaxThreads leaves one CPU to the caller, but never returns less than 1.
func DefaultMaxThreads() int {
	return max(runtime.NumCPU()-1, 1)
}

// DefaultPoolConfigs returns the configuration used when New gets none:
// ten remote workers, CPU-1 local workers and no render pool.
func DefaultPoolConfigs() []PoolConfig {
	return []PoolConfig{
		{Category: Remote, MaxThreads: 10, Enabled: true},
		{Category: Local, MaxThreads: 0, Enabled: true},
		{Category: Render, MaxThreads: 1, Enabled: false},
	}
}
