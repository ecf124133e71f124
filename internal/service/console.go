package service

import (
	"io"
	"os"
	"sync"

	"github.com/fatih/color"

	"github.com/viking-gps/bgpool/internal/background"
)

// Console prints the outstanding item count whenever it changes.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	last  int
	busy  *color.Color
	idle  *color.Color
	start bool
}

func NewConsole(w io.Writer) *Console {
	c := &Console{
		w:    w,
		busy: color.New(color.FgCyan),
		idle: color.New(color.FgGreen),
	}
	if w != os.Stdout && w != os.Stderr {
		c.busy.DisableColor()
		c.idle.DisableColor()
	}
	return c
}

func (c *Console) ItemsChanged(items int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.start && items == c.last {
		return
	}
	c.start = true
	c.last = items

	out := c.busy
	if items == 0 {
		out = c.idle
	}
	_, _ = out.Fprintln(c.w, background.ItemsText(items))
}
