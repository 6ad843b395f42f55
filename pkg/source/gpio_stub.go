//go:build !linux

package source

import (
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// GPIO pulse input needs the linux GPIO character device. The type exists
// on other platforms so the CLI builds everywhere; opening it fails.
type GPIO struct {
	chip   string
	offset int
}

func NewGPIO(chip string, offset int, _ time.Duration) *GPIO {
	return &GPIO{
		chip:   chip,
		offset: offset,
	}
}

func (g *GPIO) Open(PulseFunc) error {
	return pkgerrors.New("gpio pulse input is only available on linux")
}

func (g *GPIO) Close() error {
	return nil
}

func (g *GPIO) Description() string {
	return g.chip + ":" + strconv.Itoa(g.offset)
}
