//go:build linux

package source

import (
	"strconv"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/go-gpiocdev"
)

// GPIO counts rising edges on a GPIO line via the character device
// (/dev/gpiochipN). This is the direct-wiring path: the sensor's open
// collector output goes straight into a header pin. The internal pull-up
// is always requested; one wired externally does no harm.
type GPIO struct {
	chip     string
	offset   int
	debounce time.Duration

	mu   sync.Mutex
	line *gpiocdev.Line
}

// NewGPIO creates a pulse input on the given chip ("gpiochip0") and line
// offset. A non-zero debounce period filters contact bounce on reed-switch
// meters; hall-effect sensors should leave it at zero.
func NewGPIO(chip string, offset int, debounce time.Duration) *GPIO {
	return &GPIO{
		chip:     chip,
		offset:   offset,
		debounce: debounce,
	}
}

// Open requests the line and starts edge delivery.
func (g *GPIO) Open(onPulse PulseFunc) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.line != nil {
		return pkgerrors.New("already open")
	}

	opts := []gpiocdev.LineReqOption{
		gpiocdev.WithPullUp,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			if evt.Type == gpiocdev.LineEventRisingEdge {
				onPulse(1)
			}
		}),
	}
	if g.debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(g.debounce))
	}

	line, err := gpiocdev.RequestLine(g.chip, g.offset, opts...)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to request %s line %d", g.chip, g.offset)
	}

	logrus.WithFields(logrus.Fields{
		"chip":     g.chip,
		"line":     g.offset,
		"debounce": g.debounce.String(),
	}).Debug("gpio pulse input opened")

	g.line = line
	return nil
}

// Close releases the line.
func (g *GPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.line == nil {
		return nil
	}

	err := g.line.Close()
	g.line = nil
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to release %s line %d", g.chip, g.offset)
	}
	return nil
}

func (g *GPIO) Description() string {
	return g.chip + ":" + strconv.Itoa(g.offset)
}
