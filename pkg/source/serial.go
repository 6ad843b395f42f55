package source

import (
	"bufio"
	"context"
	"strconv"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// DefaultBaudRate matches the rate the reference firmware reports at.
const DefaultBaudRate = 115200

// Serial bridges an external MCU pulse counter into the daemon. The MCU
// counts edges in hardware and periodically reports how many it saw since
// the last report, one line per report:
//
//	P <delta>
//
// Lines starting with '#' are firmware status chatter and are ignored.
// Counting on the MCU survives daemon restarts of up to one report
// interval and keeps edge timing off the host entirely.
type Serial struct {
	port string
	baud int

	mu     sync.Mutex
	conn   serial.Port
	ctx    context.Context
	cancel context.CancelFunc
	open   bool
}

// NewSerial creates a bridge reading from the named port, e.g.
// "/dev/ttyUSB0". A zero baud rate selects DefaultBaudRate.
func NewSerial(port string, baud int) *Serial {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	return &Serial{
		port: port,
		baud: baud,
	}
}

// Open opens the port and starts the read loop.
func (s *Serial) Open(onPulse PulseFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return pkgerrors.New("already open")
	}

	conn, err := serial.Open(s.port, &serial.Mode{BaudRate: s.baud})
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open serial port %s", s.port)
	}

	s.conn = conn
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.open = true

	go s.readLoop(s.ctx, conn, onPulse)

	return nil
}

// Close stops the read loop and closes the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}

	s.cancel()
	err := s.conn.Close()
	s.conn = nil
	s.open = false

	if err != nil {
		return pkgerrors.Wrapf(err, "failed to close serial port %s", s.port)
	}
	return nil
}

func (s *Serial) Description() string {
	return "serial:" + s.port
}

func (s *Serial) readLoop(ctx context.Context, conn serial.Port, onPulse PulseFunc) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		logrus.Tracef("serial line: %q", line)

		delta, ok := parsePulseLine(line)
		if !ok {
			continue
		}
		if delta > 0 {
			onPulse(delta)
		}
	}

	// Closing the port makes the scanner return; only an unexpected end of
	// stream is worth reporting.
	if ctx.Err() == nil {
		if err := scanner.Err(); err != nil {
			logrus.WithError(err).Errorf("serial port %s read loop ended", s.port)
		} else {
			logrus.Errorf("serial port %s closed by remote end", s.port)
		}
	}
}

// parsePulseLine extracts the pulse delta from one report line. Comment
// lines and anything malformed are skipped.
func parsePulseLine(line string) (uint64, bool) {
	if strings.HasPrefix(line, "#") {
		return 0, false
	}

	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "P" {
		logrus.Tracef("skipping malformed pulse line: %q", line)
		return 0, false
	}

	delta, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		logrus.Tracef("skipping unparsable pulse delta %q: %v", fields[1], err)
		return 0, false
	}

	return delta, true
}
