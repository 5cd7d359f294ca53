package location

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bioinfo/internal/groutine"
	"go.bug.st/serial"
)

// NMEAOptions configures a serial GPS receiver.
type NMEAOptions struct {
	Port   string
	Baud   int           `default:"9600"`
	MaxAge time.Duration `default:"30s"`
}

// NMEA tracks the position reported by a serial GPS receiver emitting NMEA
// 0183 sentences. Only GGA and RMC sentences with a valid fix are used.
type NMEA struct {
	opts   NMEAOptions
	logger *logrus.Logger
	now    func() time.Time

	last atomic.Pointer[Fix]

	mu   sync.Mutex
	port io.Closer
	done <-chan struct{}
}

// NewNMEA creates a provider; call Start to open the port.
func NewNMEA(opts NMEAOptions, logger *logrus.Logger) *NMEA {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)
	return &NMEA{opts: opts, logger: logger, now: time.Now}
}

// Start opens the serial port and reads sentences until ctx is done or
// Close is called.
func (p *NMEA) Start(ctx context.Context) error {
	port, err := serial.Open(p.opts.Port, &serial.Mode{BaudRate: p.opts.Baud})
	if err != nil {
		var perr *serial.PortError
		if errors.As(err, &perr) && perr.Code() == serial.PermissionDenied {
			return fmt.Errorf("%w: %s: %v", ErrPermission, p.opts.Port, err)
		}
		return fmt.Errorf("%w: open gps serial %s: %v", ErrUnavailable, p.opts.Port, err)
	}

	p.logger.WithFields(logrus.Fields{
		"port": p.opts.Port,
		"baud": p.opts.Baud,
	}).Info("GPS receiver opened")

	p.mu.Lock()
	p.port = port
	p.done = groutine.Go(ctx, "gps-reader", func(ctx context.Context) {
		stop := context.AfterFunc(ctx, func() { _ = port.Close() })
		defer stop()
		p.Consume(port)
	})
	p.mu.Unlock()
	return nil
}

// Close closes the port and waits for the reader to exit.
func (p *NMEA) Close() error {
	p.mu.Lock()
	port, done := p.port, p.done
	p.port = nil
	p.mu.Unlock()

	if port == nil {
		return nil
	}
	err := port.Close()
	<-done
	return err
}

// Consume reads newline-separated sentences from r until EOF or error.
func (p *NMEA) Consume(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.HandleSentence(sc.Text())
	}
	if err := sc.Err(); err != nil {
		p.logger.WithError(err).Debug("GPS reader stopped")
	}
}

// HandleSentence updates the last fix from a single NMEA sentence.
func (p *NMEA) HandleSentence(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	s, err := nmea.Parse(line)
	if err != nil {
		p.logger.WithError(err).WithField("sentence", line).Debug("Skipping NMEA sentence")
		return
	}

	switch m := s.(type) {
	case nmea.GGA:
		if m.FixQuality == nmea.Invalid {
			return
		}
		p.store(m.Latitude, m.Longitude)
	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			return
		}
		p.store(m.Latitude, m.Longitude)
	}
}

func (p *NMEA) store(lat, lon float64) {
	p.last.Store(&Fix{Latitude: lat, Longitude: lon, Time: p.now()})
}

// LastKnown returns the most recent fix no older than MaxAge.
func (p *NMEA) LastKnown(context.Context) *Fix {
	f := p.last.Load()
	if f == nil || p.now().Sub(f.Time) > p.opts.MaxAge {
		return nil
	}
	fix := *f
	return &fix
}
