package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sashakarcz/leasereaper/internal/dhcp"
	"github.com/sashakarcz/leasereaper/internal/logger"
	"github.com/sashakarcz/leasereaper/internal/storage"
)

// ErrAlreadyStarted is returned when Start is called twice on one Capture
var ErrAlreadyStarted = errors.New("capture already started")

// captureReadTimeout bounds how long the loop blocks before rechecking the stop signal
const captureReadTimeout = 500 * time.Millisecond

// SightingRecorder persists a single sighting
type SightingRecorder interface {
	RecordSighting(ctx context.Context, sg storage.Sighting) (bool, error)
}

// CaptureOption customizes a Capture
type CaptureOption func(*Capture)

// WithOpener replaces the raw socket opener
func WithOpener(open Opener) CaptureOption {
	return func(c *Capture) { c.open = open }
}

// WithSightingHook is called after every recorded sighting
func WithSightingHook(fn func(sg storage.Sighting, created bool)) CaptureOption {
	return func(c *Capture) { c.onSighting = fn }
}

// WithClock overrides the time source used for sighting timestamps
func WithClock(now func() time.Time) CaptureOption {
	return func(c *Capture) { c.now = now }
}

// Capture is the long-lived passive discovery task for one interface
type Capture struct {
	iface      string
	sink       SightingRecorder
	lookup     VendorLookup
	open       Opener
	onSighting func(storage.Sighting, bool)
	now        func() time.Time

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	started bool
	err     error
}

// NewCapture creates a capture task for iface. It does nothing until Start.
func NewCapture(iface string, sink SightingRecorder, lookup VendorLookup, opts ...CaptureOption) *Capture {
	c := &Capture{
		iface:    iface,
		sink:     sink,
		lookup:   lookup,
		open:     OpenDHCP,
		now:      time.Now,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Interface returns the interface this task is bound to
func (c *Capture) Interface() string {
	return c.iface
}

// Start opens the capture socket and runs the receive loop in the background.
// Socket errors are returned synchronously.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	conn, err := c.open(c.iface)
	if err != nil {
		c.fail(err)
		close(c.doneChan)
		return err
	}

	logger.Info().Str("iface", c.iface).Msg("Starting passive capture")
	go c.captureLoop(ctx, conn)
	return nil
}

// Stop signals the loop and waits for it to exit or for ctx to expire
func (c *Capture) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopChan) })

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-c.doneChan:
		logger.Info().Str("iface", c.iface).Msg("Passive capture stopped")
		return nil
	case <-ctx.Done():
		logger.Warn().Str("iface", c.iface).Msg("Passive capture stop timed out")
		return ctx.Err()
	}
}

// Alive reports whether the receive loop is still running
func (c *Capture) Alive() bool {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-c.doneChan:
		return false
	default:
		return true
	}
}

// Err returns the error that ended the loop, if any
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Capture) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *Capture) captureLoop(ctx context.Context, conn FrameConn) {
	defer close(c.doneChan)
	defer conn.Close()

	buf := make([]byte, 1514)
	for {
		select {
		case <-c.stopChan:
			logger.Debug().Str("iface", c.iface).Msg("Capture received stop signal")
			return
		case <-ctx.Done():
			logger.Debug().Str("iface", c.iface).Msg("Capture context cancelled")
			return
		default:
		}

		n, err := conn.Receive(buf, time.Now().Add(captureReadTimeout))
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			c.fail(err)
			logger.Error().Err(err).Str("iface", c.iface).Msg("Passive capture failed")
			return
		}

		c.handleFrame(ctx, buf[:n])
	}
}

func (c *Capture) handleFrame(ctx context.Context, frame []byte) {
	obs, err := dhcp.ParseFrame(frame)
	if err != nil {
		return
	}
	if obs.MAC == nil {
		// the registry is keyed by hardware address
		return
	}

	sg := c.sighting(obs)
	created, err := c.sink.RecordSighting(ctx, sg)
	if err != nil {
		logger.Error().Err(err).Str("mac", sg.MAC).Msg("Failed to record passive sighting")
		return
	}

	logger.Debug().
		Str("mac", sg.MAC).
		Str("ip", sg.IP).
		Str("type", obs.Type.String()).
		Bool("new", created).
		Msg("Passive sighting")

	if c.onSighting != nil {
		c.onSighting(sg, created)
	}
}

func (c *Capture) sighting(obs *dhcp.Observation) storage.Sighting {
	mac := strings.ToUpper(obs.MAC.String())
	sg := storage.Sighting{
		MAC:    mac,
		Vendor: c.lookup.Lookup(mac),
		SeenBy: storage.SeenByPassiveCapture,
		At:     c.now().UTC(),
	}
	if obs.IP != nil {
		sg.IP = obs.IP.String()
	}
	if obs.HasLease {
		start := sg.At
		secs := int(obs.LeaseTime / time.Second)
		sg.LeaseStart = &start
		sg.LeaseDuration = &secs
	}
	return sg
}
