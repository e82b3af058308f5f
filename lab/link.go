// Package lab runs a gadget engine and a host engine against each other over
// the in-process loopback bus: the host pumps synthetic frames at a fixed
// rate, the gadget echoes them back with the addresses swapped, and a
// keepalive ticker exercises the control plane while traffic flows.
package lab

import (
	"context"
	baseerrors "errors"
	"net"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MatthiasValvekens/rndis-engine/gadget"
	"github.com/MatthiasValvekens/rndis-engine/host"
	"github.com/MatthiasValvekens/rndis-engine/loopback"
)

// Profile describes one simulated link, as read from the config file.
type Profile struct {
	MAC               string        `json:"mac"`
	MTU               uint32        `json:"mtu"`
	LinkSpeedMbps     uint32        `json:"link_speed_mbps"`
	VendorDescription string        `json:"vendor_desc"`
	PoolSize          int           `json:"pool_size"`
	FrameInterval     time.Duration `json:"frame_interval"`
	KeepaliveInterval time.Duration `json:"keepalive_interval"`
}

const (
	defaultFrameInterval     = 100 * time.Millisecond
	defaultKeepaliveInterval = 5 * time.Second

	// IEEE 802 local experimental ethertype, good enough for lab traffic.
	labEthertype = 0x88B5
)

// Link is one gadget/host pair wired over a private bus.
type Link struct {
	name   string
	logger log.Logger

	bus *loopback.Bus
	dev *gadget.Engine
	hst *host.Engine

	hostMAC           net.HardwareAddr
	frameInterval     time.Duration
	keepaliveInterval time.Duration
	seq               uint32

	echoed       prometheus.Counter
	returned     prometheus.Counter
	echoDrops    prometheus.Counter
	backpressure prometheus.Counter
	keepalives   prometheus.Counter
}

// NewLink builds the bus and both engines for one profile. The link does
// nothing until Run.
func NewLink(name string, p Profile, logger log.Logger, reg prometheus.Registerer) (*Link, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	var mac net.HardwareAddr
	if p.MAC != "" {
		var err error
		mac, err = net.ParseMAC(p.MAC)
		if err != nil {
			return nil, errors.Wrapf(err, "bad mac for link %s", name)
		}
	}
	if p.FrameInterval == 0 {
		p.FrameInterval = defaultFrameInterval
	}
	if p.KeepaliveInterval == 0 {
		p.KeepaliveInterval = defaultKeepaliveInterval
	}

	l := &Link{
		name:              name,
		logger:            logger,
		bus:               loopback.New(log.With(logger, "component", "bus")),
		hostMAC:           net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0xaa, 0x01},
		frameInterval:     p.FrameInterval,
		keepaliveInterval: p.KeepaliveInterval,
		echoed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_lab_echoed_frames_total",
			Help: "Frames the gadget side turned around and sent back.",
		}),
		returned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_lab_returned_frames_total",
			Help: "Echoed frames that made it back to the host side.",
		}),
		echoDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_lab_echo_drops_total",
			Help: "Echo attempts dropped for backpressure or teardown.",
		}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_lab_pump_backpressure_total",
			Help: "Pump ticks skipped because the host had no transmit capacity.",
		}),
		keepalives: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_lab_keepalives_total",
			Help: "Keepalive exchanges completed.",
		}),
	}

	l.dev = gadget.New(gadget.Config{
		MAC:               mac,
		MTU:               p.MTU,
		LinkSpeedMbps:     p.LinkSpeedMbps,
		VendorDescription: p.VendorDescription,
		PoolSize:          p.PoolSize,
	}, l.bus.GadgetPort(), log.With(logger, "component", "gadget"), reg)
	l.bus.BindGadget(l.dev)
	l.hst = host.New(host.Config{
		PoolSize: p.PoolSize,
	}, l.bus.HostControl(), l.bus.HostPort(), log.With(logger, "component", "host"), reg)

	l.dev.Attach(&echoConsumer{link: l})
	l.hst.Attach(&hostSink{link: l})

	if reg != nil {
		reg.MustRegister(l.echoed, l.returned, l.echoDrops, l.backpressure, l.keepalives)
	}
	return l, nil
}

// Run drives the link until ctx is cancelled or something fails. Teardown
// follows the protocol: halt the device, drain both engines, close the bus.
func (l *Link) Run(ctx context.Context) error {
	loops, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()
	work, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	var g run.Group
	g.Add(func() error {
		// Lifecycle actor: once the working context falls, tear the link
		// down while both completion loops are still alive to drain it.
		<-work.Done()
		l.teardown()
		stopLoops()
		return nil
	}, func(error) {
		cancelWork()
	})
	g.Add(func() error {
		return ignoreCanceled(l.dev.Run(loops))
	}, func(error) {
		cancelWork()
	})
	g.Add(func() error {
		return ignoreCanceled(l.hst.Run(loops))
	}, func(error) {
		cancelWork()
	})
	g.Add(func() error {
		info, err := l.hst.Start()
		if err != nil {
			return errors.Wrapf(err, "bring up link %s", l.name)
		}
		_ = level.Info(l.logger).Log("msg", "link established", "mac", info.MAC.String(),
			"mtu", info.MTU, "link_speed_mbps", info.LinkSpeed/10000)
		return ignoreCanceled(l.pump(work))
	}, func(error) {
		cancelWork()
	})
	g.Add(func() error {
		return ignoreCanceled(l.keepalive(work))
	}, func(error) {
		cancelWork()
	})

	return g.Run()
}

// pump transmits one synthetic frame per tick from the host side.
func (l *Link) pump(ctx context.Context) error {
	tick := time.NewTicker(l.frameInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			err := l.hst.Transmit(l.nextFrame())
			switch {
			case err == nil:
			case baseerrors.Is(err, host.ErrWouldBlock):
				l.backpressure.Inc()
			case baseerrors.Is(err, host.ErrShuttingDown):
				return nil
			default:
				return errors.Wrapf(err, "pump frame on link %s", l.name)
			}
		}
	}
}

func (l *Link) keepalive(ctx context.Context) error {
	if l.keepaliveInterval < 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	tick := time.NewTicker(l.keepaliveInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			err := l.hst.Keepalive()
			switch {
			case err == nil:
				l.keepalives.Inc()
			case baseerrors.Is(err, host.ErrShuttingDown):
				return nil
			default:
				return errors.Wrapf(err, "keepalive on link %s", l.name)
			}
		}
	}
}

// nextFrame builds a minimal Ethernet frame addressed to the gadget, with a
// sequence number in the payload.
func (l *Link) nextFrame() []byte {
	l.seq++
	devMAC := l.dev.LinkInfo().MAC
	frame := make([]byte, 64)
	copy(frame[0:6], devMAC)
	copy(frame[6:12], l.hostMAC)
	frame[12] = labEthertype >> 8
	frame[13] = labEthertype & 0xff
	frame[14] = byte(l.seq >> 24)
	frame[15] = byte(l.seq >> 16)
	frame[16] = byte(l.seq >> 8)
	frame[17] = byte(l.seq)
	copy(frame[18:], "rndis-lab")
	return frame
}

func (l *Link) teardown() {
	if err := l.hst.Halt(); err != nil {
		_ = level.Debug(l.logger).Log("msg", "halt on teardown failed", "err", err)
	}
	done := make(chan struct{}, 2)
	l.hst.Shutdown(func() { done <- struct{}{} })
	l.dev.Shutdown(func() { done <- struct{}{} })
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			_ = level.Warn(l.logger).Log("msg", "timed out waiting for transfers to drain")
			l.bus.Close()
			return
		}
	}
	l.bus.Close()
	_ = level.Info(l.logger).Log("msg", "link torn down")
}

// echoConsumer sits on the gadget side and bounces every frame back with
// source and destination swapped.
type echoConsumer struct {
	link *Link
}

func (c *echoConsumer) OnFrameReceived(frame []byte) {
	if len(frame) < 14 {
		return
	}
	echo := make([]byte, len(frame))
	copy(echo[0:6], frame[6:12])
	copy(echo[6:12], frame[0:6])
	copy(echo[12:], frame[12:])
	if err := c.link.dev.Transmit(echo); err != nil {
		c.link.echoDrops.Inc()
		return
	}
	c.link.echoed.Inc()
}

func (c *echoConsumer) OnLinkStateChange(up bool) {
	_ = level.Debug(c.link.logger).Log("msg", "gadget link state", "up", up)
}

// hostSink counts what comes back on the host side.
type hostSink struct {
	link *Link
}

func (s *hostSink) OnFrameReceived(frame []byte) {
	s.link.returned.Inc()
}

func (s *hostSink) OnLinkStateChange(up bool) {
	_ = level.Debug(s.link.logger).Log("msg", "host link state", "up", up)
}

func ignoreCanceled(err error) error {
	if baseerrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
