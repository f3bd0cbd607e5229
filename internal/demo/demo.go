// Package demo runs the buffer exchange end to end: an owner exports a
// device buffer and advertises it over the rendezvous service, a peer fetches
// the advertisement, copies the buffer with a zero-copy GET and checks it.
package demo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"

	"github.com/yuuki/cudaipc/internal/config"
	"github.com/yuuki/cudaipc/internal/cuda"
	"github.com/yuuki/cudaipc/internal/cuda/native"
	"github.com/yuuki/cudaipc/internal/cuda/sim"
	"github.com/yuuki/cudaipc/internal/cudaipc"
	"github.com/yuuki/cudaipc/internal/rendezvous"
	"github.com/yuuki/cudaipc/internal/telemetry"
	"github.com/yuuki/cudaipc/internal/transport"
)

// Demo holds what the roles share: configuration, the simulated host and
// the metrics sink.
type Demo struct {
	config  *config.Config
	host    *sim.Host
	metrics *telemetry.Metrics
}

// New creates a demo instance
func New(cfg *config.Config) (*Demo, error) {
	initLogging(cfg.LogLevel)

	d := &Demo{config: cfg}

	if cfg.Driver == "sim" {
		host, err := sim.NewHost(sim.Options{
			Dir:        cfg.Sim.Dir,
			Devices:    cfg.Sim.Devices,
			QueryDelay: cfg.Sim.QueryDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create simulated host: %w", err)
		}
		d.host = host
	}

	log.Debug().Str("driver", cfg.Driver).Str("role", cfg.Demo.Role).Msg("Demo instance created")
	return d, nil
}

// Run runs the configured role until it finishes or ctx is done.
func (d *Demo) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.config.Demo.Timeout)
	defer cancel()

	if d.config.Metrics.Enabled {
		m, err := telemetry.NewMetrics(ctx, d.config.Metrics.InstanceID, d.config.Metrics.CollectorAddr)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize metrics, continuing without metrics")
		} else {
			d.metrics = m
			log.Info().
				Str("instance_id", d.config.Metrics.InstanceID).
				Str("collector_addr", d.config.Metrics.CollectorAddr).
				Msg("OpenTelemetry metrics initialized")
		}
	}

	switch d.config.Demo.Role {
	case "owner":
		return d.RunOwner(ctx)
	case "peer":
		return d.RunPeer(ctx)
	case "loopback":
		return d.RunLoopback(ctx)
	}
	return fmt.Errorf("unknown demo role %q", d.config.Demo.Role)
}

// RunOwner serves the rendezvous service and exports one buffer until a peer
// releases it.
func (d *Demo) RunOwner(ctx context.Context) error {
	srv := rendezvous.NewServer()
	if err := srv.Start(d.config.Rendezvous.Addr); err != nil {
		return fmt.Errorf("failed to start rendezvous server: %w", err)
	}
	defer srv.Stop()

	return d.owner(ctx, srv)
}

// RunPeer fetches the advertised buffer from a running owner and copies it.
func (d *Demo) RunPeer(ctx context.Context) error {
	client := rendezvous.NewClient(d.config.Rendezvous.Addr)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to rendezvous server: %w", err)
	}
	defer client.Close()

	return d.peer(ctx, client)
}

// RunLoopback runs an owner and a peer in this process. The rendezvous
// server listens on an ephemeral local port.
func (d *Demo) RunLoopback(ctx context.Context) error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	srv := rendezvous.NewServer()
	srv.Serve(listener)
	defer srv.Stop()

	client := rendezvous.NewClient(listener.Addr().String())
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to rendezvous server: %w", err)
	}
	defer client.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.owner(ctx, srv)
	})
	g.Go(func() error {
		return d.peer(ctx, client)
	})
	return g.Wait()
}

// session is one simulated or real process view: a driver with a memory
// domain and an interface opened on it.
type session struct {
	drv   cuda.Driver
	md    *cudaipc.MemoryDomain
	iface *cudaipc.Iface
	close func() error
}

func (d *Demo) openSession() (*session, error) {
	var (
		drv      cuda.Driver
		closeDrv func() error
	)
	switch d.config.Driver {
	case "sim":
		p := d.host.NewProcess()
		drv, closeDrv = p, p.Close
	case "cuda":
		nd, err := native.Open(0)
		if err != nil {
			return nil, fmt.Errorf("failed to open CUDA driver: %w", err)
		}
		drv, closeDrv = nd, nd.Close
	default:
		return nil, fmt.Errorf("unknown driver %q", d.config.Driver)
	}

	var metrics cudaipc.Metrics
	if d.metrics != nil {
		metrics = d.metrics
	}

	component := cudaipc.NewComponent(drv, d.config.MD, d.config.Iface, metrics)
	registry := transport.NewRegistry()
	if err := registry.Register(component); err != nil {
		return nil, multierr.Append(err, closeDrv())
	}
	c, err := registry.Lookup(cudaipc.ComponentName)
	if err != nil {
		return nil, multierr.Append(err, closeDrv())
	}

	tmd, err := c.OpenMemoryDomain()
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to open memory domain: %w", err), closeDrv())
	}
	resources, err := tmd.QueryResources()
	if err != nil || len(resources) == 0 {
		return nil, multierr.Combine(fmt.Errorf("%w: no %s resources", transport.StatusNoDevice, c.Name()), tmd.Close(), closeDrv())
	}
	tiface, err := c.OpenIface(tmd, transport.IfaceParams{
		TLName:     resources[0].TLName,
		DeviceName: resources[0].DeviceName,
	})
	if err != nil {
		return nil, multierr.Combine(fmt.Errorf("failed to open interface: %w", err), tmd.Close(), closeDrv())
	}

	s := &session{
		drv:   drv,
		md:    tmd.(*cudaipc.MemoryDomain),
		iface: tiface.(*cudaipc.Iface),
	}
	s.close = func() error {
		return multierr.Combine(s.iface.Close(), s.md.Close(), closeDrv())
	}
	return s, nil
}

// owner exports a patterned buffer, publishes it and waits for the release.
func (d *Demo) owner(ctx context.Context, srv *rendezvous.Server) (err error) {
	s, err := d.openSession()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, s.close()) }()

	length := d.config.Demo.Length
	ptr, err := s.drv.MemAlloc(length)
	if err != nil {
		return fmt.Errorf("failed to allocate device buffer: %w", err)
	}
	defer func() { err = multierr.Append(err, s.drv.MemFree(ptr)) }()

	if err := s.drv.MemcpyHtoD(ptr, Pattern(length)); err != nil {
		return fmt.Errorf("failed to fill device buffer: %w", err)
	}

	reg, err := s.md.RegisterMemory(ptr, length)
	if err != nil {
		return fmt.Errorf("failed to register device buffer: %w", err)
	}
	defer func() { err = multierr.Append(err, s.md.Deregister(reg)) }()

	key, err := s.md.PackRemoteKey(reg)
	if err != nil {
		return fmt.Errorf("failed to pack remote key: %w", err)
	}

	name := d.config.Rendezvous.Name
	if err := srv.Publish(name, &rendezvous.Advertisement{
		IfaceAddr: s.iface.Address(),
		Address:   uint64(ptr),
		Length:    length,
		Key:       key,
	}); err != nil {
		return err
	}
	log.Info().Str("name", name).Uint64("len", length).Msg("Buffer exported, waiting for peer")

	if err := srv.WaitRelease(ctx, name); err != nil {
		return err
	}
	log.Info().Str("name", name).Msg("Peer released buffer")
	return nil
}

// peer fetches the advertisement, copies the buffer and releases it once
// every mapping of the owner's memory is closed.
func (d *Demo) peer(ctx context.Context, client *rendezvous.Client) error {
	name := d.config.Rendezvous.Name
	adv, err := client.Fetch(ctx, name)
	if err != nil {
		return err
	}

	if err := d.copyBuffer(ctx, adv); err != nil {
		return err
	}
	log.Info().Str("name", name).Uint64("len", adv.Length).Msg("Buffer copied and verified")

	return client.Release(ctx, name)
}

// copyBuffer GETs the advertised buffer into local device memory and checks
// its contents.
func (d *Demo) copyBuffer(ctx context.Context, adv *rendezvous.Advertisement) (err error) {
	s, err := d.openSession()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, s.close()) }()

	if !s.iface.IsReachable(nil, adv.IfaceAddr) {
		return fmt.Errorf("%w: owner is not on this host", transport.StatusNoDevice)
	}

	key, err := s.md.UnpackKey(adv.Key)
	if err != nil {
		return fmt.Errorf("failed to unpack remote key: %w", err)
	}
	defer func() { err = multierr.Append(err, s.md.ReleaseRemoteKey(key)) }()

	ep, err := s.iface.NewEndpoint(s.iface.DeviceAddress(), adv.IfaceAddr)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { err = multierr.Append(err, ep.Close()) }()

	local, err := s.drv.MemAlloc(adv.Length)
	if err != nil {
		return fmt.Errorf("failed to allocate device buffer: %w", err)
	}
	defer func() { err = multierr.Append(err, s.drv.MemFree(local)) }()

	done := false
	comp := transport.NewCompletion(1, func(*transport.Completion) { done = true })
	status, err := ep.GetZcopy(transport.SingleIOV(uint64(local), adv.Length, nil), adv.Address, key, comp)
	if err != nil {
		if transport.IsFatal(err) {
			log.Error().Err(err).Msg("Fatal transport error")
		}
		return fmt.Errorf("failed to post GET: %w", err)
	}

	if status == transport.StatusInProgress {
		if err := d.progressUntil(ctx, s.iface, &done); err != nil {
			return err
		}
		if comp.Status != transport.StatusOK {
			return fmt.Errorf("GET completed with error: %w", comp.Status)
		}
	}

	got := make([]byte, adv.Length)
	if err := s.drv.MemcpyDtoH(got, local); err != nil {
		return fmt.Errorf("failed to read device buffer: %w", err)
	}
	if !bytes.Equal(got, Pattern(adv.Length)) {
		return errors.New("copied buffer does not match the expected pattern")
	}
	return nil
}

// progressUntil drives progress at the configured rate until *done is set.
func (d *Demo) progressUntil(ctx context.Context, iface *cudaipc.Iface, done *bool) error {
	limiter := ratelimit.New(d.config.Demo.ProgressRate)
	polls := 0
	for !*done {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for completion after %d polls: %w", polls, ctx.Err())
		default:
			limiter.Take()
			iface.Progress()
			polls++
		}
	}
	log.Debug().Int("polls", polls).Msg("Transfer completed")
	return nil
}

// Close releases the simulated host and flushes metrics.
func (d *Demo) Close() error {
	var errs error
	if d.metrics != nil {
		errs = multierr.Append(errs, d.metrics.Shutdown(context.Background()))
	}
	if d.host != nil {
		errs = multierr.Append(errs, d.host.Close())
	}
	return errs
}

// Pattern returns the deterministic test pattern of the given length.
func Pattern(length uint64) []byte {
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

// initLogging initializes the logging configuration
func initLogging(level string) {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// Set log level based on config
	switch strings.ToLower(level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Configure pretty logging for development
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
