// Command gpfifo-sim drives a channel manager over a simulated device, with
// concurrent producers, optionally injecting a fault, then writes a JSON
// report of the final state to stdout. Logs are written to stderr.
//
// The simulated device is described by a TOML profile, see default.toml.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-gpfifo/channel"
	"github.com/joeycumines/go-gpfifo/simdevice"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
)

const (
	injectNone    = `none`
	injectChannel = `channel`
	injectECC     = `ecc`

	// the notifier set by -inject=channel
	injectedNotifier = 0xbad
)

type options struct {
	profile     string
	logLevel    string
	inject      string
	httpAddr    string
	producers   int
	pushes      int
	payload     int
	injectAfter int64
	finished    int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func parseOptions(args []string, stderr io.Writer) (*options, error) {
	var o options
	fs := flag.NewFlagSet(`gpfifo-sim`, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.profile, `profile`, ``, `path to a TOML device profile (default: embedded profile)`)
	fs.StringVar(&o.logLevel, `log-level`, logiface.LevelInformational.String(), `minimum log level`)
	fs.StringVar(&o.inject, `inject`, injectNone, `fault to inject: none, channel, or ecc`)
	fs.StringVar(&o.httpAddr, `http`, ``, `if set, serve expvar introspection on this address`)
	fs.IntVar(&o.producers, `producers`, 4, `number of concurrent producers`)
	fs.IntVar(&o.pushes, `pushes`, 1000, `number of pushes per producer`)
	fs.IntVar(&o.payload, `payload`, 16, `number of payload words per push`)
	fs.Int64Var(&o.injectAfter, `inject-after`, 100, `number of pushes submitted before the fault is injected`)
	fs.IntVar(&o.finished, `finished`, 4, `number of finished pushes per channel, in the report`)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 0 {
		return nil, fmt.Errorf(`unexpected arguments: %q`, fs.Args())
	}
	switch o.inject {
	case injectNone, injectChannel, injectECC:
	default:
		return nil, fmt.Errorf(`invalid -inject: %q`, o.inject)
	}
	if o.producers <= 0 || o.pushes < 0 || o.payload < 0 || o.injectAfter <= 0 {
		return nil, errors.New(`-producers and -inject-after must be positive, -pushes and -payload must not be negative`)
	}
	return &o, nil
}

func parseLevel(s string) (logiface.Level, error) {
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, nil
		}
	}
	return logiface.LevelDisabled, fmt.Errorf(`invalid log level: %q`, s)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		return err
	}

	level, err := parseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(stderr)),
		stumpy.L.WithLevel(level),
	).Logger()

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug().Logf(format, args...)
	}))
	defer undo()
	if err != nil {
		logger.Warning().Err(err).Log(`failed to set GOMAXPROCS`)
	}

	prof, err := loadProfile(opts.profile)
	if err != nil {
		return err
	}
	// opcode and count, the tracking release is kept out of the capacity
	if need, capacity := uint64(opts.payload+2)*4, prof.pushCapacity(); need > capacity {
		return fmt.Errorf(`-payload too large: push needs %d bytes, push capacity is %d`, need, capacity)
	}

	dev := simdevice.New(prof.deviceConfig(logger))
	defer dev.Close()

	m, err := channel.NewManager(ctx, dev, &channel.ManagerConfig{
		Logger:           logger,
		PushbufferConfig: prof.pushbufferConfig(),
		Introspector:     &vars,
		ChannelsPerPool:  prof.ChannelsPerPool,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	if opts.httpAddr != `` {
		stopServer, err := serveIntrospection(opts.httpAddr, logger)
		if err != nil {
			return err
		}
		defer stopServer()
	}

	start := time.Now()
	err = produce(ctx, m, dev, opts, logger)
	elapsed := time.Since(start)
	if err == nil {
		err = m.Wait(ctx)
	}

	stats := dev.Stats()
	logger.Info().
		Dur(`elapsed`, elapsed).
		Uint64(`executed`, stats.Executed).
		Uint64(`barriers`, stats.Barriers).
		Log(`finished`)

	if err != nil {
		logger.Err().Err(err).Log(`simulation failed`)
		for name, pushes := range m.PendingPushes() {
			logger.Err().
				Str(`channel`, name).
				Int(`pending`, len(pushes)).
				Log(`pending pushes`)
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent(``, `  `)
	if e := enc.Encode(newReport(m.Snapshot(opts.finished))); e != nil && err == nil {
		err = e
	}

	return err
}

// produce runs the producers, each on one channel type, until every push has
// been submitted, or one fails
func produce(ctx context.Context, m *channel.Manager, dev *simdevice.Device, opts *options, logger *logiface.Logger[logiface.Event]) error {
	var submitted atomic.Int64
	eg, ctx := errgroup.WithContext(ctx)
	types := channel.Types()
	for i := 0; i < opts.producers; i++ {
		typ := types[i%len(types)]
		eg.Go(func() error {
			words := make([]uint32, opts.payload)
			for j := 0; j < opts.pushes; j++ {
				p, err := m.Begin(ctx, typ, `producer push`)
				if err != nil {
					return fmt.Errorf(`producer %d: %w`, i, err)
				}
				for k := range words {
					words[k] = uint32(i)<<24 | uint32(j)
				}
				simdevice.Payload(p, words...)
				p.End()

				if submitted.Add(1) == opts.injectAfter {
					inject(dev, p, opts.inject, logger)
				}
			}
			return nil
		})
	}
	return eg.Wait()
}

func inject(dev *simdevice.Device, p *channel.Push, kind string, logger *logiface.Logger[logiface.Event]) {
	switch kind {
	case injectChannel:
		logger.Notice().
			Str(`channel`, p.Channel().Name()).
			Log(`injecting channel error`)
		if err := dev.InjectChannelError(p.Channel().HWID(), injectedNotifier); err != nil {
			logger.Err().Err(err).Log(`failed to inject channel error`)
		}
	case injectECC:
		logger.Notice().Log(`injecting ECC error`)
		dev.InjectECCError()
	}
}

func serveIntrospection(addr string, logger *logiface.Logger[logiface.Event]) (func(), error) {
	l, err := net.Listen(`tcp`, addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: expvar.Handler()}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Err().Err(err).Log(`introspection server failed`)
		}
	}()
	logger.Info().Str(`addr`, l.Addr().String()).Log(`serving introspection`)
	return func() { _ = srv.Close() }, nil
}
