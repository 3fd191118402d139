// Command gattctl is a reference client driver: it stands up its own
// servers the way gattd does, then plays the role the teacher's
// cmd/samoyed-appserver/agwlib.go client API plays against a TNC — a
// small program that dials a connection, discovers it, subscribes to
// notifications, and drives a few operations while logging every
// callback. Here "dialling" means attaching to the same in-memory
// gatt.Surface rather than opening a TCP socket, since this engine has
// no real radio or server process for gattctl to reach across a wire.
package main

import (
	"context"
	"crypto/rand"
	"os"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/doismellburning/ble-audio-gatt/internal/bonds"
	"github.com/doismellburning/ble-audio-gatt/internal/config"
	"github.com/doismellburning/ble-audio-gatt/internal/crypto"
	"github.com/doismellburning/ble-audio-gatt/internal/fakesurface"
	"github.com/doismellburning/ble-audio-gatt/internal/gatt"
	"github.com/doismellburning/ble-audio-gatt/internal/metrics"
	"github.com/doismellburning/ble-audio-gatt/pkg/aics"
	"github.com/doismellburning/ble-audio-gatt/pkg/csis"
	"github.com/doismellburning/ble-audio-gatt/pkg/vcs"
	"github.com/doismellburning/ble-audio-gatt/pkg/vocs"
)

func main() {
	configFile := pflag.StringP("config-file", "c", "", "Optional YAML pool/profile configuration file, shared with gattd.")
	verbose := pflag.BoolP("verbose", "v", false, "Enable debug logging.")
	pflag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("loading config", "err", err)
	}

	reg := metrics.New(prometheus.NewRegistry())
	surface := fakesurface.New(logger)
	ctx := context.Background()

	vcsConn := gatt.Handle(1)
	vcsAddr := gatt.Addr("11:22:33:44:55:66/random")
	surface.Connect(vcsConn, vcsAddr)
	buildVCSServer(ctx, surface, logger, reg, cfg)

	csisConn := gatt.Handle(2)
	csisAddr := gatt.Addr("66:55:44:33:22:11/random")
	surface.Connect(csisConn, csisAddr)
	csisEngine := buildCSISServer(surface, logger, reg, cfg)
	csisEngine.OnBondComplete(csisAddr)

	vcsClient := vcs.NewClient(surface, vcsConn, logger)
	vcsClient.OnStateChange = func(err error, state vcs.State) {
		if err != nil {
			logger.Warn("volume op rejected", "err", err)
			return
		}
		logger.Info("volume state", "volume", state.Volume, "mute", state.Mute, "counter", state.ChangeCounter)
	}
	vcsClient.OnFlagsChange = func(flags byte) {
		logger.Info("volume flags changed", "flags", flags)
	}

	vcsClient.Discover(ctx, func(err error, aicsCount, vocsCount int) {
		if err != nil {
			logger.Fatal("discovering vcs", "err", err)
		}
		logger.Info("discovered vcs", "vocs_includes", vocsCount, "aics_includes", aicsCount)

		if err := vcsClient.SubscribeAll(ctx); err != nil {
			logger.Fatal("subscribing vcs", "err", err)
		}

		runVolumeDemo(ctx, logger, vcsClient)
	})

	csisClient := csis.NewClient(surface, csisConn, logger)
	csisClient.OnLockChange = func(lock csis.Lock) {
		logger.Info("set lock changed", "lock", lock)
	}
	csisClient.Discover(ctx, func(err error) {
		if err != nil {
			logger.Fatal("discovering csis", "err", err)
		}
		csisClient.SubscribeCCC(ctx, func(err error) {
			if err != nil {
				logger.Fatal("subscribing csis lock", "err", err)
			}
		})
		csisClient.ReadAll(ctx, func(err error) {
			if err != nil {
				logger.Fatal("reading csis", "err", err)
			}
			logger.Info("discovered csis", "size", csisClient.SetSize(), "rank", csisClient.Rank())
			runLockDemo(ctx, logger, csisClient)
		})
	})
}

func runVolumeDemo(ctx context.Context, logger *log.Logger, c *vcs.Client) {
	if err := c.SetAbsoluteVolume(ctx, 40, func(err error) {
		if err != nil {
			logger.Warn("set absolute volume failed", "err", err)
		}
	}); err != nil {
		logger.Warn("set absolute volume refused", "err", err)
		return
	}
	if err := c.RelVolUp(ctx, func(err error) {
		if err != nil {
			logger.Warn("relative volume up failed", "err", err)
		}
	}); err != nil {
		logger.Warn("relative volume up refused (busy)", "err", err)
	}
}

func runLockDemo(ctx context.Context, logger *log.Logger, c *csis.Client) {
	c.RequestLock(ctx, func(err error) {
		if err != nil {
			logger.Warn("lock request failed", "err", err)
			return
		}
		logger.Info("lock acquired")
		c.RequestRelease(ctx, func(err error) {
			if err != nil {
				logger.Warn("lock release failed", "err", err)
				return
			}
			logger.Info("lock released")
		})
	})
}

func buildVCSServer(ctx context.Context, surface gatt.Surface, logger *log.Logger, reg *metrics.Registry, cfg config.Config) *vcs.Server {
	vocsPool := vocs.NewPool(len(cfg.Vocs), surface, logger, reg)
	aicsPool := aics.NewPool(len(cfg.Aics), surface, logger, reg)

	vocsConfigs := make([]vocs.Config, len(cfg.Vocs))
	for i, v := range cfg.Vocs {
		vocsConfigs[i] = vocs.Config{
			InitialLocation:  v.InitialLocation,
			LocationWritable: v.LocationWritable,
			InitialDesc:      v.InitialDesc,
			DescWritable:     v.DescWritable,
		}
	}
	aicsConfigs := make([]aics.Config, len(cfg.Aics))
	for i, a := range cfg.Aics {
		aicsConfigs[i] = aics.Config{
			GainSettings: aics.GainSettings{Units: a.GainUnits, Min: a.GainMin, Max: a.GainMax},
			InitialGain:  a.InitialGain,
			InitialMute:  aics.Mute(a.InitialMute),
			InitialMode:  aics.Mode(a.InitialMode),
			InputType:    aics.InputType(a.InputType),
			InitialDesc:  a.InitialDesc,
			DescWritable: a.DescWritable,
		}
	}

	server := vcs.New(surface, logger, reg)
	serverCfg := vcs.Config{
		InitialVolume: cfg.Volume.Initial,
		VolumeStep:    cfg.Volume.Step,
		VocsConfigs:   vocsConfigs,
		AicsConfigs:   aicsConfigs,
	}
	if err := server.Init(serverCfg, vocsPool, aicsPool); err != nil {
		logger.Fatal("initialising vcs", "err", err)
	}
	if err := server.RegisterAttrs(ctx); err != nil {
		logger.Fatal("registering vcs attrs", "err", err)
	}
	return server
}

func buildCSISServer(surface gatt.Surface, logger *log.Logger, reg *metrics.Registry, cfg config.Config) *csis.Engine {
	cryptoProvider := crypto.NewECBProvider(rand.Read)
	bondStore := bonds.NewStaticStore()
	engine := csis.New(surface, cryptoProvider, bondStore, logger, reg)

	engineCfg := csis.Config{
		SetSize:         cfg.Csis.SetSize,
		Rank:            cfg.Csis.Rank,
		Seed:            []byte(cfg.Csis.Seed),
		MaxPendingSlots: cfg.Csis.MaxPendingSlots,
		EvictOldest:     cfg.Csis.EvictOldest,
		RPATimeout:      cfg.Csis.RPATimeout,
	}
	if err := engine.Init(engineCfg); err != nil {
		logger.Fatal("initialising csis", "err", err)
	}
	if err := engine.RegisterAttrs(context.Background()); err != nil {
		logger.Fatal("registering csis attrs", "err", err)
	}
	return engine
}
