// Command gattd is the demonstration host process for the engine: it
// wires an in-memory gatt.Surface to one of each profile server (VCS with
// its included VOCS/AICS, CSIS, and an ASCS endpoint), loads its instance
// counts from an optional YAML file, and logs VCS control-point outcomes
// and the CSIS lock changes the engine reports through OnLockChange. It plays the role the teacher's
// cmd/samoyed-appserver wrapper plays for the Direwolf TNC core: a small
// standalone binary exercising the protocol engine end to end without a
// real radio (here, without a real BLE controller).
package main

import (
	"context"
	"crypto/rand"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
	"github.com/rs/xid"
	"github.com/spf13/pflag"

	"github.com/doismellburning/ble-audio-gatt/internal/bonds"
	"github.com/doismellburning/ble-audio-gatt/internal/config"
	"github.com/doismellburning/ble-audio-gatt/internal/crypto"
	"github.com/doismellburning/ble-audio-gatt/internal/fakesurface"
	"github.com/doismellburning/ble-audio-gatt/internal/gatt"
	"github.com/doismellburning/ble-audio-gatt/internal/metrics"
	"github.com/doismellburning/ble-audio-gatt/pkg/aics"
	"github.com/doismellburning/ble-audio-gatt/pkg/ascs"
	"github.com/doismellburning/ble-audio-gatt/pkg/csis"
	"github.com/doismellburning/ble-audio-gatt/pkg/vcs"
	"github.com/doismellburning/ble-audio-gatt/pkg/vocs"
)

// lockLogFormat mirrors the teacher's timestamp_format/strftime.Format use
// in tq.go/xmit.go: here it timestamps the human-readable line gattd logs
// when OnLockChange reports the CSIS set lock armed; release lines carry
// no timestamp.
const lockLogFormat = "armed at %H:%M:%S, expires 60s later"

func main() {
	configFile := pflag.StringP("config-file", "c", "", "Optional YAML pool/profile configuration file.")
	metricsAddr := pflag.StringP("metrics-addr", "m", "", "If set, serve Prometheus metrics on this address (e.g. :9100).")
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

	reg := metrics.New(prometheusRegistererFor(*metricsAddr, logger))

	surface := fakesurface.New(logger)
	ctx := context.Background()

	vcsServer := buildVCS(ctx, surface, logger, reg, cfg)
	csisEngine := buildCSIS(surface, logger, reg, cfg)
	ascsEndpoints := map[gatt.Handle]*ascs.Endpoint{}

	logger.Info("gattd ready",
		"run_id", xid.New().String(),
		"vocs_includes", vcsServer.NumVocsIncludes(),
		"aics_includes", vcsServer.NumAicsIncludes(),
	)

	conn := gatt.Handle(1)
	addr := gatt.Addr("AA:BB:CC:DD:EE:FF/random")
	surface.Connect(conn, addr)
	ep := ascs.NewEndpoint(surface, conn, ascs.Config{ASEIDs: cfg.Ascs.ASEIDs}, logger, reg)
	if err := ep.RegisterAttrs(ctx); err != nil {
		logger.Fatal("registering ascs endpoint", "err", err)
	}
	ascsEndpoints[conn] = ep

	csisEngine.OnBondComplete(addr)
	logger.Info("demo peer connected", "conn", conn, "addr", addr)

	select {}
}

func buildVCS(ctx context.Context, surface gatt.Surface, logger *log.Logger, reg *metrics.Registry, cfg config.Config) *vcs.Server {
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
		InitialVolume:  cfg.Volume.Initial,
		VolumeStep:     cfg.Volume.Step,
		VocsConfigs:    vocsConfigs,
		AicsConfigs:    aicsConfigs,
		OnVolumeChange: func(conn *gatt.Handle, err error, state vcs.State) {
			if err != nil {
				logger.Warn("vcs control-point write rejected", "err", err)
				return
			}
			logger.Debug("vcs state", "volume", state.Volume, "mute", state.Mute, "counter", state.ChangeCounter)
		},
	}
	if err := server.Init(serverCfg, vocsPool, aicsPool); err != nil {
		logger.Fatal("initialising vcs", "err", err)
	}
	if err := server.RegisterAttrs(ctx); err != nil {
		logger.Fatal("registering vcs attrs", "err", err)
	}
	return server
}

func buildCSIS(surface gatt.Surface, logger *log.Logger, reg *metrics.Registry, cfg config.Config) *csis.Engine {
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
		OnLockChange: func(lock csis.Lock, holder gatt.Addr) {
			if lock == csis.Locked {
				stamp, err := strftime.Format(lockLogFormat, time.Now())
				if err != nil {
					stamp = time.Now().Format(time.RFC3339)
				}
				logger.Info("set lock armed", "holder", holder, "timeline", stamp)
			} else {
				logger.Info("set lock released", "holder", holder)
			}
		},
	}
	if err := engine.Init(engineCfg); err != nil {
		logger.Fatal("initialising csis", "err", err)
	}
	ctx := context.Background()
	if err := engine.RegisterAttrs(ctx); err != nil {
		logger.Fatal("registering csis attrs", "err", err)
	}
	return engine
}
