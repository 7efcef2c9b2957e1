// cabinetcore — edge control process for a CAN relay cabinet.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/freitascorp/cabinetcore/pkg/audit"
	"github.com/freitascorp/cabinetcore/pkg/canbus"
	"github.com/freitascorp/cabinetcore/pkg/config"
	"github.com/freitascorp/cabinetcore/pkg/core"
	"github.com/freitascorp/cabinetcore/pkg/health"
	"github.com/freitascorp/cabinetcore/pkg/observability"
	"github.com/freitascorp/cabinetcore/pkg/sensors"
)

var flagConfigPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cabinetcore",
		Short: "cabinetcore — edge control service for a CAN relay cabinet",
		Long: `cabinetcore drives a fleet of 4-channel CAN relay modules, ingests
local and MQTT sensor telemetry, evaluates automation strategies, and
exposes readiness/liveness probes while the JSON-RPC and cloud-bridge
layers (external to this binary) talk to it over their own transports.`,
	}

	root.PersistentFlags().StringVar(&flagConfigPath, "config", "/var/lib/cabinetcore/core.yaml", "path to core.yaml")

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newDeviceCmd())
	root.AddCommand(newStrategyCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cabinetcore %s\n", formatVersion())
			if buildTime != "" {
				fmt.Printf("  Build: %s\n", buildTime)
			}
			fmt.Printf("  Go: %s\n", runtime.Version())
		},
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// buildContext constructs a pkg/core.Context without provisioning it. Every
// exported Context operation marshals its closure onto the reactor goroutine
// Run starts, so provisioning must happen only after a Run goroutine is
// already draining the command channel — see provisionFromConfig.
func buildContext(cfg config.Config, logger *slog.Logger) (*core.Context, error) {
	metrics := observability.NewCabinetMetrics()

	var auditLogger *audit.Logger
	if cfg.Audit.Backend != "" {
		store, err := audit.NewStore(audit.StoreConfig{
			Backend:    cfg.Audit.Backend,
			DataDir:    cfg.Audit.DataDir,
			SQLitePath: cfg.Audit.SQLitePath,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("audit store: %w", err)
		}
		auditLogger = audit.NewLogger(store, cfg.Audit.User)
	}

	return core.NewContext(core.Config{
		CAN:     canbus.Config{Interface: cfg.Interface, CANFD: cfg.CANFD},
		Logger:  logger,
		Metrics: metrics,
		Audit:   auditLogger,
	}), nil
}

// provisionFromConfig registers cfg's static devices and groups against a
// Context whose reactor is already running (ctx.Run must have been started
// in its own goroutine beforehand, or every call here blocks forever).
func provisionFromConfig(ctx *core.Context, cfg config.Config) error {
	bg := context.Background()
	for _, d := range cfg.Devices {
		if err := ctx.AddDevice(bg, core.DeviceConfig{Node: d.Node, Name: d.Name}); err != nil {
			return fmt.Errorf("add device %d: %w", d.Node, err)
		}
	}
	for _, g := range cfg.Groups {
		if err := ctx.CreateGroup(bg, g.ID, g.Name); err != nil {
			return fmt.Errorf("create group %d: %w", g.ID, err)
		}
		for _, n := range g.Nodes {
			if err := ctx.AddDeviceToGroup(bg, g.ID, n); err != nil {
				return fmt.Errorf("group %d add device %d: %w", g.ID, n, err)
			}
		}
		for _, ch := range g.Channels {
			if err := ctx.AddChannelToGroup(bg, g.ID, ch.Node, ch.Channel); err != nil {
				return fmt.Errorf("group %d add channel node=%d ch=%d: %w", g.ID, ch.Node, ch.Channel, err)
			}
		}
	}
	return nil
}

// validateConfigDevices checks node/group references statically (node id
// range, duplicates, dangling group membership) without touching a Context,
// for one-shot CLI validation that has no running reactor to marshal onto.
func validateConfigDevices(cfg config.Config) error {
	nodes := make(map[int]bool, len(cfg.Devices))
	for _, d := range cfg.Devices {
		if d.Node < 1 || d.Node > 255 {
			return fmt.Errorf("device node %d out of range 1..255", d.Node)
		}
		if nodes[d.Node] {
			return fmt.Errorf("duplicate device node %d", d.Node)
		}
		nodes[d.Node] = true
	}
	groupIDs := make(map[int]bool, len(cfg.Groups))
	for _, g := range cfg.Groups {
		if groupIDs[g.ID] {
			return fmt.Errorf("duplicate group id %d", g.ID)
		}
		groupIDs[g.ID] = true
		for _, n := range g.Nodes {
			if !nodes[n] {
				return fmt.Errorf("group %d references unknown node %d", g.ID, n)
			}
		}
		for _, ch := range g.Channels {
			if !nodes[ch.Node] {
				return fmt.Errorf("group %d references unknown node %d", g.ID, ch.Node)
			}
			if ch.Channel > 3 {
				return fmt.Errorf("group %d channel %d out of range 0..3", g.ID, ch.Channel)
			}
		}
	}
	return nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the cabinet core: CAN adapter, strategy engine, health server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(flagConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := validateConfigDevices(cfg); err != nil {
				return fmt.Errorf("config: %w", err)
			}
			logger := newLogger(cfg)

			ctx, err := buildContext(cfg, logger)
			if err != nil {
				return err
			}

			sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runErrCh := make(chan error, 1)
			go func() { runErrCh <- ctx.Run(sigCtx) }()

			if err := provisionFromConfig(ctx, cfg); err != nil {
				stop()
				<-runErrCh
				return fmt.Errorf("provision: %w", err)
			}

			var mqttSource *sensors.MQTTSource
			if cfg.MQTT.Enabled {
				topics := make([]sensors.TopicBinding, 0, len(cfg.MQTT.Topics))
				for _, t := range cfg.MQTT.Topics {
					topics = append(topics, sensors.TopicBinding{Topic: t.Topic, ChannelID: t.ChannelID})
				}
				mqttSource = sensors.NewMQTTSource(sensors.MQTTConfig{
					Broker:   cfg.MQTT.Broker,
					ClientID: cfg.MQTT.ClientID,
					Username: cfg.MQTT.Username,
					Password: cfg.MQTT.Password,
					Topics:   topics,
				}, ctx.Sensors(), logger)
				if connErr := mqttSource.Connect(); connErr != nil {
					logger.Warn("mqtt connect failed, continuing without live MQTT sensors", "error", connErr)
				} else {
					defer mqttSource.Close()
				}
			}

			var healthSrv *health.Server
			if cfg.Health.Enabled {
				healthSrv = health.NewServer(cfg.Health.Host, cfg.Health.Port)
				healthSrv.RegisterCheck("can_adapter", func() (bool, string) {
					if ctx.Ready() {
						return true, "reactor running"
					}
					return false, "reactor not yet scheduling"
				})
				if startErr := healthSrv.Start(); startErr != nil {
					return fmt.Errorf("health server: %w", startErr)
				}
				logger.Info("health server listening", "host", cfg.Health.Host, "port", cfg.Health.Port)
			}

			go func() {
				// Readiness flips once the reactor has opened the CAN adapter
				// and started scheduling ticks (pkg/core.Context.Ready).
				ticker := time.NewTicker(50 * time.Millisecond)
				defer ticker.Stop()
				for {
					if ctx.Ready() {
						if healthSrv != nil {
							healthSrv.SetReady(true)
						}
						return
					}
					select {
					case <-sigCtx.Done():
						return
					case <-ticker.C:
					}
				}
			}()

			logger.Info("cabinetcore starting", "interface", cfg.Interface, "devices", len(cfg.Devices))
			runErr := <-runErrCh

			if healthSrv != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				healthSrv.Stop(stopCtx)
			}

			if runErr != nil && runErr != context.Canceled {
				return runErr
			}
			return nil
		},
	}
}

func newDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Inspect the relay devices configured in core.yaml",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured devices and validate node/group references",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(flagConfigPath)
			if err != nil {
				return err
			}
			// Validation only: core.Context's exported operations marshal
			// onto the reactor goroutine started by Run, which a one-shot
			// CLI invocation never starts, so device state is validated
			// directly against the static config instead of a live Context.
			if err := validateConfigDevices(cfg); err != nil {
				return err
			}
			for _, d := range cfg.Devices {
				fmt.Printf("node=%d name=%q\n", d.Node, d.Name)
			}
			return nil
		},
	})
	return cmd
}

func newStrategyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategy",
		Short: "Inspect automation strategies (strategies are provisioned at runtime by RPC/cloud, not core.yaml)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "trigger <id>",
		Short: "Not available offline: returns an error directing callers to the RPC/cloud bridge of a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("strategy trigger requires a running instance; connect via the RPC/cloud bridge instead")
		},
	})
	return cmd
}
