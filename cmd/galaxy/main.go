package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/galaxy/device"
	"github.com/hrygo/galaxy/events"
	"github.com/hrygo/galaxy/internal/profile"
	"github.com/hrygo/galaxy/internal/version"
	"github.com/hrygo/galaxy/llm"
	"github.com/hrygo/galaxy/server"
	"github.com/hrygo/galaxy/session"
	"github.com/hrygo/galaxy/store"
	"github.com/hrygo/galaxy/transport"
)

var rootCmd = &cobra.Command{
	Use:   "galaxy",
	Short: `An LLM-planned task constellation coordinator. Devices connect over websocket; natural-language requests become DAGs of tasks dispatched across the fleet.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Systemd units carry their environment in the unit file; .env is
		// for direct binary execution only.
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		p := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Addr:    viper.GetString("addr"),
			Port:    viper.GetInt("port"),
			Data:    viper.GetString("data"),
			DSN:     viper.GetString("dsn"),
			Version: version.GetCurrentVersion(viper.GetString("mode")),
		}
		p.FromEnv()
		if f := viper.GetString("devices"); f != "" {
			p.DevicesFile = f
		}
		if err := p.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			os.Exit(1)
		}

		os.Exit(run(p, viper.GetString("request"), viper.GetBool("interactive")))
	},
}

// lostBinder fans device-loss callbacks from the hub and heartbeat monitor
// into whatever orchestrator the active round has bound.
type lostBinder struct {
	mu sync.Mutex
	cb func(deviceID, taskID string)
}

func (b *lostBinder) bind(cb func(deviceID, taskID string)) {
	b.mu.Lock()
	b.cb = cb
	b.mu.Unlock()
}

func (b *lostBinder) dispatch(deviceID, taskID string) {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	if cb != nil {
		cb(deviceID, taskID)
	}
}

func run(p *profile.Profile, request string, interactive bool) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	registry := device.NewRegistry(bus)

	promReg := prometheus.NewRegistry()
	metrics := events.NewMetricsObserver(bus, promReg)

	binder := &lostBinder{}
	hub := transport.NewHub(registry, bus, transport.Config{
		MaxFrameBytes:    p.MaxFrameBytes,
		WriteTimeout:     10 * time.Second,
		RegisterTimeout:  15 * time.Second,
		DeviceMaxRetries: p.DefaultMaxRetries,
	})
	hub.OnTaskLost(binder.dispatch)

	monitor := device.NewMonitor(registry,
		time.Duration(p.HeartbeatIntervalSeconds)*time.Second,
		time.Duration(p.HeartbeatGraceSeconds)*time.Second,
		binder.dispatch)
	monitor.Start(ctx)
	defer monitor.Stop()

	st, err := store.Open(p.DSN)
	if err != nil {
		slog.Error("failed to open trajectory store", "dsn", p.DSN, "error", err)
		return 1
	}
	defer st.Close()

	srv := server.NewServer(p, registry, hub, promReg, st)
	srv.Start()
	printGreetings(p)

	connector := transport.NewConnector(hub)
	connector.Start(ctx, endpointsFromProfile(p))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, terminationSignals...)
	defer signal.Stop(sigCh)

	code := 0
	switch {
	case request != "":
		code = runRequest(ctx, p, bus, registry, hub, metrics, st, binder, request)
	case interactive:
		code = runInteractive(ctx, p, bus, registry, hub, metrics, st, binder, sigCh)
	default:
		<-sigCh
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	cancel()
	connector.Wait()
	metrics.Close()
	bus.Close()
	return code
}

func runRequest(ctx context.Context, p *profile.Profile, bus *events.Bus, registry *device.Registry,
	hub *transport.Hub, metrics *events.MetricsObserver, st *store.Store, binder *lostBinder, request string) int {
	sess, err := newSession(p, bus, registry, hub, metrics, st, binder)
	if err != nil {
		slog.Error("failed to create session", "error", err)
		return 1
	}
	defer sess.Close()

	result, err := sess.Run(ctx, request)
	if err != nil {
		slog.Error("round failed", "error", err)
		return 1
	}
	printResult(result)
	return result.ExitCode()
}

func runInteractive(ctx context.Context, p *profile.Profile, bus *events.Bus, registry *device.Registry,
	hub *transport.Hub, metrics *events.MetricsObserver, st *store.Store, binder *lostBinder, sigCh chan os.Signal) int {
	sess, err := newSession(p, bus, registry, hub, metrics, st, binder)
	if err != nil {
		slog.Error("failed to create session", "error", err)
		return 1
	}
	defer sess.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Println("Interactive mode. Type a request, or \"exit\" to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	last := 0
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		result, err := sess.Run(ctx, line)
		if err != nil {
			slog.Error("round failed", "error", err)
			continue
		}
		printResult(result)
		last = result.ExitCode()
		if ctx.Err() != nil {
			break
		}
	}
	return last
}

func newSession(p *profile.Profile, bus *events.Bus, registry *device.Registry, hub *transport.Hub,
	metrics *events.MetricsObserver, st *store.Store, binder *lostBinder) (*session.Session, error) {
	service, err := llm.NewService(&llm.Config{
		Provider: p.LLMProvider,
		Model:    p.LLMModel,
		APIKey:   p.LLMAPIKey,
		BaseURL:  p.LLMBaseURL,
		Timeout:  p.LLMTimeout,
	})
	if err != nil {
		return nil, err
	}

	cfg := session.DefaultConfig()
	cfg.MaxPlannerTurns = p.MaxPlannerTurnsPerRound
	cfg.RoundWallClock = time.Duration(p.RoundWallClockSeconds) * time.Second
	cfg.TaskTimeout = time.Duration(p.TaskTimeoutSeconds) * time.Second
	cfg.QuiescenceWindow = time.Duration(p.QuiescenceWindowMs) * time.Millisecond
	cfg.DefaultMaxRetries = p.DefaultMaxRetries
	cfg.BackoffInitial = time.Duration(p.BackoffInitialMs) * time.Millisecond
	cfg.BackoffMax = time.Duration(p.BackoffMaxMs) * time.Millisecond
	cfg.MaxParallelTasks = p.MaxParallelTasks
	cfg.DataDir = p.Data

	return session.New("cli", registry, bus, hub, service, metrics, st, binder.bind, cfg), nil
}

func endpointsFromProfile(p *profile.Profile) []transport.DeviceEndpoint {
	endpoints := make([]transport.DeviceEndpoint, 0, len(p.Devices))
	for _, d := range p.Devices {
		endpoints = append(endpoints, transport.DeviceEndpoint{
			DeviceID:     d.DeviceID,
			ServerURL:    d.ServerURL,
			Capabilities: d.Capabilities,
			Metadata:     d.Metadata,
			AutoConnect:  d.AutoConnect,
			MaxRetries:   d.MaxRetries,
		})
	}
	return endpoints
}

func printResult(r *session.Result) {
	fmt.Printf("\nRound %d finished: %s\n", r.Round, r.State)
	if r.FailKind != "" {
		fmt.Printf("Failure kind: %s\n", r.FailKind)
	}
	if r.Summary != "" {
		fmt.Printf("%s\n", r.Summary)
	}
	if r.ArtifactDir != "" {
		fmt.Printf("Artifacts: %s\n", r.ArtifactDir)
	}
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("Galaxy %s started\n", p.Version)
	fmt.Printf("Mode: %s\n", p.Mode)
	fmt.Printf("Data directory: %s\n", p.Data)
	if p.IsDev() {
		fmt.Fprintf(os.Stderr, "Database: %s\n", p.DSN)
	}
	if p.Addr == "" {
		fmt.Printf("Listening on port %d (device endpoint ws://localhost:%d/ws)\n", p.Port, p.Port)
	} else {
		fmt.Printf("Listening on %s:%d\n", p.Addr, p.Port)
	}
}

// isRunningAsSystemdService detects invocation under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func init() {
	viper.SetDefault("mode", "demo")
	viper.SetDefault("port", 29091)

	rootCmd.PersistentFlags().String("mode", "demo", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 29091, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory for artifacts and the database")
	rootCmd.PersistentFlags().String("dsn", "", "sqlite database path")
	rootCmd.PersistentFlags().String("devices", "", "path to the preconfigured devices file")
	rootCmd.PersistentFlags().String("request", "", "run one request to completion and exit with its status code")
	rootCmd.PersistentFlags().Bool("interactive", false, "read requests from stdin, one round per line")

	for _, flag := range []string{"mode", "addr", "port", "data", "dsn", "devices", "request", "interactive"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("galaxy")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
