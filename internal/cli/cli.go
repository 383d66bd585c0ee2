// ============================================================================
// gnb-sched CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based command line interface for the gNB scheduling substrate
//
// Command Structure:
//   gnb-sched                      # Root command
//   ├── run                        # Start the controller
//   ├── submit                     # Submit procedures to a running controller
//   │   ├── --file, -f            # Procedure JSON file
//   │   └── --addr                # Admin service address
//   ├── status                     # View configuration and live status
//   │   └── --addr                # Admin service address
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --verbose, -v              # Debug logging
//
// Configuration Management:
//   YAML config file with sections:
//   - scheduler: per-entity queue sizes
//   - registry: UE / DU / CU-UP capacities
//   - cells: cell count and slot period
//   - procedures: timeout, processing delay, record retention
//   - timers: timer tick resolution
//   - cuup: keep-alive period
//   - metrics: Prometheus endpoint
//   - admin: gRPC admin endpoint
//
// run Command:
//   1. Load config file
//   2. Create and start Controller
//   3. Start Metrics HTTP server (if enabled)
//   4. Start gRPC admin server (if enabled)
//   5. Wait for SIGINT / SIGTERM, then shut down in reverse order
//
// submit Command:
//   JSON format:
//   [
//     {"id": "du-0", "entity": "du", "index": 0, "kind": "setup"},
//     {"id": "ue-7", "entity": "ue", "index": 7, "du": 0, "kind": "setup"}
//   ]
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/ChuLiYu/gnb-sched/internal/controller"
	"github.com/ChuLiYu/gnb-sched/internal/metrics"
	"github.com/ChuLiYu/gnb-sched/internal/server"
	"github.com/ChuLiYu/gnb-sched/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config represents the complete system configuration structure
type Config struct {
	Scheduler struct {
		QueueSize        int `yaml:"queue_size"`
		ControlQueueSize int `yaml:"control_queue_size"`
	} `yaml:"scheduler"`

	Registry struct {
		MaxUEs   int `yaml:"max_ues"`
		MaxDUs   int `yaml:"max_dus"`
		MaxCUUPs int `yaml:"max_cuups"`
	} `yaml:"registry"`

	Cells struct {
		Count      int           `yaml:"count"`
		SlotPeriod time.Duration `yaml:"slot_period"`
	} `yaml:"cells"`

	Procedures struct {
		Timeout         time.Duration `yaml:"timeout"`
		ProcessingDelay time.Duration `yaml:"processing_delay"`
		Retention       int           `yaml:"retention"`
	} `yaml:"procedures"`

	Timers struct {
		Tick time.Duration `yaml:"tick"`
	} `yaml:"timers"`

	CUUP struct {
		KeepAlive time.Duration `yaml:"keep_alive"`
	} `yaml:"cuup"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Admin struct {
		Enabled     bool `yaml:"enabled"`
		Port        int  `yaml:"port"`
		SubmitLimit struct {
			PerSecond int `yaml:"per_second"`
			PerMinute int `yaml:"per_minute"`
		} `yaml:"submit_limit"`
	} `yaml:"admin"`
}

const defaultAdminAddr = "localhost:50051"

var (
	configFile string
	verbose    bool
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gnb-sched",
		Short: "gnb-sched: per-entity task scheduling for a gNB control plane",
		Long: `gnb-sched runs the concurrency substrate of a gNB:
- one FIFO task scheduler per UE, DU and CU-UP
- shared timers with a common control executor
- slot-synchronized cell workers
- Prometheus metrics and a gRPC admin service`,
		Version: "1.0.0",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the gnb-sched controller",
		Long:  "Start the controller with its metrics endpoint and admin service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg)
		},
	}
	return cmd
}

// controllerConfig maps the file configuration onto the controller
func controllerConfig(cfg *Config) controller.Config {
	return controller.Config{
		QueueSize:        cfg.Scheduler.QueueSize,
		ControlQueueSize: cfg.Scheduler.ControlQueueSize,
		MaxUEs:           cfg.Registry.MaxUEs,
		MaxDUs:           cfg.Registry.MaxDUs,
		MaxCUUPs:         cfg.Registry.MaxCUUPs,
		NofCells:         cfg.Cells.Count,
		SlotPeriod:       cfg.Cells.SlotPeriod,
		TimerResolution:  cfg.Timers.Tick,
		ProcedureTimeout: cfg.Procedures.Timeout,
		ProcessingDelay:  cfg.Procedures.ProcessingDelay,
		KeepAlive:        cfg.CUUP.KeepAlive,
		Retention:        cfg.Procedures.Retention,
	}
}

// submitRates builds the per-entity admin submission limits; zero disables a window
func submitRates(cfg *Config) (map[time.Duration]int, error) {
	lim := cfg.Admin.SubmitLimit
	if lim.PerSecond < 0 || lim.PerMinute < 0 {
		return nil, fmt.Errorf("submit_limit: negative rate")
	}
	if lim.PerSecond > 0 && lim.PerMinute > 0 && lim.PerMinute < lim.PerSecond {
		return nil, fmt.Errorf("submit_limit: per_minute %d below per_second %d", lim.PerMinute, lim.PerSecond)
	}

	rates := make(map[time.Duration]int)
	if lim.PerSecond > 0 {
		rates[time.Second] = lim.PerSecond
	}
	if lim.PerMinute > 0 {
		rates[time.Minute] = lim.PerMinute
	}
	return rates, nil
}

func runSystem(ctx context.Context, cfg *Config) error {
	log.Printf("Starting gnb-sched with config: %s\n", configFile)
	log.Printf("Cells: %d, Slot period: %s, UEs: %d, DUs: %d, CU-UPs: %d\n",
		cfg.Cells.Count, cfg.Cells.SlotPeriod, cfg.Registry.MaxUEs, cfg.Registry.MaxDUs, cfg.Registry.MaxCUUPs)

	rates, err := submitRates(cfg)
	if err != nil {
		return err
	}

	ctrlConfig := controllerConfig(cfg)
	if cfg.Metrics.Enabled {
		ctrlConfig.Metrics = metrics.NewCollector()
	}
	ctrl := controller.NewController(ctrlConfig)

	if cfg.Metrics.Enabled {
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	if cfg.Admin.Enabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Admin.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", cfg.Admin.Port, err)
		}
		srv := server.NewServer(ctrl)
		srv.LimitSubmissions(rates)
		go func() {
			if err := srv.Serve(lis); err != nil {
				log.Printf("Admin server error: %v\n", err)
			}
		}()
		defer srv.Stop()
	}

	log.Println("System started successfully")

	<-ctx.Done()
	log.Println("Received shutdown signal, stopping gracefully...")
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var procFile string
	var addr string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit procedures from a JSON file",
		Long:  "Read procedure requests from a JSON file and submit them to a running controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			if procFile == "" {
				return fmt.Errorf("procedure file is required (use --file or -f)")
			}
			return submitProcedures(cmd.Context(), procFile, addr)
		},
	}

	cmd.Flags().StringVarP(&procFile, "file", "f", "", "JSON file containing procedure requests")
	cmd.Flags().StringVar(&addr, "addr", defaultAdminAddr, "admin service address")
	cmd.MarkFlagRequired("file")

	return cmd
}

func readProcedures(filePath string) ([]types.ProcedureRequest, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read procedure file: %w", err)
	}

	var reqs []types.ProcedureRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("failed to parse procedure file: %w", err)
	}
	return reqs, nil
}

func submitProcedures(ctx context.Context, filePath string, addr string) error {
	reqs, err := readProcedures(filePath)
	if err != nil {
		return err
	}

	conn, err := server.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client := server.NewAdminClient(conn)
	successCount := 0
	for _, req := range reqs {
		st, err := client.SubmitProcedure(ctx, req)
		if err != nil {
			log.Printf("Failed to submit procedure %s: %v\n", req.ID, err)
			continue
		}
		log.Printf("Submitted %s (%s)\n", req.String(), st)
		successCount++
	}
	log.Printf("Successfully submitted %d/%d procedures to %s\n", successCount, len(reqs), addr)

	if successCount < len(reqs) {
		return fmt.Errorf("%d procedures rejected", len(reqs)-successCount)
	}
	return nil
}

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display configuration and, when reachable, the live controller status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout(), configFile, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultAdminAddr, "admin service address")
	return cmd
}

func fetchStatus(addr string) (map[string]interface{}, error) {
	conn, err := server.Dial(addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return server.NewAdminClient(conn).GetStatus(ctx)
}

func showStatus(out io.Writer, cfgPath string, addr string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║              gnb-sched System Status                      ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  └─ Config File:     %s\n", cfgPath)
	fmt.Fprintf(out, "  └─ Queue Size:      %d\n", cfg.Scheduler.QueueSize)
	fmt.Fprintf(out, "  └─ Cells:           %d (slot %s)\n", cfg.Cells.Count, cfg.Cells.SlotPeriod)
	fmt.Fprintf(out, "  └─ Proc Timeout:    %s\n", cfg.Procedures.Timeout)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "🗂  Registries:")
	fmt.Fprintf(out, "  ├─ UEs:     %d\n", cfg.Registry.MaxUEs)
	fmt.Fprintf(out, "  ├─ DUs:     %d\n", cfg.Registry.MaxDUs)
	fmt.Fprintf(out, "  └─ CU-UPs:  %d\n", cfg.Registry.MaxCUUPs)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📊 Live Status:")
	status, err := fetchStatus(addr)
	if err != nil {
		fmt.Fprintf(out, "  └─ Controller not reachable at %s (run 'gnb-sched run' to start)\n", addr)
	} else {
		keys := make([]string, 0, len(status))
		for k := range status {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			branch := "├─"
			if i == len(keys)-1 {
				branch = "└─"
			}
			fmt.Fprintf(out, "  %s %-14s %v\n", branch, k+":", status[k])
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}
