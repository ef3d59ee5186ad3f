package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"traffic-congestion-monitor/internal/api"
	"traffic-congestion-monitor/internal/broadcast"
	"traffic-congestion-monitor/internal/config"
	"traffic-congestion-monitor/internal/db"
	"traffic-congestion-monitor/internal/metrics"
	"traffic-congestion-monitor/internal/models"
	"traffic-congestion-monitor/internal/parser"
	"traffic-congestion-monitor/internal/pipeline"
	"traffic-congestion-monitor/internal/publish"
	"traffic-congestion-monitor/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const maintenanceInterval = time.Hour

var (
	cfgPath  string
	dbPath   string
	logLevel string

	cfg      *config.Config
	logger   *slog.Logger
	database *db.Database
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "traffic-monitor",
		Short: "Traffic Congestion Monitor - roadside sensor ingestion and congestion prediction",
		Long: `A CLI tool for ingesting roadside sensor frames, estimating congestion over a
sliding window and fanning the results out to WebSocket clients, MQTT and Kafka,
with SQLite storage and REST API access.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "traffic_data.db", "Path to SQLite database")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Add commands
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(readingsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(portsCmd())
	rootCmd.AddCommand(pruneCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves config file, environment and flags, in that order
func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		c.Database.Path = dbPath
	}
	if flags.Changed("log-level") {
		c.Log.Level = logLevel
	}

	l, err := config.NewLogger(os.Stderr, c.Log)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	cfg, logger = c, l
	return nil
}

// initDB initializes database connection
func initDB() error {
	var err error
	database, err = db.New(cfg.Database.Path)
	return err
}

func pipelineConfig(c *config.Config) pipeline.Config {
	return pipeline.Config{
		WindowSize: c.Pipeline.WindowSize,
		Reader: parser.ReaderConfig{
			PollInterval:  c.Pipeline.PollInterval,
			ErrorBackoff:  c.Pipeline.ErrorBackoff,
			MaxFrameBytes: c.Pipeline.MaxFrameBytes,
		},
		HistorySize:   c.Pipeline.HistorySize,
		SinkQueueSize: c.Pipeline.SinkQueueSize,
		SinkTimeout:   c.Pipeline.SinkTimeout,
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// registerPublishers attaches the configured broker publishers to hub
func registerPublishers(hub *broadcast.Hub) error {
	if cfg.MQTT.Enabled {
		p, err := publish.NewMQTTPublisher(publish.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
		}, logger)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		if err := hub.Register(p); err != nil {
			p.Close()
			return fmt.Errorf("mqtt: %w", err)
		}
		fmt.Printf("   MQTT:     %s -> %s\n", cfg.MQTT.Broker, cfg.MQTT.Topic)
	}

	if cfg.Kafka.Enabled {
		p, err := publish.NewKafkaPublisher(publish.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}, logger)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		if err := hub.Register(p); err != nil {
			p.Close()
			return fmt.Errorf("kafka: %w", err)
		}
		fmt.Printf("   Kafka:    %s -> %s\n", strings.Join(cfg.Kafka.Brokers, ","), cfg.Kafka.Topic)
	}
	return nil
}

// maintain refreshes today's statistics row and prunes expired data until
// ctx is cancelled
func maintain(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	log := logger.With("component", "maintenance")

	run := func() {
		if _, err := database.UpdateStatistics(time.Now()); err != nil && !errors.Is(err, db.ErrNotFound) {
			log.Warn("update statistics", "err", err)
		}
		if cfg.Database.RetentionDays > 0 {
			n, err := database.ClearOldData(cfg.Database.RetentionDays)
			if err != nil {
				log.Warn("prune old data", "err", err)
			} else if n > 0 {
				log.Info("pruned old readings", "deleted", n, "retention_days", cfg.Database.RetentionDays)
			}
		}
	}

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		run()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// serverCmd starts the REST API and WebSocket server
func serverCmd() *cobra.Command {
	var port int
	var simulate string
	var serialPort string
	var baud int
	var webDir string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the REST API and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("port") {
				cfg.Server.Port = port
			}
			if flags.Changed("simulate") {
				cfg.Serial.Simulate = simulate
			}
			if flags.Changed("serial-port") {
				cfg.Serial.Port = serialPort
			}
			if flags.Changed("baud") {
				cfg.Serial.BaudRate = baud
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			m := metrics.New(reg)

			hub := broadcast.NewHub(
				broadcast.WithQueueSize(cfg.Broadcast.QueueSize),
				broadcast.WithDeliverTimeout(cfg.Broadcast.DeliverTimeout),
				broadcast.WithLogger(logger),
				broadcast.WithMetrics(m),
			)
			defer hub.Close()

			pipe := pipeline.New(pipelineConfig(cfg), hub,
				pipeline.WithSink(database),
				pipeline.WithLogger(logger),
				pipeline.WithMetrics(m),
			)
			defer pipe.Close()

			server := api.NewServer(database, pipe, hub,
				api.WithLogger(logger),
				api.WithMetrics(m),
				api.WithBaseContext(ctx),
				api.WithAccessLog(os.Stdout),
				api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
				api.WithReplayOnConnect(cfg.Pipeline.ReplayOnConnect),
				api.WithBaudRate(cfg.Serial.BaudRate),
			)
			// Serve web dashboard at root
			if webDir != "" {
				server.Router().PathPrefix("/").Handler(http.FileServer(http.Dir(webDir)))
			}

			fmt.Printf("🚦 Traffic Congestion Monitor API Server\n")
			fmt.Printf("   Listening on http://%s\n", cfg.Server.Addr())
			fmt.Printf("   Database: %s\n", cfg.Database.Path)

			if err := registerPublishers(hub); err != nil {
				return err
			}

			switch {
			case cfg.Serial.Simulate != "":
				sim, err := transport.NewSimulator(cfg.Serial.Simulate, cfg.Serial.SimulateInterval, time.Now().UnixNano())
				if err != nil {
					return err
				}
				if err := pipe.Start(ctx, sim); err != nil {
					return err
				}
				fmt.Printf("   Source:   simulator (%s)\n", cfg.Serial.Simulate)
			case cfg.Serial.Port != "":
				sp, err := transport.OpenSerial(cfg.Serial.Port, cfg.Serial.BaudRate)
				if err != nil {
					return err
				}
				if err := pipe.Start(ctx, sp); err != nil {
					sp.Close()
					return err
				}
				fmt.Printf("   Source:   %s @ %d baud\n", cfg.Serial.Port, cfg.Serial.BaudRate)
			default:
				fmt.Printf("   Source:   none (POST /api/connect to attach a port)\n")
			}
			fmt.Println()

			fmt.Println("Available endpoints:")
			fmt.Println("  GET  /health")
			fmt.Println("  GET  /api/ports")
			fmt.Println("  POST /api/connect?port=&baud_rate=")
			fmt.Println("  POST /api/disconnect")
			fmt.Println("  POST /api/baud-rate?new_baud_rate=")
			fmt.Println("  GET  /api/status")
			fmt.Println("  GET  /api/data?limit=")
			fmt.Println("  GET  /api/prediction")
			fmt.Println("  GET  /api/prediction/next-minute")
			fmt.Println("  GET  /api/recommendations")
			fmt.Println("  GET  /api/db/readings")
			fmt.Println("  GET  /api/db/readings/{date}")
			fmt.Println("  GET  /api/db/predictions")
			fmt.Println("  GET  /api/db/statistics?date=")
			fmt.Println("  GET  /api/db/congestion-summary?hours=")
			fmt.Println("  GET  /api/db/stats")
			fmt.Println("  GET  /metrics")
			fmt.Println("  WS   /ws")
			fmt.Println()

			maintDone := make(chan struct{})
			go maintain(ctx, maintDone)

			srv := &http.Server{
				Addr:              cfg.Server.Addr(),
				Handler:           server.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() { serveErr <- srv.ListenAndServe() }()

			var runErr error
			select {
			case <-ctx.Done():
			case err := <-serveErr:
				if !errors.Is(err, http.ErrServerClosed) {
					runErr = fmt.Errorf("http server: %w", err)
				}
				stop()
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", "err", err)
			}
			<-maintDone
			return runErr
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8000, "Server port")
	cmd.Flags().StringVar(&simulate, "simulate", "", "Feed the pipeline from the simulator (cycle, free, light, moderate, heavy, severe)")
	cmd.Flags().StringVar(&serialPort, "serial-port", "", "Serial port to read sensor frames from")
	cmd.Flags().IntVarP(&baud, "baud", "b", transport.DefaultBaudRate, "Serial baud rate")
	cmd.Flags().StringVar(&webDir, "web", "", "Directory with dashboard assets to serve at /")
	return cmd
}

// ingestCmd replays recorded frame files through the engine into the database
func ingestCmd() *cobra.Command {
	var validate bool

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Replay recorded sensor frames into the database",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			pipe := pipeline.New(pipelineConfig(cfg), nil,
				pipeline.WithSink(database),
				pipeline.WithLogger(logger),
			)

			totalRecords := 0
			totalErrors := 0

			for _, file := range args {
				fmt.Printf("Processing %s...\n", file)
				start := time.Now()

				records, rejected, err := parser.ParseFile(file)
				if err != nil {
					fmt.Printf("  Error: %v\n", err)
					totalErrors++
					continue
				}
				totalErrors += rejected

				// Validate if requested
				if validate {
					var valid []models.Reading
					for _, r := range records {
						if problems := parser.ValidateReading(&r); len(problems) == 0 {
							valid = append(valid, r)
						} else {
							totalErrors++
						}
					}
					records = valid
				}

				count, err := pipe.Replay(ctx, records)
				totalRecords += count
				if err != nil {
					fmt.Printf("  Interrupted after %d readings: %v\n", count, err)
					break
				}

				elapsed := time.Since(start)
				fmt.Printf("  ✓ Replayed %d readings in %v (%.0f readings/sec)\n",
					count, elapsed, float64(count)/elapsed.Seconds())
			}

			// flush queued writes before reporting
			if err := pipe.Close(); err != nil {
				return err
			}

			fmt.Printf("\nTotal: %d readings ingested", totalRecords)
			if totalErrors > 0 {
				fmt.Printf(", %d errors", totalErrors)
			}
			fmt.Println()

			if inf, ok := pipe.Latest(); ok {
				fmt.Printf("Final congestion: %d (%s), next minute %d (%s)\n",
					inf.Level, inf.Status, inf.NextMinute.Prediction, inf.NextMinute.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&validate, "validate", "v", false, "Skip readings with out-of-range values")
	return cmd
}

// readingsCmd queries stored readings
func readingsCmd() *cobra.Command {
	var uid string
	var startTime string
	var endTime string
	var limit int
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "readings",
		Short: "Query stored sensor readings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			q := models.ReadingQuery{
				UID:   uid,
				Limit: limit,
			}

			if startTime != "" {
				t, err := time.Parse(time.RFC3339, startTime)
				if err != nil {
					return fmt.Errorf("invalid start_time format (use RFC3339): %w", err)
				}
				q.StartTime = t
			}

			if endTime != "" {
				t, err := time.Parse(time.RFC3339, endTime)
				if err != nil {
					return fmt.Errorf("invalid end_time format (use RFC3339): %w", err)
				}
				q.EndTime = t
			}

			start := time.Now()
			results, err := database.QueryReadings(q)
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}
			elapsed := time.Since(start)

			switch outputFormat {
			case "json":
				return writeJSON(os.Stdout, results)
			default:
				fmt.Printf("Found %d readings (query time: %v)\n\n", len(results), elapsed)
				for _, r := range results {
					fmt.Printf("[%s] Sensor: %s | Gas: %d | Count: %d | Headway: %d ms\n",
						r.ReceivedAt.Local().Format("2006-01-02 15:04:05"),
						r.UID, r.Gas, r.Count, r.HeadwayMs)
					if r.Flag != "" {
						fmt.Printf("     ⚠️  Flag: %s\n", r.Flag)
					}
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&uid, "uid", "u", "", "Filter by sensor uid")
	cmd.Flags().StringVarP(&startTime, "start", "s", "", "Start time (RFC3339)")
	cmd.Flags().StringVarP(&endTime, "end", "e", "", "End time (RFC3339)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 100, "Maximum readings to return")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// statsCmd shows database statistics and the recent congestion summary
func statsCmd() *cobra.Command {
	var hours int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			today, err := database.UpdateStatistics(time.Now())
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("error updating statistics: %w", err)
			}

			stats, err := database.GetStats()
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Println("📊 Traffic Congestion Monitor Statistics")
			fmt.Println("========================================")
			fmt.Printf("  Sensor Readings:    %v\n", stats["total_readings"])
			fmt.Printf("  Predictions:        %v\n", stats["total_predictions"])
			fmt.Printf("  Distinct Sensors:   %v\n", stats["distinct_sensors"])
			fmt.Printf("  Severe Predictions: %v\n", stats["severe_predictions"])
			if first, ok := stats["first_received_at"]; ok {
				fmt.Printf("  First Reading:      %v\n", first)
				fmt.Printf("  Last Reading:       %v\n", stats["last_received_at"])
			}
			fmt.Printf("  Database:           %s\n", cfg.Database.Path)

			if today != nil {
				fmt.Printf("\n📅 Today (%s)\n", today.Date)
				fmt.Printf("  Avg Gas:            %.1f (min %d, max %d)\n", today.AvgGas, today.MinGas, today.MaxGas)
				fmt.Printf("  Avg Headway:        %.0f ms\n", today.AvgHeadway)
				fmt.Printf("  Vehicles:           %d\n", today.TotalVehicles)
				fmt.Printf("  Peak Congestion:    %d\n", today.PeakCongestion)
			}

			summary, err := database.GetCongestionSummary(hours)
			if err != nil {
				return fmt.Errorf("error getting congestion summary: %w", err)
			}
			fmt.Printf("\n🚗 Congestion over the last %d hours\n", hours)
			if len(summary) == 0 {
				fmt.Println("  No predictions recorded.")
			}
			for _, s := range summary {
				fmt.Printf("  %-18s %6d  avg %5.1f  range %d-%d\n", s.Status, s.Count, s.AvgLevel, s.MinLevel, s.MaxLevel)
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&hours, "hours", 24, "Summary window in hours")
	return cmd
}

// simulateCmd writes simulated sensor frames to a serial port or stdout
func simulateCmd() *cobra.Command {
	var mode string
	var interval time.Duration
	var port string
	var baud int
	var seed int64

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate simulated sensor frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			sim, err := transport.NewSimulator(mode, interval, seed)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			if port == "" {
				return sim.Run(ctx, os.Stdout, nil)
			}

			out, err := transport.OpenSerial(port, baud)
			if err != nil {
				return err
			}
			defer out.Close()

			fmt.Printf("Simulating %s traffic on %s @ %d baud (Ctrl+C to stop)\n", mode, port, baud)
			return sim.Run(ctx, out, func(frame []byte) {
				fmt.Printf("[%-8s] %s", sim.Scenario().Name, frame)
			})
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", "cycle", "Scenario (cycle, free, light, moderate, heavy, severe)")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 500*time.Millisecond, "Time between frames")
	cmd.Flags().StringVarP(&port, "port", "p", "", "Serial port to write to (stdout when empty)")
	cmd.Flags().IntVarP(&baud, "baud", "b", transport.DefaultBaudRate, "Serial baud rate")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (0 picks one)")
	return cmd
}

// portsCmd lists serial ports
func portsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List available serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := transport.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("No serial ports found.")
				return nil
			}

			fmt.Printf("%-20s %-30s %s\n", "Port", "Description", "HWID")
			fmt.Println(strings.Repeat("-", 70))
			for _, p := range ports {
				fmt.Printf("%-20s %-30s %s\n", p.Port, p.Description, p.HWID)
			}
			return nil
		},
	}
}

// pruneCmd deletes expired readings and their predictions
func pruneCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete readings older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("days") {
				days = cfg.Database.RetentionDays
			}
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			deleted, err := database.ClearOldData(days)
			if err != nil {
				return fmt.Errorf("error pruning data: %w", err)
			}
			fmt.Printf("✓ Deleted %d readings older than %d days\n", deleted, days)
			return nil
		},
	}

	cmd.Flags().IntVarP(&days, "days", "d", 30, "Keep readings from the last N days")
	return cmd
}
