package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"water_monitor/alerts"
	"water_monitor/broker"
	"water_monitor/config"
	"water_monitor/database"
	"water_monitor/ingest"
	"water_monitor/logger"
	"water_monitor/mqttbridge"
	"water_monitor/persistence"
	"water_monitor/scanner"
	"water_monitor/server"
	"water_monitor/simulator"
	"water_monitor/store"

	"gorm.io/gorm"
)

func main() {
	if len(os.Args) < 2 {
		showHelp()
		return
	}

	command := os.Args[1]

	var cfg *config.Config
	// Initialize logging only for commands that need it
	if needsLogging(command) {
		cfg = loadConfig()
		if err := logger.Init(cfg); err != nil {
			log.Fatalf("Failed to initialize logging: %v", err)
		}
		defer func() {
			err := logger.Close()
			if err != nil {
				log.Fatalf("Failed to close logging: %v", err)
			}
		}()
		logger.LogCommand(os.Args[0], os.Args)
	}

	switch command {
	case "serve":
		serveCommand(cfg)
	case "connect":
		connectCommand(cfg)
	case "migrate":
		migrateCommand(cfg)
	case "migrate:create":
		if len(os.Args) < 3 {
			fmt.Println("Error: migration name required")
			fmt.Println("Usage: go run main.go migrate:create <migration_name>")
			return
		}
		createMigrationCommand(cfg, os.Args[2])
	case "migrate:status":
		migrationStatusCommand(cfg)
	case "db:info":
		dbInfoCommand(loadConfig())
	case "scan":
		if len(os.Args) < 3 {
			fmt.Println("Error: directory path required")
			fmt.Println("Usage: go run main.go scan <directory_path>")
			return
		}
		scanCommand(cfg, os.Args[2])
	case "convert:ml":
		convertCommand(cfg, os.Args[2:])
	case "import:snapshot":
		importSnapshotCommand(cfg)
	case "generate":
		if len(os.Args) < 3 {
			fmt.Println("Error: output directory required")
			fmt.Println("Usage: go run main.go generate <output_directory> [days]")
			return
		}
		generateCommand(os.Args[2:])
	case "simulate":
		target := simulator.DefaultTarget
		if len(os.Args) > 2 {
			target = os.Args[2]
		}
		simulateCommand(target)
	case "help":
		showHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		showHelp()
	}
}

// needsLogging determines which commands need logging
func needsLogging(command string) bool {
	loggingCommands := map[string]bool{
		"serve":           true,
		"migrate":         true,
		"migrate:create":  true,
		"migrate:status":  true,
		"scan":            true,
		"connect":         true,
		"convert:ml":      true,
		"import:snapshot": true,
		"simulate":        true,
	}
	return loggingCommands[command]
}

func showHelp() {
	fmt.Println("Water Monitor - sensor ingestion, history and reporting server")
	fmt.Println("")
	fmt.Println("Usage: go run main.go <command> [arguments]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  serve                 Start the HTTP server (plus MQTT ingestion when configured)")
	fmt.Println("  connect               Test database connection")
	fmt.Println("  migrate               Run pending migrations")
	fmt.Println("  migrate:create <name> Create a new migration file")
	fmt.Println("  migrate:status        Show migration status")
	fmt.Println("  db:info               Show database information")
	fmt.Println("  scan <directory>      Import flat history CSV exports into the database (non-recursive)")
	fmt.Println("  convert:ml [dir]      Preview mL to L conversion of the file store")
	fmt.Println("      --apply           Write converted files (a .bak copy is kept)")
	fmt.Println("      --force           Convert every volume field regardless of threshold")
	fmt.Println("      --threshold=N     Only convert values above N (default 1000)")
	fmt.Println("  import:snapshot       Copy the file store snapshot into the database")
	fmt.Println("  generate <dir> [days] Write synthetic flow history CSV files")
	fmt.Println("  simulate [url]        Post simulated sensor readings to a running server")
	fmt.Println("  help                  Show this help message")
	fmt.Println("")
	fmt.Println("Configuration:")
	fmt.Println("  Edit config.yaml; PORT, PERSISTENCE_BACKEND, MONGO_URI, MQTT_BROKER and KAFKA_BROKERS override it")
	fmt.Println("")
	fmt.Println("CSV File Format:")
	fmt.Println("  Expected columns: timestamp,sensor_id,hora,caudal_min,total_acumulado,storage")
	fmt.Println("  Timestamp format: ISO8601 (e.g., 2025-09-05T12:30:45Z)")
}

func loadConfig() *config.Config {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	return cfg
}

func connectDatabase(cfg *config.Config) (*gorm.DB, error) {
	if err := cfg.ValidateDatabase(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

func serveCommand(cfg *config.Config) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatalf("Invalid timezone: %v", err)
	}

	backend, err := persistence.Open(ctx, cfg)
	if err != nil {
		logger.Errorf("Persistence backend %s unavailable, keeping state in memory only: %v",
			cfg.Persistence.Backend, err)
		backend = persistence.NewMemory()
	}
	defer backend.Close()

	st := store.New(cfg.Store.MaxHistory, backend.Name())
	// a failed restore is logged and the store starts empty
	_ = persistence.Restore(ctx, backend, st)

	opts := []ingest.Option{
		ingest.WithNegativePolicy(ingest.NegativePolicy(cfg.Ingest.NegativePolicy)),
		ingest.WithVolumePolicy(ingest.VolumePolicy(cfg.Ingest.VolumePolicy)),
	}
	if cfg.Kafka.Brokers != "" {
		mq, err := broker.NewKafkaQueue(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			logger.Errorf("Kafka forwarding disabled: %v", err)
		} else {
			forwarder := broker.NewForwarder(mq, 5*time.Second, broker.DefaultQueueSize)
			// stopped by Close after the server and MQTT bridge are done
			forwarder.Start(context.Background())
			defer forwarder.Close()
			opts = append(opts, ingest.WithForwarder(forwarder))
			logger.Printf("Forwarding readings to Kafka topic %s", cfg.Kafka.Topic)
		}
	}
	svc := ingest.NewService(st, opts...)

	snapshotter := persistence.NewSnapshotter(backend, st, cfg.Persistence.Interval)
	snapshotter.Start(ctx)
	defer func() {
		recovered := recover()
		if recovered != nil {
			logger.Errorf("Server panicked: %v", recovered)
		}
		if err := snapshotter.Stop(); err != nil {
			logger.Errorf("Final snapshot failed: %v", err)
		} else {
			logger.Println("✓ Final snapshot written")
		}
		if recovered != nil {
			panic(recovered)
		}
	}()

	mqttDone := make(chan struct{})
	if cfg.MQTT.Broker != "" {
		bridge := mqttbridge.New(cfg.MQTT, svc, mqttbridge.WithFlusher(snapshotter))
		go func() {
			defer close(mqttDone)
			_ = bridge.Run(ctx)
		}()
	} else {
		close(mqttDone)
	}

	srv, err := server.NewServer(
		server.WithPort(cfg.Server.Port),
		server.WithStore(st, svc),
		server.WithPersistence(backend, snapshotter),
		server.WithReportThreshold(cfg.Reports.DefaultThreshold),
		server.WithAlertRules(alerts.DefaultRules(cfg.Alerts)),
		server.WithLocation(loc),
	)
	if err != nil {
		logger.Errorf("Failed to build server: %v", err)
		stop()
		<-mqttDone
		return
	}

	logger.Printf("Persistence: %s, history cap %d per sensor", backend.Name(), cfg.Store.MaxHistory)
	if err := srv.Start(ctx); err != nil {
		logger.Errorf("Server stopped: %v", err)
	}

	stop()
	<-mqttDone
	logger.Println("Shutting down")
}

func connectCommand(cfg *config.Config) {
	logger.Println("Testing database connection...")

	db, err := connectDatabase(cfg)
	if err != nil {
		logger.Fatalf("Connection failed: %v", err)
	}
	defer database.Close(db)

	logger.Printf("✓ Successfully connected to %s database\n", cfg.Database.Driver)

	// Show connection info
	info := database.GetDatabaseInfo(cfg, db)
	infoJSON, _ := json.MarshalIndent(info, "", "  ")
	logger.Printf("Connection info: %s\n", infoJSON)
}

func migrateCommand(cfg *config.Config) {
	logger.Println("Running database migrations...")

	db, err := connectDatabase(cfg)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(db)

	runner := database.NewMigrationRunner(db, cfg)

	ran, err := runner.Run()
	if err != nil {
		logger.Fatalf("Migration failed: %v", err)
	}
	if ran == 0 {
		logger.Println("No pending migrations to run")
		return
	}
	logger.Printf("✓ Applied %d migration(s)", ran)
}

func createMigrationCommand(cfg *config.Config, name string) {
	logger.Printf("Creating migration: %s\n", name)

	runner := database.NewMigrationRunner(nil, cfg) // Don't need DB connection to create files

	filePath, err := runner.Create(name)
	if err != nil {
		logger.Fatalf("Failed to create migration: %v", err)
	}

	logger.Printf("✓ Migration created: %s\n", filePath)
}

func migrationStatusCommand(cfg *config.Config) {
	logger.Println("Checking migration status...")

	db, err := connectDatabase(cfg)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(db)

	runner := database.NewMigrationRunner(db, cfg)

	migrations, err := runner.Status()
	if err != nil {
		logger.Fatalf("Failed to get migration status: %v", err)
	}

	if len(migrations) == 0 {
		logger.Println("No migrations found")
		return
	}

	logger.Printf("%-20s %-40s %s\n", "Version", "Name", "Status")
	logger.Println("-------------------------------------------------------------------")

	for _, migration := range migrations {
		status := "Pending"
		switch {
		case migration.Modified:
			status = "Applied (modified since)"
		case migration.Applied():
			status = "Applied"
		}
		logger.Printf("%-20s %-40s %s\n", migration.Version, migration.Name, status)
	}
}

func dbInfoCommand(cfg *config.Config) {
	fmt.Println("Database Information:")
	fmt.Println(strings.Repeat("=", 50))

	db, err := connectDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(db)

	info := database.GetDatabaseInfo(cfg, db)

	// Display basic database info
	fmt.Printf("Database Type:     %v\n", info["driver"])
	fmt.Printf("Connection Status: %v\n", getConnectionStatusText(info["connected"]))

	// Display database-specific connection details
	switch cfg.Database.Driver {
	case "mysql", "postgres":
		fmt.Printf("Host:              %v\n", info["host"])
		fmt.Printf("Port:              %v\n", info["port"])
		fmt.Printf("Database:          %v\n", info["database"])
	case "sqlite":
		fmt.Printf("File Path:         %v\n", info["path"])
	}

	if info["connected"] != true {
		fmt.Println("\nConnection failed - unable to retrieve detailed information")
		fmt.Println(strings.Repeat("=", 50))
		return
	}

	fmt.Println("\nConnection Pool:")
	fmt.Printf("  Max Connections: %v\n", info["max_open_connections"])
	fmt.Printf("  Open Connections:%v\n", info["open_connections"])
	fmt.Printf("  In Use:          %v\n", info["in_use"])
	fmt.Printf("  Idle:            %v\n", info["idle"])

	data, err := database.GetDataInfo(db)
	if err != nil {
		fmt.Printf("\nData Information unavailable: %v\n", err)
	} else {
		fmt.Println("\nData Information:")
		fmt.Printf("  Sensors:         %d\n", data.Sensors)
		fmt.Printf("  History Records: %d\n", data.Records)
		if data.Records > 0 {
			fmt.Printf("  Date Range:      %s to %s\n",
				data.Earliest.Format("2006-01-02 15:04:05"),
				data.Latest.Format("2006-01-02 15:04:05"))
		}
	}

	fmt.Println(strings.Repeat("=", 50))
}

func getConnectionStatusText(connected interface{}) string {
	if conn, ok := connected.(bool); ok && conn {
		return "✓ Connected"
	}
	return "✗ Disconnected"
}

func scanCommand(cfg *config.Config, directoryPath string) {
	db, err := connectDatabase(cfg)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(db)

	if err := database.AutoMigrate(db); err != nil {
		logger.Fatalf("Failed to prepare history table: %v", err)
	}

	summary, err := scanner.NewCSVScanner(db).ScanDirectory(directoryPath)
	if err != nil {
		logger.Fatalf("Scan failed: %v", err)
	}

	logger.LogResult("scan", summary.Failed == 0,
		fmt.Sprintf("%d records from %d file(s)", summary.Records, summary.Files))
}

func convertCommand(cfg *config.Config, args []string) {
	dir := cfg.Persistence.DataDir
	opts := persistence.ConvertOptions{Threshold: persistence.DefaultConvertThreshold}

	for _, arg := range args {
		switch {
		case arg == "--apply":
			opts.Apply = true
		case arg == "--force":
			opts.Force = true
		case strings.HasPrefix(arg, "--threshold="):
			v, err := strconv.ParseFloat(strings.TrimPrefix(arg, "--threshold="), 64)
			if err != nil || v <= 0 {
				logger.Fatalf("Invalid threshold: %s", arg)
			}
			opts.Threshold = v
		case strings.HasPrefix(arg, "--"):
			logger.Fatalf("Unknown flag: %s", arg)
		default:
			dir = arg
		}
	}

	mode := "Preview"
	if opts.Apply {
		mode = "Applying"
	}
	logger.Printf("%s mL to L conversion in %s (threshold %v, force %v)\n", mode, dir, opts.Threshold, opts.Force)

	results, err := persistence.ConvertMillilitres(dir, opts)
	if err != nil {
		logger.Fatalf("Conversion failed: %v", err)
	}

	total, failed := 0, 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			logger.Errorf("❌ %s: %v", r.File, r.Err)
			continue
		}
		total += len(r.Changes)
		logger.Printf("%s: %d value(s) to convert\n", r.File, len(r.Changes))
		for _, c := range r.Changes {
			logger.Debugf("  %s: %v -> %v", c.Path, c.Old, c.New)
		}
		if r.Backup != "" {
			logger.Printf("  backup: %s\n", r.Backup)
		}
	}

	logger.LogResult("convert:ml", failed == 0,
		fmt.Sprintf("%d value(s) in %d file(s), %d failed", total, len(results), failed))
	if !opts.Apply && total > 0 {
		logger.Println("Run again with --apply to write the changes")
	}
}

func importSnapshotCommand(cfg *config.Config) {
	ctx := context.Background()

	file, err := persistence.NewFile(cfg.Persistence.DataDir)
	if err != nil {
		logger.Fatalf("Failed to open file store: %v", err)
	}

	db, err := connectDatabase(cfg)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(db)

	relational, err := persistence.NewRelational(db)
	if err != nil {
		logger.Fatalf("Failed to prepare database backend: %v", err)
	}

	snap, err := persistence.Copy(ctx, file, relational)
	if err != nil {
		logger.Fatalf("Import failed: %v", err)
	}

	records := 0
	for _, h := range snap.History {
		records += len(h)
	}
	logger.LogResult("import:snapshot", true,
		fmt.Sprintf("%d sensor(s), %d history record(s) from %s", len(snap.Latest), records, file.Dir()))
}

func generateCommand(args []string) {
	outputDir := args[0]
	days := 7
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			fmt.Printf("Invalid number of days: %s\n", args[1])
			return
		}
		days = n
	}

	now := time.Now()
	files, err := simulator.Generate(outputDir, simulator.DefaultProfiles, days, now, now.UnixNano())
	if err != nil {
		fmt.Printf("Failed to generate data: %v\n", err)
		return
	}

	for _, f := range files {
		if f.Err != nil {
			fmt.Printf("Failed to write %s: %v\n", f.Path, f.Err)
			continue
		}
		fmt.Printf("Generated %s with %d records\n", f.Path, f.Records)
	}
	fmt.Println("All mocked data generated.")
}

func simulateCommand(target string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	live := simulator.NewLive(target, 3*time.Second, time.Now().UnixNano())
	if err := live.Run(ctx); err != nil {
		logger.Errorf("Simulator stopped: %v", err)
	}
}
