// airwatch maintains an air-quality warehouse: it extracts readings from the
// public archive, keeps the derived views current and serves them read-only.
package main

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtxerr/airwatch/internal/api"
	"github.com/xtxerr/airwatch/internal/extract"
	"github.com/xtxerr/airwatch/internal/locations"
	"github.com/xtxerr/airwatch/internal/logging"
	"github.com/xtxerr/airwatch/internal/scheduler"
	"github.com/xtxerr/airwatch/internal/storage"
	"github.com/xtxerr/airwatch/internal/storage/config"
	"github.com/xtxerr/airwatch/internal/storage/query"
	"github.com/xtxerr/airwatch/internal/storage/retention"
	"github.com/xtxerr/airwatch/internal/storage/warehouse"
)

// Version is set at build time.
var Version = "dev"

var (
	cfgPath  string
	envFiles []string
	dataDir  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "airwatch",
		Short: "Air-quality warehouse: extract, refresh and serve derived views",
		Long: `airwatch loads sensor readings from the OpenAQ archive into a DuckDB
warehouse, resolves duplicates and corrections, and keeps the daily
statistics and latest-value views current for the dashboard.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Dotenv files to load (default .env)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Override data_dir")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level")

	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(transformCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(retentionCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads dotenv files, the YAML file and AIRWATCH_* overrides, then
// initializes logging.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	var cfg *config.Config
	if cfgPath != "" {
		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
	}

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logging.Init(level, cfg.Logging.JSON)
	return cfg, nil
}

// openService creates and starts the storage service.
func openService(ctx context.Context, cfg *config.Config, catalog storage.Catalog) (*storage.Service, error) {
	svc, err := storage.New(ctx, cfg, catalog)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if err := svc.Start(); err != nil {
		svc.Close()
		return nil, fmt.Errorf("start storage: %w", err)
	}
	return svc, nil
}

// loadCatalog loads the locations file when configured. Without one, every
// location is unknown and every parameter is known unless listed.
func loadCatalog(cfg *config.Config) (*locations.Catalog, error) {
	if cfg.Catalog.LocationsFile == "" {
		return locations.New(nil, cfg.Catalog.Parameters), nil
	}
	return locations.Load(cfg.Catalog.LocationsFile, cfg.Catalog.Parameters)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// =============================================================================
// db
// =============================================================================

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Create or destroy the warehouse database",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create the database file and schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}

			ctx := cmd.Context()
			wh, err := warehouse.Open(ctx, storage.WarehouseOptions(cfg))
			if err != nil {
				return err
			}
			defer wh.Close()

			if err := wh.Migrate(ctx); err != nil {
				return err
			}
			fmt.Printf("Database ready: %s\n", cfg.DatabasePath())
			return nil
		},
	})

	var yes bool
	destroy := &cobra.Command{
		Use:   "destroy",
		Short: "Delete the database file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("refusing to delete %s without --yes", cfg.DatabasePath())
			}
			if err := warehouse.Destroy(cfg.DatabasePath()); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", cfg.DatabasePath())
			return nil
		},
	}
	destroy.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	cmd.AddCommand(destroy)

	return cmd
}

// =============================================================================
// extract / transform
// =============================================================================

func extractCmd() *cobra.Command {
	var (
		locationsFile  string
		startDate      string
		endDate        string
		sourceBasePath string
		queryTemplate  string
		asJSON         bool
	)

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract archive months for a set of locations and refresh the views",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if sourceBasePath != "" {
				cfg.Extract.SourceBasePath = sourceBasePath
			}
			if queryTemplate != "" {
				cfg.Extract.QueryTemplatePath = queryTemplate
			}
			if locationsFile == "" {
				locationsFile = cfg.Catalog.LocationsFile
			}

			start, err := extract.ParseMonth(startDate)
			if err != nil {
				return err
			}
			end, err := extract.ParseMonth(endDate)
			if err != nil {
				return err
			}
			ids, err := extract.ReadLocationIDs(locationsFile)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			svc, err := openService(ctx, cfg, locations.New(ids, cfg.Catalog.Parameters))
			if err != nil {
				return err
			}
			defer svc.Close()

			opts, err := extract.OptionsFromConfig(cfg.Extract)
			if err != nil {
				return err
			}
			ex, err := extract.New(svc.Warehouse(), svc, opts)
			if err != nil {
				return err
			}

			result, runErr := ex.Run(ctx, extract.Request{LocationIDs: ids, Start: start, End: end})
			if asJSON {
				if err := writeJSON(result); err != nil {
					return err
				}
			} else {
				fmt.Printf("Run %s: %d files, %d read, %d appended, %d rejected, %d missing, %d failed (%s)\n",
					result.RunID, len(result.Files), result.Read, result.Appended,
					result.Rejected, result.Missing, result.Failed, result.Duration.Round(time.Millisecond))
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&locationsFile, "locations-file", "", "JSON object keyed by location id (default catalog.locations_file)")
	cmd.Flags().StringVar(&startDate, "start-date", "", "First month, YYYY-MM")
	cmd.Flags().StringVar(&endDate, "end-date", "", "Last month, YYYY-MM")
	cmd.Flags().StringVar(&sourceBasePath, "source-base-path", "", "Override extract.source_base_path")
	cmd.Flags().StringVar(&queryTemplate, "query-template", "", "Override extract.query_template_path")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the run result as JSON")
	cmd.MarkFlagRequired("start-date")
	cmd.MarkFlagRequired("end-date")
	return cmd
}

func transformCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transform",
		Short: "Rebuild every derived view from the raw store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			svc, err := openService(ctx, cfg, catalog)
			if err != nil {
				return err
			}
			defer svc.Close()

			report, err := svc.Refresh(ctx)
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VIEW\tSTATUS\tROWS\tDURATION\tERROR")
			for _, v := range report.Views {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", v.View, v.Status, v.Rows, v.Duration.Round(time.Millisecond), v.Error)
			}
			tw.Flush()
			return err
		},
	}
}

// =============================================================================
// serve
// =============================================================================

func serveCmd() *cobra.Command {
	var (
		listen   string
		schedule bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only API and optionally run the extraction schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Listen = listen
			}
			if cmd.Flags().Changed("schedule") {
				cfg.Schedule.Enabled = schedule
			}

			catalog, err := loadCatalog(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			svc, err := openService(ctx, cfg, catalog)
			if err != nil {
				return err
			}
			defer svc.Close()

			srv := api.NewServer(svc, api.Options{
				ReadTimeout:  cfg.API.ReadTimeout,
				WriteTimeout: cfg.API.WriteTimeout,
			})

			if cfg.Schedule.Enabled {
				opts, err := extract.OptionsFromConfig(cfg.Extract)
				if err != nil {
					return err
				}
				ex, err := extract.New(svc.Warehouse(), svc, opts)
				if err != nil {
					return err
				}

				sched := scheduler.New(ex, catalog, scheduler.Config{
					Interval:       cfg.Schedule.Interval,
					LookbackMonths: cfg.Schedule.LookbackMonths,
					Timeout:        cfg.Refresh.Timeout,
				})
				if err := sched.Start(); err != nil {
					return err
				}
				defer sched.Stop()

				srv.AddStats("scheduler", func() any { return sched.Stats() })
				srv.AddStats("breaker", func() any { return ex.BreakerState() })
			}

			logger := logging.Component("main")
			logger.Info("airwatch starting",
				"version", Version,
				"database", cfg.DatabasePath(),
				"listen", cfg.API.Listen,
				"schedule", cfg.Schedule.Enabled,
				"locations", catalog.Len())
			for view, path := range api.Views() {
				logger.Debug("endpoint", "view", view, "path", path)
			}

			err = srv.ListenAndServe(ctx, cfg.API.Listen)
			logger.Info("airwatch stopped")
			return err
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Override api.listen")
	cmd.Flags().BoolVar(&schedule, "schedule", false, "Run the periodic extraction job")
	return cmd
}

// =============================================================================
// query
// =============================================================================

func queryCmd() *cobra.Command {
	var (
		locationIDs []string
		parameters  []string
		from        string
		to          string
		knownOnly   bool
		limit       int
		sqlText     string
		output      string
	)

	cmd := &cobra.Command{
		Use:   "query [latest_records|daily_stats|latest_values]",
		Short: "Query a derived view or run a read-only SQL statement",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (sqlText == "") {
				return fmt.Errorf("pass either a view name or --sql")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			svc, err := openService(ctx, cfg, catalog)
			if err != nil {
				return err
			}
			defer svc.Close()

			if sqlText != "" {
				rows, err := svc.QuerySQL(ctx, sqlText)
				if err != nil {
					return err
				}
				if output == "json" {
					return writeJSON(rows)
				}
				return writeRowsTable(rows)
			}

			f := query.Filter{
				LocationIDs: locationIDs,
				Parameters:  parameters,
				KnownOnly:   knownOnly,
				Limit:       limit,
			}
			if f.From, err = parseTimeFlag(from); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if f.To, err = parseTimeFlag(to); err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			result, err := svc.Query().View(ctx, args[0], f)
			if err != nil {
				return err
			}
			if output == "json" {
				return writeJSON(result)
			}
			return writeViewTable(result)
		},
	}

	cmd.Flags().StringSliceVar(&locationIDs, "location-id", nil, "Filter by location id (repeatable)")
	cmd.Flags().StringSliceVar(&parameters, "parameter", nil, "Filter by parameter (repeatable)")
	cmd.Flags().StringVar(&from, "from", "", "Lower bound, RFC 3339 or YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "Upper bound, RFC 3339 or YYYY-MM-DD")
	cmd.Flags().BoolVar(&knownOnly, "known-only", false, "Only known locations and parameters")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum rows")
	cmd.Flags().StringVar(&sqlText, "sql", "", "Run a read-only SQL statement instead")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or json")
	return cmd
}

func parseTimeFlag(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, v)
}

// =============================================================================
// export / retention
// =============================================================================

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write a Parquet snapshot of every derived view",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			svc, err := openService(ctx, cfg, catalog)
			if err != nil {
				return err
			}
			defer svc.Close()

			snap, err := svc.Export(ctx)
			if err != nil {
				return err
			}
			for view, path := range snap.Files {
				fmt.Printf("%-16s %8d rows  %s\n", view, snap.Rows[view], path)
			}
			return nil
		},
	}
}

func retentionCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Delete snapshots outside the retention policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(cfg)
			if err != nil {
				return err
			}

			svc, err := openService(cmd.Context(), cfg, catalog)
			if err != nil {
				return err
			}
			defer svc.Close()

			var results []retention.CleanupResult
			if dryRun {
				results = svc.DryRunRetention()
			} else {
				results = svc.RunRetention()
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VIEW\tDELETED\tBYTES\tKEPT\tERRORS")
			for _, r := range results {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", r.View, r.FilesDeleted, r.BytesFreed, r.FilesSkipped, len(r.Errors))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be deleted")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
}

// =============================================================================
// Output
// =============================================================================

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeViewTable prints view rows as a table, using their JSON field names
// as columns.
func writeViewTable(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	return writeRowsTable(rows)
}

func writeRowsTable(rows []map[string]any) error {
	if len(rows) == 0 {
		fmt.Println("(no rows)")
		return nil
	}

	var cols []string
	for k := range rows[0] {
		cols = append(cols, k)
	}
	sortColumns(cols)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(cols, "\t")))
	for _, row := range rows {
		vals := make([]string, len(cols))
		for i, c := range cols {
			if row[c] == nil {
				vals[i] = "-"
				continue
			}
			vals[i] = fmt.Sprint(row[c])
		}
		fmt.Fprintln(tw, strings.Join(vals, "\t"))
	}
	fmt.Fprintf(tw, "(%d rows)\n", len(rows))
	return tw.Flush()
}

// sortColumns orders series keys first, then the rest alphabetically.
func sortColumns(cols []string) {
	rank := func(c string) int {
		switch c {
		case "location_id":
			return 0
		case "parameter":
			return 1
		case "date", "observed_at":
			return 2
		}
		return 3
	}
	slices.SortFunc(cols, func(a, b string) int {
		if r := cmp.Compare(rank(a), rank(b)); r != 0 {
			return r
		}
		return strings.Compare(a, b)
	})
}
