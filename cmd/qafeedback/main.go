package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/qafeedback/internal/exporter"
	"github.com/pavelanni/qafeedback/internal/handler"
	appI18n "github.com/pavelanni/qafeedback/internal/i18n"
	"github.com/pavelanni/qafeedback/internal/importer"
	"github.com/pavelanni/qafeedback/internal/model"
	"github.com/pavelanni/qafeedback/internal/store"
)

const sessionSweepInterval = time.Hour

func main() {
	// A missing .env file is normal; real environment variables still apply.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "qafeedback",
		Short: "Collect human feedback on question/answer datasets",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `qafeedback --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addLogFlags(cmd *cobra.Command) {
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "qafeedback.db", "SQLite database path")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.Int64("max-upload-mb", 16, "Maximum dataset upload size in megabytes")
	f.String("admin-password", "", "Seed an 'admin' account with this password when the database has no users")
	f.StringP("lang", "l", "en", "Message language (en, ru)")
	addLogFlags(cmd)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a JSON or CSV file as a new dataset",
		RunE:  runImport,
	}
	f := cmd.Flags()
	f.String("db", "qafeedback.db", "SQLite database path")
	f.StringP("file", "f", "", "Path to a .json or .csv file (required)")
	f.StringP("name", "n", "", "Dataset name (required)")
	f.String("description", "", "Dataset description")
	f.String("grant-user", "", "Username to grant access to the new dataset")
	addLogFlags(cmd)

	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a dataset with its feedback as JSON or CSV",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "qafeedback.db", "SQLite database path")
	f.String("dataset", "", "Dataset name (required)")
	f.String("format", "json", "Output format (json, csv)")
	f.Bool("include-gold-standards", false, "Include gold standard answers")
	f.Bool("include-scores", false, "Include the four scores")
	f.Bool("include-text-feedback", false, "Include free-text feedback")
	f.String("user-ids", "", "Comma-separated user IDs to restrict feedback to (empty or 'all' for everyone)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)

	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("QAFEEDBACK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("qafeedback")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/qafeedback")
	v.AddConfigPath("/etc/qafeedback")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedAdmin(db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	cfg := model.ServerConfig{
		SecureCookies:  v.GetBool("secure-cookies"),
		MaxUploadBytes: v.GetInt64("max-upload-mb") << 20,
	}
	h, err := handler.New(db, cfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sweepSessions(ctx, db, sessionSweepInterval)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("server shutdown", "error", err)
		}
	}()

	slog.Info("starting server",
		"addr", addr,
		"lang", lang,
		"secure_cookies", cfg.SecureCookies,
		"max_upload_bytes", cfg.MaxUploadBytes,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// sweepSessions deletes expired auth sessions every interval until ctx ends.
func sweepSessions(ctx context.Context, db *store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.CleanupExpiredSessions()
			if err != nil {
				slog.Error("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("removed expired sessions", "count", n)
			}
		}
	}
}

func runImport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	path := v.GetString("file")
	name := strings.TrimSpace(v.GetString("name"))
	if name == "" {
		return errors.New("dataset name is required")
	}
	var description *string
	if d := strings.TrimSpace(v.GetString("description")); d != "" {
		description = &d
	}

	var ownerID int64
	if username := v.GetString("grant-user"); username != "" {
		u, err := db.GetUserByUsername(username)
		if err != nil {
			return fmt.Errorf("look up user %q: %w", username, err)
		}
		if u == nil {
			return fmt.Errorf("user %q not found", username)
		}
		ownerID = u.ID
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	pairs, err := importer.Parse(path, data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	id, err := db.CreateDataset(name, description, pairs, ownerID)
	if err != nil {
		return fmt.Errorf("create dataset %q: %w", name, err)
	}
	slog.Info("imported dataset", "dataset_id", id, "name", name, "pairs", len(pairs), "path", path)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	format := model.ExportFormat(strings.ToLower(v.GetString("format")))
	if format != model.FormatJSON && format != model.FormatCSV {
		return exporter.ErrInvalidFormat
	}
	userIDs, err := exporter.ParseUserIDs(v.GetString("user-ids"))
	if err != nil {
		return err
	}
	opts := model.ExportOptions{
		IncludeGoldStandards: v.GetBool("include-gold-standards"),
		IncludeScores:        v.GetBool("include-scores"),
		IncludeTextFeedback:  v.GetBool("include-text-feedback"),
		UserIDs:              userIDs,
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ds, err := db.GetDatasetByName(v.GetString("dataset"))
	if err != nil {
		return fmt.Errorf("find dataset %q: %w", v.GetString("dataset"), err)
	}
	exp, err := db.LoadDatasetExport(ds.ID)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}

	outPath := v.GetString("output")
	if outPath == "" || outPath == "-" {
		if err := exporter.Write(os.Stdout, format, exp, opts); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	} else if err := writeExportFile(outPath, format, exp, opts); err != nil {
		return err
	}
	slog.Info("exported dataset", "name", ds.Name, "pairs", len(exp.Pairs), "format", format)
	return nil
}

// writeExportFile writes the export to path. A failed close is reported
// so a truncated file never looks like a successful export.
func writeExportFile(path string, format model.ExportFormat, exp *model.DatasetExport, opts model.ExportOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if err := exporter.Write(f, format, exp, opts); err != nil {
		f.Close()
		return fmt.Errorf("write output: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	return nil
}

func seedAdmin(db *store.Store, password string) error {
	if password == "" {
		return nil
	}
	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(model.User{
		Username:     "admin",
		PasswordHash: string(hash),
		AccessLevel:  model.AccessAdmin,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
