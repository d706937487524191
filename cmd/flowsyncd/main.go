package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/schaermu/flowsyncd/internal/config"
	"github.com/schaermu/flowsyncd/internal/deploy"
	"github.com/schaermu/flowsyncd/internal/export"
	"github.com/schaermu/flowsyncd/internal/n8n"
	"github.com/schaermu/flowsyncd/internal/scaffold"
	"github.com/schaermu/flowsyncd/internal/snapshot"
	"github.com/schaermu/flowsyncd/internal/validate"
	"github.com/schaermu/flowsyncd/internal/webhook"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	repoRoot  string
	apiURL    string
	apiKey    string
	logLevel  string
	logFormat string

	// Deploy/rollback flags
	gitRef string
	dryRun bool
	backup bool
	prune  bool

	// Validate flags
	strict              bool
	enforceNoInlineCode bool
	enforceChecksum     bool
	requireChecksum     bool
	envFile             string

	// Serve flags
	listenAddr        string
	webhookSecretFile string
	allowedEventTypes []string
	allowedRefs       []string

	interrupted atomic.Bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if interrupted.Load() {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flowsyncd",
	Short: "Synchronize n8n workflows with a Git repository",
	Long: `flowsyncd keeps an n8n instance and a Git repository in sync.

Export pulls workflows out of a running instance into reviewable files,
with node code externalized into separate script files. Deploy pushes a
snapshot of the repository (working tree or any git ref) back to the
instance, reconciling by workflow name.`,
	SilenceUsage: true,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all workflows from the n8n instance into the repository",
	Long: `Export fetches every workflow from the configured n8n instance and writes
a mirror of the instance under n8n/: canonicalized workflow documents,
externalized code scripts, the workflow manifest and a credentials index.

Files belonging to workflows that no longer exist remotely are removed.`,
	RunE: runExport,
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy the repository state to the n8n instance",
	Long: `Deploy reads the manifest from the working tree (or from --git-ref),
renders include directives back into workflow documents, and reconciles
the n8n instance against it: missing workflows are created, existing ones
are replaced, and with --prune unmanaged workflows are deleted.

With --dry-run the plan is logged without touching the instance.`,
	RunE: runDeploy,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Deploy the repository state as of a past git ref",
	Long: `Rollback is a deploy pinned to a historical revision. It renders the
manifest, workflows and scripts as they existed at --git-ref and pushes
that state to the instance. The working tree is not modified.`,
	RunE: runRollback,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the manifest, workflow documents and include directives",
	Long: `Validate checks the repository without contacting the n8n instance:
manifest shape and uniqueness, referenced workflow documents, include
directive paths and checksums, and the optional environment schema.

Errors always fail validation; warnings fail it only with --strict.`,
	RunE: runValidate,
}

var createProjectCmd = &cobra.Command{
	Use:   "create-project [path]",
	Short: "Scaffold a new workflow repository",
	Long: `Create-project lays out the n8n/ directory structure with a starter
manifest, environment schema, auth file template and .gitignore entries.
Existing files are left untouched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCreateProject,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the GitHub webhook server and deploy on push events",
	Long: `Serve starts a long-running HTTP server that listens for GitHub push
webhooks and triggers a deploy of --git-ref when the configured repository
is updated. Events are signature-verified, filtered by type and ref, and
debounced so rapid pushes coalesce into a single deploy.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("flowsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&repoRoot, "repo-root", ".", "path to the workflow repository")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "n8n API base URL (overrides N8N_API_URL and .n8n-auth)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "n8n API key (overrides N8N_API_KEY and .n8n-auth)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Deploy command flags
	deployCmd.Flags().StringVar(&gitRef, "git-ref", "", "deploy the repository as of this git ref instead of the working tree")
	deployCmd.Flags().BoolVar(&dryRun, "dry-run", false, "log the plan without making changes")
	deployCmd.Flags().BoolVar(&backup, "backup", false, "rename replaced workflows instead of deleting them")
	deployCmd.Flags().BoolVar(&prune, "prune", false, "delete remote workflows not present in the manifest")

	// Rollback command flags
	rollbackCmd.Flags().StringVar(&gitRef, "git-ref", "", "git ref to roll back to (required)")
	rollbackCmd.Flags().BoolVar(&dryRun, "dry-run", false, "log the plan without making changes")
	rollbackCmd.Flags().BoolVar(&backup, "backup", false, "rename replaced workflows instead of deleting them")
	rollbackCmd.Flags().BoolVar(&prune, "prune", false, "delete remote workflows not present in the manifest")
	_ = rollbackCmd.MarkFlagRequired("git-ref")

	// Validate command flags
	validateCmd.Flags().StringVar(&gitRef, "git-ref", "", "validate the repository as of this git ref instead of the working tree")
	validateCmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as failures")
	validateCmd.Flags().BoolVar(&enforceNoInlineCode, "enforce-no-inline-code", false, "report inline node code that is not externalized")
	validateCmd.Flags().BoolVar(&enforceChecksum, "enforce-checksum", false, "treat include checksum mismatches as errors")
	validateCmd.Flags().BoolVar(&requireChecksum, "require-checksum", false, "report include directives without a checksum")
	validateCmd.Flags().StringVar(&envFile, "env-file", "", "env file to check against the environment schema")

	// Serve command flags
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8476", "address for the webhook server to listen on")
	serveCmd.Flags().StringVar(&webhookSecretFile, "webhook-secret-file", "", "file containing the GitHub webhook secret (required)")
	serveCmd.Flags().StringSliceVar(&allowedEventTypes, "allowed-event", []string{"push"}, "GitHub event types that trigger a deploy")
	serveCmd.Flags().StringSliceVar(&allowedRefs, "allowed-ref", nil, "git refs that trigger a deploy (empty allows all)")
	serveCmd.Flags().StringVar(&gitRef, "git-ref", "origin/main", "git ref to deploy on webhook events")
	serveCmd.Flags().BoolVar(&backup, "backup", false, "rename replaced workflows instead of deleting them")
	serveCmd.Flags().BoolVar(&prune, "prune", false, "delete remote workflows not present in the manifest")
	_ = serveCmd.MarkFlagRequired("webhook-secret-file")

	// Add commands
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(createProjectCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	if err := cfg.RequireAuth(); err != nil {
		return err
	}

	client := n8n.NewHTTPClient(cfg.APIURL, cfg.APIKey)
	engine := export.NewEngine(cfg, client, logger)

	if err := engine.Run(ctx); err != nil {
		logger.Error("export failed", "error", err)
		return err
	}
	return nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	if err := cfg.RequireAuth(); err != nil {
		return err
	}

	snap, err := openSnapshot(ctx, cfg, gitRef)
	if err != nil {
		return err
	}

	client := n8n.NewHTTPClient(cfg.APIURL, cfg.APIKey)
	engine := deploy.NewEngine(client, logger, deploy.Options{
		DryRun: dryRun,
		Backup: backup,
		Prune:  prune,
	})

	result, err := engine.Run(ctx, snap)
	if err != nil {
		logger.Error("deploy failed", "error", err)
		return err
	}
	return deployResultError(result)
}

func runRollback(cmd *cobra.Command, args []string) error {
	// Rollback is a deploy pinned to a past revision; the required
	// --git-ref flag is the only difference.
	return runDeploy(cmd, args)
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	snap, err := openSnapshot(ctx, cfg, gitRef)
	if err != nil {
		return err
	}

	opts := validate.Options{
		Strict:              strict,
		EnforceNoInlineCode: enforceNoInlineCode,
		EnforceChecksum:     enforceChecksum,
		RequireChecksum:     requireChecksum,
		EnvFile:             envFile,
	}
	result, err := validate.Run(snap, opts, logger)
	if err != nil {
		logger.Error("validation could not complete", "error", err)
		return err
	}

	for _, msg := range result.Errors {
		logger.Error("validation error", "detail", msg)
	}
	for _, msg := range result.Warnings {
		logger.Warn("validation warning", "detail", msg)
	}

	if result.Failed(opts) {
		return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
	}
	logger.Info("validation passed", "warnings", len(result.Warnings))
	return nil
}

func runCreateProject(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	root := "."
	if len(args) > 0 {
		root = args[0]
	}
	return scaffold.Create(root, logger)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	if err := cfg.RequireAuth(); err != nil {
		return err
	}

	runner := &snapshot.GitRunner{RepoDir: cfg.RepoRoot}
	deployFn := func(ctx context.Context) error {
		// Fetch so the configured ref reflects the push that triggered us.
		if _, err := runner.Run(ctx, "fetch", "--quiet"); err != nil {
			return err
		}
		snap, err := snapshot.NewRevision(ctx, runner, gitRef, "")
		if err != nil {
			return err
		}

		client := n8n.NewHTTPClient(cfg.APIURL, cfg.APIKey)
		engine := deploy.NewEngine(client, logger, deploy.Options{
			Backup: backup,
			Prune:  prune,
		})
		result, err := engine.Run(ctx, snap)
		if err != nil {
			return err
		}
		return deployResultError(result)
	}

	server, err := webhook.NewServer(webhook.Options{
		ListenAddr:        listenAddr,
		SecretFile:        webhookSecretFile,
		AllowedEventTypes: allowedEventTypes,
		AllowedRefs:       allowedRefs,
	}, deployFn, logger)
	if err != nil {
		return err
	}

	return server.Start(ctx)
}

// openSnapshot returns a working tree snapshot, or a revision snapshot when
// a git ref was requested.
func openSnapshot(ctx context.Context, cfg *config.Config, ref string) (snapshot.Snapshot, error) {
	if ref == "" {
		return snapshot.NewWorkingTree(cfg.RepoRoot), nil
	}
	return snapshot.NewRevision(ctx, &snapshot.GitRunner{RepoDir: cfg.RepoRoot}, ref, "")
}

// deployResultError converts a finished deploy into a command error when any
// workflow failed, so the process exits non-zero.
func deployResultError(result *deploy.Result) error {
	if result.Aborted {
		return fmt.Errorf("deploy aborted: %d workflow(s) failed, %d partial failure(s)", result.Failed, len(result.PartialFailures))
	}
	if result.Failed > 0 || len(result.PartialFailures) > 0 {
		return fmt.Errorf("deploy finished with %d failed workflow(s), %d partial failure(s)", result.Failed, len(result.PartialFailures))
	}
	return nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(repoRoot, apiURL, apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Debug("configuration loaded",
		"repo_root", cfg.RepoRoot,
		"api_url", cfg.APIURL,
		"api_key_set", cfg.APIKey != "")

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		interrupted.Store(true)
		cancel()
	}()

	return ctx, cancel
}
