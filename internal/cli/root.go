// Package cli implements the larder command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mesh-intelligence/larder/internal/neuro"
	"github.com/mesh-intelligence/larder/internal/paths"
	"github.com/mesh-intelligence/larder/internal/schema"
	"github.com/mesh-intelligence/larder/pkg/larder"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir  string
	dataDir    string
	schemaFile string
	logLevel   string
}

// app is the state shared by one command tree.
type app struct {
	flags     rootFlags
	configDir string
	config    *viper.Viper
	logger    *slog.Logger
}

// NewRootCmd creates the top-level "larder" command with global flags and
// all subcommands registered.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "larder",
		Short: "An incremental materialization store",
		Long: "Larder keeps entered and computed rows in a dependency graph,\n" +
			"computes missing rows on demand and deletes rows with everything derived from them.",
		Version:           larder.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (default: $(CWD)/.larder)")
	pf.StringVar(&a.flags.dataDir, "data-dir", "", "data directory (default: <config-dir>/data)")
	pf.StringVar(&a.flags.schemaFile, "schema", "", "schema file (default: the built-in tutorial schema)")
	pf.StringVar(&a.flags.logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(a),
		newSchemaCmd(a),
		newSeedCmd(a),
		newInsertCmd(a),
		newFetchCmd(a),
		newDeleteCmd(a),
		newPopulateCmd(a),
		newProgressCmd(a),
		newJobsCmd(a),
	)
	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	root := NewRootCmd()
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	level, err := parseLevel(a.flags.logLevel)
	if err != nil {
		return err
	}
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	a.configDir, err = paths.ResolveConfigDir(a.flags.configDir)
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	a.config, err = loadConfig(a.configDir)
	return err
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, usageErrorf("invalid log level %q", s)
	}
	return l, nil
}

func (a *app) dataDir() (string, error) {
	return paths.ResolveDataDir(a.flags.dataDir, a.config.GetString(cfgKeyDataDir), a.configDir)
}

func (a *app) recordingsDir() string {
	return paths.ResolveFile(a.config.GetString(cfgKeyRecordingsDir), a.configDir)
}

// loadSchema reads the schema from --schema, then schema_file, falling back
// to the tutorial schema. builtin reports whether the fallback was used.
func (a *app) loadSchema() (sch *schema.Schema, builtin bool, err error) {
	file := a.flags.schemaFile
	if file == "" {
		file = paths.ResolveFile(a.config.GetString(cfgKeySchemaFile), a.configDir)
	}
	if file == "" {
		sch, err = neuro.Schema()
		return sch, true, err
	}
	sch, err = schema.LoadFile(file)
	return sch, false, err
}

// session is an open catalog and, for the built-in schema, the tutorial
// pipeline computing its materialized entities.
type session struct {
	*larder.Catalog
	pipeline *neuro.Pipeline
}

// open opens the configured store. The caller must Close it.
func (a *app) open(ctx context.Context, opts ...larder.Option) (*session, error) {
	sch, builtin, err := a.loadSchema()
	if err != nil {
		return nil, err
	}
	dataDir, err := a.dataDir()
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	cfg := types.Config{
		Backend:      a.config.GetString(cfgKeyBackend),
		DataDir:      dataDir,
		SyncStrategy: a.config.GetString(cfgKeySyncStrategy),
	}
	opts = append([]larder.Option{larder.WithLogger(a.logger)}, opts...)
	cat, err := larder.Open(ctx, cfg, sch, opts...)
	if err != nil {
		return nil, err
	}
	s := &session{Catalog: cat}
	if builtin {
		s.pipeline = &neuro.Pipeline{Store: cat.Store(), DataDir: a.recordingsDir()}
	}
	return s, nil
}

// makeFunc returns the compute function for entity.
func (s *session) makeFunc(entity string) (types.MakeFunc, error) {
	if s.pipeline != nil {
		if mk, ok := s.pipeline.Makers()[entity]; ok {
			return mk, nil
		}
	}
	return nil, usageErrorf("no make function is registered for %s", entity)
}

// usageError marks errors caused by the invocation rather than the system.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// userErrors are store and schema errors the user can fix.
var userErrors = []error{
	types.ErrDuplicateKey,
	types.ErrMissingParent,
	types.ErrForeignKeyViolation,
	types.ErrInvalidRow,
	types.ErrInvalidFilter,
	types.ErrSchema,
	types.ErrCyclicDependency,
	types.ErrUnknownEntity,
	types.ErrCompute,
	types.ErrNotMaterialized,
	types.ErrKeyMismatch,
	types.ErrPartDelete,
	types.ErrPartInsert,
	types.ErrDirectInsert,
	types.ErrDataDirLocked,
	types.ErrBackendEmpty,
	types.ErrBackendUnknown,
	types.ErrSyncStrategyUnknown,
}

func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ue *usageError
	if errors.As(err, &ue) {
		return exitUserError
	}
	for _, target := range userErrors {
		if errors.Is(err, target) {
			return exitUserError
		}
	}
	// Cobra reports flag and argument problems as plain errors.
	if msg := err.Error(); strings.Contains(msg, "unknown flag") ||
		strings.Contains(msg, "unknown command") || strings.Contains(msg, "arg(s)") {
		return exitUserError
	}
	return exitSysError
}
