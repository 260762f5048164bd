package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/ukaji3/xlrecalc-go/internal/cluster"
	"github.com/ukaji3/xlrecalc-go/internal/config"
	"github.com/ukaji3/xlrecalc-go/pkg/recalc"
	"github.com/ukaji3/xlrecalc-go/pkg/recalc/models"
	"github.com/ukaji3/xlrecalc-go/pkg/recalc/storage"
)

type recalcFlags struct {
	configPath             string
	strictMissingWorkbooks bool
	fullCalcOnLoad         bool
	maxCalcIterations      uint
	password               string
	verify                 bool
	jsonOutput             bool
	failIf                 string
	verbose                bool

	// distributed variant only
	namenodes []string
	user      string
	appName   string
}

// session is a started cluster session.
type session interface {
	FileSystem() storage.FileSystem
	Stop() error
}

// startSession starts the cluster session of a distributed run.
var startSession = func(ctx context.Context, cfg cluster.Config, log *slog.Logger) (session, error) {
	s, err := cluster.Start(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewLocalCommand returns the command recalculating workbooks on the local
// filesystem.
func NewLocalCommand() *cobra.Command {
	flags := &recalcFlags{}
	cmd := &cobra.Command{
		Use:   "xlrecalc <input.xlsx> <output.xlsx>",
		Short: "Recalculate every formula of a workbook and save it",
		Long: `Open a workbook, discard every cached formula result, recalculate all
formulas and write the workbook with the fresh cached values.

Formulas that cannot be evaluated hold an error marker such as #DIV/0! or
#REF!; they do not fail the run. References to external workbooks resolve to
#REF! unless --strict-missing-workbooks is set.

Exit codes:
  0  success
  1  the workbook could not be loaded, recalculated or saved
  2  bad arguments, or the --fail-if expression matched

Examples:
  xlrecalc report.xlsx report-recalculated.xlsx
  xlrecalc --verify --fail-if "Errors > 0" report.xlsx report.xlsx
  xlrecalc --json model.xlsx out.xlsx`,
		Version:       Version,
		SilenceErrors: true,
		Args:          exactArgs(2, "<input> and <output>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecalc(cmd, args, flags, localBackend)
		},
	}
	addRecalcFlags(cmd, flags)
	return cmd
}

// NewHDFSCommand returns the command recalculating workbooks stored on a
// Hadoop distributed filesystem inside a cluster session.
func NewHDFSCommand() *cobra.Command {
	flags := &recalcFlags{}
	cmd := &cobra.Command{
		Use:   "xlrecalc-hdfs <hdfs://input.xlsx> <hdfs://output.xlsx>",
		Short: "Recalculate every formula of a workbook stored on HDFS",
		Long: `Start a cluster session, open a workbook from HDFS, discard every cached
formula result, recalculate all formulas and write the workbook back to HDFS.
The session is stopped on every exit path.

Locators are hdfs://namenode:port/path URIs or absolute paths on the
configured default filesystem. The cluster identity comes from the Hadoop
configuration ($HADOOP_CONF_DIR), Kerberos credential cache or
$HADOOP_USER_NAME.

Exit codes:
  0  success
  1  the workbook could not be loaded, recalculated or saved
  2  bad arguments, or the --fail-if expression matched

Examples:
  xlrecalc-hdfs hdfs://nn:8020/models/plan.xlsx hdfs://nn:8020/models/plan-recalc.xlsx
  xlrecalc-hdfs --namenode nn1:8020 --user etl /data/in.xlsx /data/out.xlsx`,
		Version:       Version,
		SilenceErrors: true,
		Args:          exactArgs(2, "<input> and <output>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecalc(cmd, args, flags, hdfsBackend)
		},
	}
	addRecalcFlags(cmd, flags)
	cmd.Flags().StringArrayVar(&flags.namenodes, "namenode", nil, "Namenode address host:port (repeatable; env: XLRECALC_HDFS_NAMENODE)")
	cmd.Flags().StringVar(&flags.user, "user", "", "Cluster user for simple authentication (env: XLRECALC_HDFS_USER, HADOOP_USER_NAME)")
	cmd.Flags().StringVar(&flags.appName, "app-name", "", "Cluster session application name (env: XLRECALC_APP_NAME)")
	return cmd
}

func addRecalcFlags(cmd *cobra.Command, flags *recalcFlags) {
	cmd.SetFlagErrorFunc(flagError)
	cmd.Flags().StringVar(&flags.configPath, "config", "", "Configuration file (env: XLRECALC_CONFIG; default: xlrecalc.toml next to the executable)")
	cmd.Flags().BoolVar(&flags.strictMissingWorkbooks, "strict-missing-workbooks", false, "Fail when a formula references an unavailable external workbook")
	cmd.Flags().BoolVar(&flags.fullCalcOnLoad, "full-calc-on-load", false, "Ask spreadsheet applications to recalculate again when opening the output")
	cmd.Flags().UintVar(&flags.maxCalcIterations, "max-calc-iterations", 0, "Engine iteration limit while resolving a formula (default from config)")
	cmd.Flags().StringVar(&flags.password, "password", "", "Password of an encrypted workbook; the output is encrypted with it too")
	cmd.Flags().BoolVar(&flags.verify, "verify", false, "Recalculate and report only; do not write the output")
	cmd.Flags().BoolVar(&flags.jsonOutput, "json", false, "Print the run summary as JSON")
	cmd.Flags().StringVar(&flags.failIf, "fail-if", "", `Exit 2 when this expression over the summary is true, e.g. "Errors > 0"`)
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "Log every formula error")
}

// exactArgs prints the usage and fails with ExitUsage unless exactly n
// arguments are given.
func exactArgs(n int, expected string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) == n {
			return nil
		}
		cmd.SilenceUsage = true
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: expected %s, got %d argument(s)\n", expected, len(args))
		fmt.Fprint(cmd.ErrOrStderr(), cmd.UsageString())
		return &ExitError{Code: ExitUsage}
	}
}

// flagError reports an unparsable command line with ExitUsage.
func flagError(cmd *cobra.Command, err error) error {
	cmd.SilenceUsage = true
	fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
	fmt.Fprint(cmd.ErrOrStderr(), cmd.UsageString())
	return &ExitError{Code: ExitUsage}
}

// backend opens the store a run reads from and writes to. The returned
// release function is always called before the run ends.
type backend func(ctx context.Context, flags *recalcFlags, cfg *config.Config, input string, log *slog.Logger) (recalc.Store, func(), error)

func localBackend(context.Context, *recalcFlags, *config.Config, string, *slog.Logger) (recalc.Store, func(), error) {
	return storage.NewLocal(), func() {}, nil
}

func hdfsBackend(ctx context.Context, flags *recalcFlags, cfg *config.Config, input string, log *slog.Logger) (recalc.Store, func(), error) {
	clusterCfg := cluster.Config{
		AppName:     cfg.HDFS.AppName,
		Namenodes:   cfg.HDFS.Namenodes,
		User:        cfg.HDFS.User,
		Krb5Config:  cfg.HDFS.Krb5Config,
		CCache:      cfg.HDFS.CCache,
		DialTimeout: time.Duration(cfg.HDFS.DialTimeout),
	}
	if len(flags.namenodes) > 0 {
		clusterCfg.Namenodes = flags.namenodes
	}
	if len(clusterCfg.Namenodes) == 0 {
		if nn := storage.NamenodeOf(input); nn != "" {
			clusterCfg.Namenodes = []string{nn}
		}
	}
	if flags.user != "" {
		clusterCfg.User = flags.user
	}
	if flags.appName != "" {
		clusterCfg.AppName = flags.appName
	}

	sess, err := startSession(ctx, clusterCfg, log)
	if err != nil {
		return nil, func() {}, err
	}
	release := func() {
		if err := sess.Stop(); err != nil {
			log.Warn("stopping cluster session", "error", err)
		}
	}
	return storage.NewHDFS(sess.FileSystem()), release, nil
}

func runRecalc(cmd *cobra.Command, args []string, flags *recalcFlags, open backend) error {
	cmd.SilenceUsage = true
	input, output := args[0], args[1]
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	policy, err := compileFailPolicy(flags.failIf)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return &ExitError{Code: ExitUsage}
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fail(stdout, stderr, fmt.Errorf("loading configuration: %w", err))
	}

	log, runID := newLogger(stderr, flags.verbose)
	log.Info("starting", "input", input, "output", output)
	defer log.Info("exiting")

	opts := flags.options(cfg, log)
	store, release, err := open(cmd.Context(), flags, cfg, input, log)
	defer release()
	if err != nil {
		return fail(stdout, stderr, err)
	}

	summary, err := recalc.Run(cmd.Context(), store, input, output, opts)
	summary.RunID = runID
	if err != nil {
		return fail(stdout, stderr, err)
	}

	if err := printSummary(stdout, summary, flags.jsonOutput); err != nil {
		return err
	}
	failed, err := policy.failed(summary)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return &ExitError{Code: ExitFailure}
	}
	if failed {
		fmt.Fprintf(stderr, "--fail-if %q matched\n", flags.failIf)
		return &ExitError{Code: ExitPolicy}
	}
	return nil
}

func (f *recalcFlags) options(cfg *config.Config, log *slog.Logger) recalc.RunOptions {
	ignoreMissing := cfg.Recalc.IgnoreMissingWorkbooks && !f.strictMissingWorkbooks
	opts := recalc.RunOptions{
		Options: recalc.Options{
			IgnoreMissingWorkbooks: &ignoreMissing,
			MaxCalcIterations:      cfg.Recalc.MaxCalcIterations,
			FullCalcOnLoad:         cfg.Recalc.FullCalcOnLoad || f.fullCalcOnLoad,
			Password:               f.password,
			Logger:                 log,
		},
		Verify: f.verify,
	}
	if f.maxCalcIterations > 0 {
		opts.MaxCalcIterations = f.maxCalcIterations
	}
	return opts
}

// fail reports a run failure on both output streams, followed by the error
// chain on stderr.
func fail(stdout, stderr io.Writer, err error) error {
	msg := "Error processing Excel file: " + err.Error()
	fmt.Fprintln(stderr, msg)
	fmt.Fprintln(stdout, msg)
	printTrace(stderr, err)
	return &ExitError{Code: ExitFailure}
}

func printTrace(w io.Writer, err error) {
	for depth := 0; err != nil; depth++ {
		kind := ""
		if k := recalc.Kind(err); k != nil {
			kind = " [" + k.Error() + "]"
		}
		fmt.Fprintf(w, "%*s%T%s: %v\n", depth*2, "", err, kind, err)
		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			errs := x.Unwrap()
			err = nil
			if len(errs) > 0 {
				err = errs[len(errs)-1]
			}
		default:
			err = errors.Unwrap(err)
		}
	}
}

func printSummary(w io.Writer, summary models.Summary, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	if n := len(summary.Errors); n > 0 {
		fmt.Fprintf(w, "%d error", n)
		if n != 1 {
			fmt.Fprint(w, "s")
		}
		fmt.Fprintln(w, ":")
		for _, e := range summary.Errors {
			detail := ""
			if e.Detail != "" {
				detail = " ← " + e.Detail
			}
			fmt.Fprintf(w, "  %-20s %-30s %s%s\n", e.Address(), e.Formula, e.Value, detail)
		}
	}
	fmt.Fprintf(w, "%d cells recalculated in %d sheets, %d errors, %d changed",
		summary.Formulas, summary.Sheets, len(summary.Errors), len(summary.Changed))
	if summary.MissingWorkbooks > 0 {
		fmt.Fprintf(w, ", %d missing workbook references", summary.MissingWorkbooks)
	}
	fmt.Fprintln(w)

	if !summary.Saved {
		changed := append([]string(nil), summary.Changed...)
		sort.Strings(changed)
		fmt.Fprintf(w, "\nChanged (%d):\n", len(changed))
		if len(changed) == 0 {
			fmt.Fprintln(w, "  (none)")
		}
		for _, addr := range changed {
			fmt.Fprintf(w, "  %s\n", addr)
		}
	}
	return nil
}
