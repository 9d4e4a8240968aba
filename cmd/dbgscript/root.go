package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joeycumines/go-dbgtest"
	"github.com/joeycumines/go-dbgtest/internal/script"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
)

const quitTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:   "dbgscript",
	Short: "Run scripted debugger sessions",
	Long: `dbgscript starts a debugger against a scenario or a core file, loads the
plugin under test, then runs a TOML script of commands and expected output.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a script against a new debugger session",
	Args:  cobra.NoArgs,
	RunE:  runScript,
}

var rangesCmd = &cobra.Command{
	Use:   "ranges <core> <dest>",
	Short: "Generate a memory ranges file for a core dump",
	Args:  cobra.ExactArgs(2),
	RunE:  runRanges,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "TOML config file")
	rootCmd.PersistentFlags().Bool("debug", false, "log debugger output to stderr")

	runCmd.Flags().StringP("script", "s", "", "TOML script to run (relative paths resolve against the scripts dir)")
	runCmd.Flags().String("scenario", "", "fixture to launch under the debugger")
	runCmd.Flags().String("core", "", "core file to load")
	runCmd.Flags().String("executable", "", "executable that produced the core (default is the configured target)")
	runCmd.Flags().String("ranges", "", "ranges file to pass to the plugin")
	runCmd.Flags().Bool("generate-ranges", false, "generate a ranges file for the core before loading it")
	runCmd.Flags().Duration("timeout", 0, "default wait timeout (default is the configured timeout)")
	runCmd.Flags().Bool("pty", false, "attach the debugger to a pseudo terminal")
	_ = runCmd.MarkFlagRequired("script")
	runCmd.MarkFlagsOneRequired("scenario", "core")
	runCmd.MarkFlagsMutuallyExclusive("scenario", "core")
	runCmd.MarkFlagsMutuallyExclusive("ranges", "generate-ranges")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(rangesCmd)
}

// loadConfig resolves the config file flag, applying the shared flags.
func loadConfig(cmd *cobra.Command) (dbgtest.Config, *logiface.Logger[logiface.Event], error) {
	cfg := dbgtest.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := dbgtest.LoadConfigFile(path)
		if err != nil {
			return cfg, nil, err
		}
		cfg = *loaded
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Debug = true
		cfg.Logger = stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(cmd.ErrOrStderr())),
			stumpy.L.WithLevel(logiface.LevelDebug),
		).Logger()
	}
	return cfg, cfg.Logger, nil
}

func runScript(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()

	if d, _ := flags.GetDuration("timeout"); d > 0 {
		cfg.Timeout = d
	}
	if usePTY, _ := flags.GetBool("pty"); usePTY {
		cfg.PTY = true
	}

	scriptPath, _ := flags.GetString("script")
	if !filepath.IsAbs(scriptPath) {
		if _, err := os.Stat(scriptPath); errors.Is(err, os.ErrNotExist) {
			scriptPath = filepath.Join(cfg.ScriptsDir, scriptPath)
		}
	}
	s, err := script.Load(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to load script: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	opts := []dbgtest.Option{dbgtest.WithConfig(cfg)}

	var session *dbgtest.Session
	if scenario, _ := flags.GetString("scenario"); scenario != "" {
		session, err = dbgtest.NewScenarioSession(ctx, scenario, opts...)
	} else {
		core, _ := flags.GetString("core")
		executable, _ := flags.GetString("executable")
		if executable == "" {
			executable = cfg.Target
		}
		rangesFile, _ := flags.GetString("ranges")
		if generate, _ := flags.GetBool("generate-ranges"); generate {
			rangesFile = cfg.TempPath("ranges")
			if err := generateRanges(ctx, core, rangesFile, opts); err != nil {
				return err
			}
			defer os.Remove(rangesFile)
		}
		if rangesFile != "" {
			opts = append(opts, dbgtest.WithRangesFile(rangesFile))
		}
		session, err = dbgtest.NewCoreSession(ctx, executable, core, opts...)
	}
	if err != nil {
		return fmt.Errorf("failed to start debugger: %w", err)
	}

	runner := script.Runner{Out: cmd.OutOrStdout(), Logger: logger}
	runErr := runner.Run(ctx, session, s)

	if runErr == nil {
		session.Quit()
		quitCtx, cancel := context.WithTimeout(ctx, quitTimeout)
		defer cancel()
		if err := session.WaitExit(quitCtx); err != nil {
			logger.Warning().
				Err(err).
				Log(`debugger did not exit cleanly`)
		}
	}

	if err := session.Close(); err != nil {
		return errors.Join(runErr, fmt.Errorf("failed to close session: %w", err))
	}
	return runErr
}

func runRanges(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := generateRanges(ctx, args[0], args[1], []dbgtest.Option{dbgtest.WithConfig(cfg)}); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[1])
	return nil
}

func generateRanges(ctx context.Context, core, dest string, opts []dbgtest.Option) error {
	ch := make(chan error, 1)
	dbgtest.GenerateRanges(ctx, core, dest, func(err error) { ch <- err }, opts...)
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
