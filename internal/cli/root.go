// Package cli implements the storagectl command tree.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/objectstore/internal/config"
	"github.com/fruitsalade/objectstore/internal/logging"
	"github.com/fruitsalade/objectstore/internal/storage"
	"github.com/fruitsalade/objectstore/internal/storage/provider"
)

var Version = "dev"

// app holds state shared by every command of one invocation.
type app struct {
	configPath string
	verbose    bool
	jsonOut    bool

	cfg    *config.Config
	svc    *storage.Service
	closer io.Closer
}

// NewRootCmd builds a fresh command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:     "storagectl",
		Short:   "Inspect and manage objectstore providers",
		Version: Version,
		Long: `storagectl talks to the configured storage providers directly, without
a running server. It reads the same configuration file and OBJECTSTORE_*
environment variables as the server.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.open,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to config file (or set "+config.EnvConfigPath+")")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log provider activity to stderr")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "Print results as JSON")

	root.AddCommand(
		a.lsCmd(),
		a.statCmd(),
		a.getCmd(),
		a.putCmd(),
		a.rmCmd(),
		a.mvCmd(),
		a.cpCmd(),
		a.mkdirCmd(),
		a.syncStatusCmd(),
		a.replicateCmd(),
		a.providersCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) open(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	level := "warn"
	if a.verbose {
		level = "debug"
	}
	if err := logging.Init(logging.Config{Level: level, Format: "console", OutputPath: "stderr"}); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}

	svc, closer, err := provider.NewService(cmd.Context(), cfg, nil)
	if err != nil {
		return err
	}
	a.cfg, a.svc, a.closer = cfg, svc, closer
	return nil
}

func (a *app) close() error {
	logging.Sync()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

// printJSON writes v indented to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// explain turns a storage error into a message for the terminal. Provider
// detail is kept only in verbose mode.
func (a *app) explain(err error) error {
	if err == nil || a.verbose {
		return err
	}
	return errors.New(storage.SafeMessage(err))
}
