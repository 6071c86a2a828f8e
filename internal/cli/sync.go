package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/objectstore/internal/config"
	"github.com/fruitsalade/objectstore/internal/storage"
)

func (a *app) syncStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-status <path>",
		Short: "Compare an object on the primary against every mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reports, err := a.svc.SyncStatus(cmd.Context(), args[0])
			if err != nil {
				return a.explain(err)
			}
			if a.jsonOut {
				return printJSON(cmd, reports)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MIRROR\tSTATE\tUPLOAD UID")
			for _, r := range reports {
				uid := "-"
				if r.Replica != nil && r.Replica.Sync != nil {
					uid = r.Replica.Sync.UploadUID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.Mirror, r.State, uid)
			}
			return w.Flush()
		},
	}
}

func (a *app) replicateCmd() *cobra.Command {
	var mirrors []string
	cmd := &cobra.Command{
		Use:   "replicate <path>",
		Short: "Copy an object from the primary to mirrors that are not in sync",
		Long: `Copy an object from the primary to one or more mirrors. Without --mirror
every mirror whose copy is missing, diverged or unstamped is updated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := mirrors
			if len(targets) == 0 {
				reports, err := a.svc.SyncStatus(cmd.Context(), args[0])
				if err != nil {
					return a.explain(err)
				}
				for _, r := range reports {
					if r.State != storage.SyncInSync {
						targets = append(targets, r.Mirror)
					}
				}
			}

			var errs []error
			for _, name := range targets {
				meta, err := a.svc.Replicate(cmd.Context(), args[0], name)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", name, a.explain(err)))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d bytes\n", name, meta.FullPath, meta.ContentLength)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringSliceVarP(&mirrors, "mirror", "m", nil, "Mirror to copy to (repeatable)")
	return cmd
}

func (a *app) providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List configured provider instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			primary := a.svc.Primary().Name
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDRIVER\tCONTAINER\tROLE")
			for _, b := range append([]storage.Backend{a.svc.Primary()}, a.svc.Mirrors()...) {
				role := "mirror"
				if b.Name == primary {
					role = "primary"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.Name, b.Driver.Name(), b.Paths.Container, role)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			for _, kind := range config.Kinds() {
				if n := a.cfg.Providers.Count(kind); n > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", kind, n)
				}
			}
			return nil
		},
	}
}
