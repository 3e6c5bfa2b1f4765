package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oicur0t/smlog/internal/logfiles"
	"github.com/oicur0t/smlog/internal/logkind"
)

func newListCmd(a *app) *cobra.Command {
	var kindName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available logs of a kind, newest first",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := a.kind(kindName)
			if err != nil {
				return err
			}
			return a.listLogs(kind)
		},
	}
	cmd.Flags().StringVarP(&kindName, "kind", "k", "", "Log kind to list (default from config)")
	return cmd
}

func (a *app) listLogs(kind *logkind.Kind) error {
	dir := a.cfg.LogsDir
	infos, err := logfiles.Discover(dir, kind.Stem)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		return usageError("no %s logs found in %s", kind.Name, dir)
	}

	fmt.Fprintf(a.stdout, "Available %s logs in %s:\n", kind.Name, dir)
	for _, info := range infos {
		suffix := ""
		if info.Zipped {
			suffix = " (zip)"
		}
		fmt.Fprintf(a.stdout, "  %s -> %s%s\n", info.Label(), filepath.Base(info.Path), suffix)
	}
	return nil
}

func newKindsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List supported log kinds",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tFILE STEM\tGROUPING\tALIASES")
			for _, k := range logkind.All() {
				grouping := "by timestamp"
				if k.Grouped {
					grouping = "by identifier"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", k.Name, k.Stem, grouping, strings.Join(k.Aliases(), ", "))
			}
			return w.Flush()
		},
	}
}

func newPruneCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove stale copies from the staging directory",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			retention := a.cfg.StagingRetention
			if cmd.Flags().Changed("older-than") {
				retention = olderThan
			}
			report, err := logfiles.Prune(a.cfg.StagingDir, retention, time.Now())
			if err != nil {
				return err
			}
			for _, w := range report.Warnings {
				fmt.Fprintln(a.stderr, w)
			}
			fmt.Fprintf(a.stdout, "Pruned %d of %d staged file(s) older than %s from %s\n",
				report.Removed, report.Scanned, retention, a.cfg.StagingDir)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", logfiles.DefaultRetention, "Remove staged files older than this")
	return cmd
}
