package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/CZERTAINLY/conductor/internal/history"
	"github.com/CZERTAINLY/conductor/internal/registry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func doValidate(cmd *cobra.Command, args []string) error {
	reg, err := registry.New(config.Workers)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "config:  %s\nworkers: %d\norder:   %s\n",
		configPath, reg.Len(), strings.Join(reg.TopoOrder(), " -> "))
	return nil
}

type graphNode struct {
	Name         string   `yaml:"name"`
	Command      []string `yaml:"command,flow"`
	Delay        string   `yaml:"delay,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty,flow"`
	Dependents   []string `yaml:"dependents,omitempty,flow"`
}

func graph(reg *registry.Registry) []graphNode {
	nodes := make([]graphNode, 0, reg.Len())
	for _, w := range reg.Workers() {
		n := graphNode{
			Name:         w.Name,
			Command:      w.Command,
			Dependencies: w.Dependencies,
			Dependents:   reg.DirectDependents(w.Name),
		}
		if w.Delay > 0 {
			n.Delay = w.Delay.String()
		}
		nodes = append(nodes, n)
	}
	return nodes
}

func doGraph(cmd *cobra.Command, args []string) error {
	reg, err := registry.New(config.Workers)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(graph(reg)); err != nil {
		return err
	}
	return enc.Close()
}

func doHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	worker, err := cmd.Flags().GetString("worker")
	if err != nil {
		return err
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	path := defaultHistoryPath
	if config.History != nil && config.History.Path != "" {
		path = config.History.Path
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("history %s: %w", path, err)
	}
	db, err := openHistory(ctx, config.History)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	runs, err := history.List(ctx, db, worker, limit)
	if err != nil {
		return err
	}
	return printRuns(cmd.OutOrStdout(), runs)
}

func printRuns(w io.Writer, runs []history.RunRow) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tSTATE\tPID\tSTARTED\tSTOPPED\tEXIT\tREASON")
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		reason := "-"
		if r.Reason != nil {
			reason = *r.Reason
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.Worker, r.State, r.Pid, fmtTime(r.Started), fmtTime(r.Stopped), exit, reason)
	}
	return tw.Flush()
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
