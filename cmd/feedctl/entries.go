package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/app"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/pipeline"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/scheduler"
)

func renderPlan(plan scheduler.Plan) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Task", "Stage", "Priority", "Band"})
	for _, t := range plan.Tasks {
		tw.AppendRow(table.Row{t.Name, t.Stage, t.Priority, t.Band()})
	}
	tw.Render()
}

func planCmd() *cobra.Command {
	var rulesets []string
	var format string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the task plan for a ruleset selection without submitting",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b *app.Backend) error {
				selected, err := b.Scheduler(ctx).Resolve(ctx, rulesets)
				if err != nil {
					return err
				}
				plan, err := scheduler.Compile(domain.Entry{Format: format}, selected)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plan.Tasks)
				}
				renderPlan(plan)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&rulesets, "rulesets", nil, "ruleset identifying names")
	cmd.Flags().StringVar(&format, "format", "gtfs", "feed format")
	return cmd
}

func submitCmd() *cobra.Command {
	var (
		entry    domain.Entry
		rulesets []string
		configs  map[string]string
		metadata map[string]string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a feed for processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			entry.Metadata = metadata
			entry.Configs = make(map[string]json.RawMessage, len(configs))
			for name, raw := range configs {
				if !json.Valid([]byte(raw)) {
					return fmt.Errorf("config of %s is not valid JSON", name)
				}
				entry.Configs[name] = json.RawMessage(raw)
			}

			return withBackend(cmd.Context(), func(ctx context.Context, b *app.Backend) error {
				saved, plan, err := pipeline.Submit(ctx,
					b.Scheduler(ctx), b.Repo(ctx), b.Publisher(ctx),
					entry, rulesets, b.Config().Pipeline.MaxRetries,
				)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				fmt.Println("entry", saved.PublicID)
				renderPlan(plan)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entry.URL, "url", "", "feed download URL")
	cmd.Flags().StringVar(&entry.Format, "format", "gtfs", "feed format")
	cmd.Flags().StringVar(&entry.BusinessID, "business-id", "", "business id of the feed owner")
	cmd.Flags().StringVar(&entry.Etag, "etag", "", "etag of the previously downloaded payload")
	cmd.Flags().StringSliceVar(&rulesets, "rulesets", nil, "ruleset identifying names")
	cmd.Flags().StringToStringVar(&configs, "config-of", nil, "rule configuration as ruleset=JSON")
	cmd.Flags().StringToStringVar(&metadata, "metadata", nil, "free-form key=value metadata")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("business-id")
	return cmd
}

type entryStatus struct {
	Entry      domain.Entry            `json:"entry"`
	Tasks      []domain.Task           `json:"tasks"`
	Severities map[domain.Severity]int `json:"severities"`
	Packages   []domain.Package        `json:"packages"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status PUBLIC_ID",
		Short: "Show an entry with its tasks, finding counts and packages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b *app.Backend) error {
				repo := b.Repo(ctx)
				var st entryStatus
				var err error
				if st.Entry, err = repo.FindEntry(ctx, args[0]); err != nil {
					return fmt.Errorf("entry %s: %w", args[0], err)
				}
				if st.Tasks, err = repo.FindTasks(ctx, st.Entry.ID); err != nil {
					return err
				}
				if st.Severities, err = repo.SeverityCounts(ctx, st.Entry.ID); err != nil {
					return err
				}
				if st.Packages, err = repo.FindPackages(ctx, st.Entry.ID); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}

				fmt.Printf("%s  %s  %s  %s\n", st.Entry.PublicID, st.Entry.Status, st.Entry.Format, st.Entry.URL)

				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Stage", "Priority", "Status", "Started", "Completed"})
				for _, t := range st.Tasks {
					tw.AppendRow(table.Row{t.Name, t.Stage, t.Priority, t.Status, stamp(t.Started), stamp(t.Completed)})
				}
				tw.Render()

				var counts []string
				for _, sv := range []domain.Severity{domain.SeverityCritical, domain.SeverityError, domain.SeverityWarning, domain.SeverityInfo} {
					counts = append(counts, fmt.Sprintf("%s=%d", sv, st.Severities[sv]))
				}
				fmt.Println("findings:", strings.Join(counts, " "))
				for _, p := range st.Packages {
					fmt.Printf("package %s: %s\n", p.Name, p.Path)
				}
				return nil
			})
		},
	}
}

func entriesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List recent entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b *app.Backend) error {
				entries, err := b.Repo(ctx).ListEntries(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Public ID", "Owner", "Format", "Status", "Created", "Completed"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.PublicID, e.BusinessID, e.Format, e.Status, stamp(&e.Created), stamp(e.Completed)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	return cmd
}

func stamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format(time.DateTime)
}
