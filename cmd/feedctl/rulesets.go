package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/app"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/cache"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/transport/ops"
)

// catalogFile is the YAML layout accepted by `rulesets import`.
type catalogFile struct {
	Rulesets  []domain.Ruleset          `yaml:"rulesets"`
	Overrides []domain.SeverityOverride `yaml:"overrides"`
}

func rulesetsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rulesets", Short: "Manage the ruleset catalog"}
	cmd.AddCommand(rulesetsImportCmd())
	cmd.AddCommand(rulesetsListCmd())
	return cmd
}

func rulesetsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Create or update rulesets and severity overrides from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var file catalogFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			return withBackend(cmd.Context(), func(ctx context.Context, b *app.Backend) error {
				catalog := b.Catalog(ctx)
				for _, r := range file.Rulesets {
					if r.Category == "" {
						r.Category = domain.CategoryGeneric
					}
					saved, err := catalog.UpsertRuleset(ctx, r)
					if err != nil {
						return fmt.Errorf("ruleset %s: %w", r.IdentifyingName, err)
					}
					fmt.Printf("ruleset %s (id %d)\n", saved.IdentifyingName, saved.ID)
				}

				repo := b.Repo(ctx)
				for _, o := range file.Overrides {
					if err := repo.UpsertSeverityOverride(ctx, o); err != nil {
						return fmt.Errorf("override %s/%s/%s: %w", o.OwnerID, o.Ruleset, o.Code, err)
					}
					fmt.Printf("override %s %s %s -> %s\n", o.OwnerID, o.Ruleset, o.Code, o.Severity)
				}

				// Running services otherwise keep serving cached rulesets until the TTL expires.
				if err := ops.PurgeRemote(ctx, nil, b.Config().Ops.Peers, cache.RulesetsName); err != nil {
					fmt.Fprintf(os.Stderr, "warning: ruleset caches not purged: %v\n", err)
				}
				return nil
			})
		},
	}
}

func rulesetsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rulesets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b *app.Backend) error {
				rulesets, err := b.Repo(ctx).ListRulesets(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rulesets)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Type", "Format", "Owner", "Before", "After"})
				for _, r := range rulesets {
					tw.AppendRow(table.Row{
						r.IdentifyingName, r.Type, r.Format, r.OwnerID,
						strings.Join(r.BeforeDependencies, ","),
						strings.Join(r.AfterDependencies, ","),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func overridesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "overrides", Short: "Manage per-owner severity overrides"}

	var o domain.SeverityOverride
	var severity string
	set := &cobra.Command{
		Use:   "set",
		Short: "Override the severity of one finding code for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, err := domain.ParseSeverity(strings.ToUpper(severity))
			if err != nil {
				return err
			}
			o.Severity = sv
			return withBackend(cmd.Context(), func(ctx context.Context, b *app.Backend) error {
				return b.Repo(ctx).UpsertSeverityOverride(ctx, o)
			})
		},
	}
	set.Flags().StringVar(&o.OwnerID, "owner", "", "business id of the feed owner")
	set.Flags().StringVar(&o.Ruleset, "ruleset", "", "ruleset identifying name")
	set.Flags().StringVar(&o.Code, "code", "", "finding code")
	set.Flags().StringVar(&severity, "severity", "", "CRITICAL, ERROR, WARNING, INFO or NONE")
	for _, f := range []string{"owner", "ruleset", "code", "severity"} {
		_ = set.MarkFlagRequired(f)
	}

	cmd.AddCommand(set)
	return cmd
}
