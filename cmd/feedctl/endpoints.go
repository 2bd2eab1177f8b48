package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/app"
)

func endpointsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "endpoints", Short: "Manage queue subjects per destination"}

	cmd.AddCommand(&cobra.Command{
		Use:   "set DESTINATION SUBJECT",
		Short: "Route a destination (jobs, validation, conversion) to a subject",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b *app.Backend) error {
				return b.Endpoints(ctx).Set(ctx, args[0], args[1])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove DESTINATION",
		Short: "Restore the default subject of a destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b *app.Backend) error {
				return b.Endpoints(ctx).Remove(ctx, args[0])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered subjects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b *app.Backend) error {
				endpoints, err := b.Endpoints(ctx).List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(endpoints)
				}
				names := make([]string, 0, len(endpoints))
				for n := range endpoints {
					names = append(names, n)
				}
				sort.Strings(names)

				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Destination", "Subject"})
				for _, n := range names {
					tw.AppendRow(table.Row{n, endpoints[n]})
				}
				tw.Render()
				if len(names) == 0 {
					fmt.Println("no overrides; destinations use <subject_prefix>.<destination>")
				}
				return nil
			})
		},
	})
	return cmd
}
