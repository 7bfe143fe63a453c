package cmd

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newListBinariesCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-binaries",
		Short: "List binaries registered on the tracking service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd, *cfgFile)
			if err != nil {
				return err
			}
			binaries, err := newClient(cfg, log).ListBinaries(cmd.Context())
			if err != nil {
				return err
			}
			if len(binaries) == 0 {
				cmd.Println("No binaries registered.")
				return nil
			}

			tbl := newTable(cmd, table.Row{"ID", "Name", "Configure flags", "Description"})
			for _, b := range binaries {
				tbl.AppendRow(table.Row{b.ID, b.Name, strings.Join(b.Flags, " "), b.Description})
			}
			tbl.Render()
			return nil
		},
	}
}

func newListEnvironmentsCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-environments",
		Short: "List environments registered on the tracking service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd, *cfgFile)
			if err != nil {
				return err
			}
			envs, err := newClient(cfg, log).ListEnvironments(cmd.Context())
			if err != nil {
				return err
			}
			if len(envs) == 0 {
				cmd.Println("No environments registered.")
				return nil
			}

			tbl := newTable(cmd, table.Row{"ID", "Name", "Description"})
			for _, e := range envs {
				tbl.AppendRow(table.Row{e.ID, e.Name, e.Description})
			}
			tbl.Render()
			return nil
		},
	}
}

func newTable(cmd *cobra.Command, header table.Row) table.Writer {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(cmd.OutOrStdout())
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(header)
	return tbl
}
