package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/andrej220/opsflow/internal/builtin"
	"github.com/andrej220/opsflow/internal/modload"
	"github.com/andrej220/opsflow/pkg/notifier"
	"github.com/andrej220/opsflow/pkg/plugin"
	"github.com/andrej220/opsflow/pkg/registry"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var pluginDir, notifierDir string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the registered plugins and notifiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			plugins, notifiers := plugin.NewRegistry(), notifier.NewRegistry()
			if err := builtin.RegisterPlugins(plugins); err != nil {
				return err
			}
			if err := builtin.RegisterNotifiers(notifiers); err != nil {
				return err
			}

			var loadErr error
			if pluginDir != "" {
				loadErr = modload.New(plugins, builtin.PluginKinds(), nil).LoadFromDirectory(pluginDir)
			}
			if notifierDir != "" && loadErr == nil {
				loadErr = modload.New(notifiers, builtin.NotifierKinds(), nil).LoadFromDirectory(notifierDir)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tNAME\tORIGIN\tDESCRIPTION")
			for _, reg := range []*registry.Registry{plugins, notifiers} {
				for _, e := range reg.Entries() {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", reg.Kind(), e.Name(), e.Origin(), e.Description())
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			return loadErr
		},
	}
	cmd.Flags().StringVar(&pluginDir, "plugins", "", "directory of plugin manifests")
	cmd.Flags().StringVar(&notifierDir, "notifiers", "", "directory of notifier manifests")
	return cmd
}
