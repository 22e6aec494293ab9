package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/poesterlin/tolino-calibre-sync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if cc.Flags.JSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")

				return enc.Encode(redactedConfig(cc.Cfg))
			}

			return config.RenderEffective(cc.Cfg, os.Stdout)
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "path",
		Short:       "Print the default config, data and cache locations",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			paths := map[string]string{
				"config":  config.DefaultConfigPath(),
				"state":   config.DefaultStatePath(),
				"token":   config.DefaultTokenPath(),
				"staging": config.DefaultStagingDir(),
			}

			if cc.Flags.JSON {
				return json.NewEncoder(os.Stdout).Encode(paths)
			}

			for _, k := range []string{"config", "state", "token", "staging"} {
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", k, paths[k])
			}

			return nil
		},
	}
}

// redactedConfig returns a copy of cfg with every secret masked.
func redactedConfig(r *config.Resolved) config.Config {
	c := r.Config
	c.Calibre.PreferredFormats = append([]string(nil), c.Calibre.PreferredFormats...)

	for _, s := range []*string{&c.Calibre.Password, &c.Tolino.Password, &c.Tolino.RefreshToken} {
		if *s != "" {
			*s = "********"
		}
	}

	return c
}
