package main

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/poesterlin/tolino-calibre-sync/internal/tolino"
)

func newPartnersCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "partners",
		Short:       "List the reseller partners with cloud support",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			type partnerEntry struct {
				ID   int    `json:"id"`
				Name string `json:"name"`
			}

			ids := tolino.SupportedPartners()
			entries := make([]partnerEntry, len(ids))
			rows := make([][]string, len(ids))

			for i, id := range ids {
				entries[i] = partnerEntry{ID: id, Name: tolino.PartnerName(id)}
				rows[i] = []string{strconv.Itoa(id), entries[i].Name}
			}

			if cc.Flags.JSON {
				return json.NewEncoder(os.Stdout).Encode(entries)
			}

			printTable(os.Stdout, []string{"ID", "PARTNER"}, rows)

			return nil
		},
	}
}
