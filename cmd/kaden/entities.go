package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kaden/internal/kaden/app"
)

func newEntitiesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "entities",
		Short: "List the entities and areas kaden can reference",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateCatalog(); err != nil {
				return err
			}
			snap, err := app.NewCatalog(cfg).Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"entities": snap.Entities(), "areas": snap.Areas()})
			}
			fmt.Fprintf(out, "%d entities\n%s\nAreas:\n%s", snap.Len(), snap.Digest(nil, 1<<20), snap.AreaDigest())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entities and areas as JSON")
	return cmd
}
