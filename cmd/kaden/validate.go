package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kaden/internal/kaden/app"
)

func newValidateCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate <file.yaml>",
		Short: "Check automations in a Home Assistant YAML file against the entity catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateCatalog(); err != nil {
				return err
			}
			reports, err := app.CheckFile(cmd.Context(), app.NewCatalog(cfg), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			invalid := 0
			for _, r := range reports {
				if !r.Result.Valid {
					invalid++
				}
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return err
				}
			} else {
				for _, r := range reports {
					mark := "✅"
					if !r.Result.Valid {
						mark = "❌"
					}
					fmt.Fprintf(out, "%s %s (%s)\n", mark, r.Alias, r.ID)
					for _, i := range r.Result.Issues {
						fmt.Fprintf(out, "   %s: %s\n", i.Severity, i.Correction())
					}
				}
				fmt.Fprintf(out, "%d automations, %d invalid\n", len(reports), invalid)
			}
			if invalid > 0 {
				exit(exitInvalid)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the reports as JSON")
	return cmd
}
