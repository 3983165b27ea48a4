// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-relay/internal/model"
)

// modelJSON is the --json shape of one catalog entry.
type modelJSON struct {
	Key         string `json:"key"`
	UpstreamID  string `json:"upstream_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Default     bool   `json:"default"`
}

func newModelsCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the model catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			reg, err := cfg.Registry()
			if err != nil {
				return err
			}
			if asJSON {
				return writeModelsJSON(cmd.OutOrStdout(), reg)
			}
			writeModelsTable(cmd.OutOrStdout(), reg)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func writeModelsJSON(w io.Writer, reg *model.Registry) error {
	out := make([]modelJSON, 0, reg.Len())
	for _, d := range reg.List() {
		out = append(out, modelJSON{
			Key:         d.Key,
			UpstreamID:  d.UpstreamID,
			Name:        d.Title(),
			Description: d.Description,
			Default:     d.Key == reg.DefaultKey(),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeModelsTable(w io.Writer, reg *model.Registry) {
	fmt.Fprintln(w, TitleStyle.Render("Models"))
	fmt.Fprintln(w, RenderSeparator())
	for _, d := range reg.List() {
		key := fmt.Sprintf("%-10s", d.Key)
		if d.Key == reg.DefaultKey() {
			key = HighlightStyle.Render(key)
		}
		fmt.Fprintf(w, "%s %-40s %s\n", key, d.UpstreamID, DimStyle.Render(d.Description))
	}
	fmt.Fprintln(w, RenderSeparator())
	fmt.Fprintln(w, DimStyle.Render(fmt.Sprintf("default: %s  (switch with /model <key>)", reg.DefaultKey())))
}
