// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s%s\n", RenderLabel("Version"), Version)
			fmt.Fprintf(w, "%s%s\n", RenderLabel("Commit"), GitCommit)
			fmt.Fprintf(w, "%s%s\n", RenderLabel("Built"), BuildDate)
			fmt.Fprintf(w, "%s%s %s/%s\n", RenderLabel("Go"), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
