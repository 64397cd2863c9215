// File: cmd/paths.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jogjitu/vibium/internal/paths"
)

func newPathsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print browser and cache paths",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()

			cacheDir, err := paths.CacheDir()
			if err != nil {
				fmt.Fprintf(out, "Cache directory: error: %v\n", err)
			} else {
				fmt.Fprintf(out, "Cache directory: %s\n", cacheDir)
			}

			chromePath, err := paths.ChromeExecutable()
			if err != nil {
				fmt.Fprintln(out, "Chrome: not found")
			} else {
				fmt.Fprintf(out, "Chrome: %s\n", chromePath)
			}

			driverPath, err := paths.ChromedriverPath()
			if err != nil {
				fmt.Fprintln(out, "Chromedriver: not found")
			} else {
				fmt.Fprintf(out, "Chromedriver: %s\n", driverPath)
			}
		},
	}
}
