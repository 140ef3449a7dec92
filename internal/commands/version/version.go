// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package version

import (
	"fmt"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/unitd/internal/commands/shared"
)

// VersionInfo is the build metadata printed by `unitd version`.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func currentInfo() VersionInfo {
	v, commit, date := shared.GetVersion()
	return VersionInfo{
		Version:   v,
		Commit:    commit,
		BuildDate: date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// NewVersionCommand creates `unitd version`.
func NewVersionCommand() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := currentInfo()
			out := cmd.OutOrStdout()

			switch {
			case shared.GetJSON():
				return shared.WriteJSON(out, info)
			case short:
				fmt.Fprintln(out, info.Version)
				return nil
			}

			fmt.Fprintf(out, "unitd version %s\n", info.Version)
			tw := tabwriter.NewWriter(out, 0, 0, 1, ' ', 0)
			fmt.Fprintf(tw, "  commit:\t%s\n", info.Commit)
			fmt.Fprintf(tw, "  built:\t%s\n", info.BuildDate)
			fmt.Fprintf(tw, "  go:\t%s %s\n", info.GoVersion, info.Platform)
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&short, "short", false, "Print only the version number")
	return cmd
}
