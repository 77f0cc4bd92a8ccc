// Copyright 2026 WikiImport Authors
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

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"wikiimport/internal/artifacts"
)

const defaultConfigName = "wikiimport.yaml"

func newInitConfigCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write the default configuration file",
		Long: `Writes the annotated default configuration to path (default ./` + defaultConfigName + `).

Use the file with --config or by setting WIKIIMPORT_CONFIG. An existing file
is left untouched unless --force is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := defaultConfigName
			if len(args) > 0 {
				target = args[0]
			}
			return runInitConfig(cmd, target, force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}

func runInitConfig(cmd *cobra.Command, target string, force bool) error {
	absPath, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	if _, err := os.Stat(absPath); err == nil && !force {
		// Config already exists, don't overwrite
		fmt.Fprintf(cmd.OutOrStdout(), "%s already exists (not modified)\n", absPath)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(absPath, artifacts.DefaultConfig, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", absPath)
	return nil
}
