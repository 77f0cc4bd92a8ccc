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
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		// Dev build: include epoch and commit for troubleshooting
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02")
}

// NewRootCommand builds the wikiimport command tree. The root command runs
// the import.
func NewRootCommand() *cobra.Command {
	f := &importFlags{}
	cmd := &cobra.Command{
		Use:   "wikiimport -d <archive> -o <sqlite> -b <bucket> -P <profile>",
		Short: "Import a WikiComma archive into SQLite and S3",
		Long: `Imports a WikiComma wiki archive into a SQLite index and an S3 bucket.

Sites, pages, revisions and attachment metadata are written to the SQLite
database. Revision sources and attachment bytes are stored once per distinct
SHA-256 hash in the bucket, under the hash as object key.

Runs are incremental: pages already imported are skipped and only new
revisions and attachments are processed. An interrupted run (Ctrl-C) keeps
every page committed so far; rerunning the same command resumes it.

Examples:
  # Import an archive
  wikiimport -d ~/wikicomma -o wiki.db -b wiki-blobs -P archive

  # Write a Markdown report of failures
  wikiimport -d ~/wikicomma -o wiki.db -b wiki-blobs -P archive --report report.md

  # Rehearse without touching S3
  wikiimport -d ~/wikicomma -o wiki.db -b wiki-blobs -P archive --dry-run`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		Version:       getVersionString(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runImport(cmd, f)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.SetVersionTemplate("wikiimport version {{.Version}}\n")
	f.register(cmd)

	cmd.AddCommand(newInitConfigCommand())
	return cmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}
