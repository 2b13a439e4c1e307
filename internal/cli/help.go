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

package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/rollout/internal/commands/shared"
)

const docsURL = "https://tombee.github.io/rollout/reference/cli/"

// CommandDoc describes one command in JSON help output.
type CommandDoc struct {
	Path        string    `json:"path"`
	Short       string    `json:"short"`
	Long        string    `json:"long,omitempty"`
	Usage       string    `json:"usage"`
	Group       string    `json:"group,omitempty"`
	Aliases     []string  `json:"aliases,omitempty"`
	Examples    string    `json:"examples,omitempty"`
	Flags       []FlagDoc `json:"flags,omitempty"`
	Subcommands []string  `json:"subcommands,omitempty"`
}

// FlagDoc describes a flag in JSON help output.
type FlagDoc struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Type      string `json:"type"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Required  bool   `json:"required"`
}

// ExitCodeDoc documents a process exit code.
type ExitCodeDoc struct {
	Code    int    `json:"code"`
	Meaning string `json:"meaning"`
}

// HelpDocument is the JSON form of `rollout help`.
type HelpDocument struct {
	shared.JSONResponse
	Target      *CommandDoc   `json:"target,omitempty"`
	Commands    []CommandDoc  `json:"commands,omitempty"`
	GlobalFlags []FlagDoc     `json:"global_flags"`
	ExitCodes   []ExitCodeDoc `json:"exit_codes"`
	DocsURL     string        `json:"docs_url"`
}

var exitCodes = []ExitCodeDoc{
	{shared.ExitSuccess, "success"},
	{shared.ExitFailed, "run failed or unclassified error"},
	{shared.ExitInvalid, "invalid arguments or request"},
	{shared.ExitNotFound, "project, run or job not found"},
	{shared.ExitUnavailable, "server unreachable or timed out"},
	{shared.ExitAuth, "missing or rejected credentials"},
	{shared.ExitCancelled, "run was cancelled"},
}

// NewHelpCommand returns a help command that can also describe the command
// tree as JSON for scripts and editors.
func NewHelpCommand(root *cobra.Command) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "help [command]",
		Short: "Help about any command",
		Long: `Show help for rollout or one of its commands.

With --json the whole command tree, global flags and exit codes are
written as a single JSON document.`,
		Example: `  rollout help runs show
  rollout help --json | jq '.commands[].path'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := root
			if len(args) > 0 {
				found, _, err := root.Find(args)
				if err != nil {
					return shared.NewInvalidError(fmt.Sprintf("unknown command %q", args[0]), err)
				}
				target = found
			}

			if !shared.GetJSON() && !jsonOutput {
				return target.Help()
			}

			doc := HelpDocument{
				JSONResponse: shared.NewJSONResponse(cmd.CommandPath()),
				GlobalFlags:  flagDocs(root.PersistentFlags(), false),
				ExitCodes:    exitCodes,
				DocsURL:      docsURL,
			}
			if target == root {
				doc.Commands = commandTree(root)
			} else {
				d := describe(target)
				doc.Target = &d
			}
			return shared.EmitJSONTo(cmd.OutOrStdout(), doc)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

// commandTree lists every visible command below root, depth first, sorted by path.
func commandTree(root *cobra.Command) []CommandDoc {
	var docs []CommandDoc
	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		for _, sub := range c.Commands() {
			if !sub.IsAvailableCommand() {
				continue
			}
			docs = append(docs, describe(sub))
			walk(sub)
		}
	}
	walk(root)
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs
}

func describe(c *cobra.Command) CommandDoc {
	d := CommandDoc{
		Path:     c.CommandPath(),
		Short:    c.Short,
		Long:     c.Long,
		Usage:    c.UseLine(),
		Group:    c.Annotations["group"],
		Aliases:  c.Aliases,
		Examples: c.Example,
		Flags:    flagDocs(c.LocalNonPersistentFlags(), true),
	}
	for _, sub := range c.Commands() {
		if !sub.Hidden {
			d.Subcommands = append(d.Subcommands, sub.Name())
		}
	}
	return d
}

func flagDocs(fs *pflag.FlagSet, withRequired bool) []FlagDoc {
	var docs []FlagDoc
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
		docs = append(docs, FlagDoc{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Type:      f.Value.Type(),
			Usage:     f.Usage,
			Default:   f.DefValue,
			Required:  withRequired && required,
		})
	})
	return docs
}
