// Package schema describes the command tree for agents: commands, flags and, for
// flags that feed the resolver, the argument field and entity kind they fill.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	AnnotationField = "trendmoon.field"
	AnnotationKind  = "trendmoon.kind"
)

type CommandSchema struct {
	Path        string          `json:"path"`
	Use         string          `json:"use"`
	Short       string          `json:"short"`
	Aliases     []string        `json:"aliases,omitempty"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	Fields      []string        `json:"fields,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
}

type FlagSchema struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Type      string `json:"type"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Field     string `json:"field,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// Annotate marks flag name as filling argument field with an entity of kind.
func Annotate(flags *pflag.FlagSet, name, field, kind string) error {
	if err := flags.SetAnnotation(name, AnnotationField, []string{field}); err != nil {
		return err
	}
	return flags.SetAnnotation(name, AnnotationKind, []string{kind})
}

// FieldOf returns the argument field a flag fills, if it was annotated.
func FieldOf(f *pflag.Flag) (string, bool) {
	values := f.Annotations[AnnotationField]
	if len(values) == 0 || values[0] == "" {
		return "", false
	}
	return values[0], true
}

func Build(root *cobra.Command, commandPath string) (CommandSchema, error) {
	cmd := root
	for _, p := range strings.Fields(commandPath) {
		next := findChild(cmd, p)
		if next == nil {
			return CommandSchema{}, fmt.Errorf("command not found: %s", commandPath)
		}
		cmd = next
	}
	return serialize(cmd), nil
}

func findChild(cmd *cobra.Command, name string) *cobra.Command {
	for _, c := range cmd.Commands() {
		if c.Name() == name || c.HasAlias(name) {
			return c
		}
	}
	return nil
}

func serialize(cmd *cobra.Command) CommandSchema {
	flags := collectFlags(cmd)
	s := CommandSchema{
		Path:    strings.TrimSpace(cmd.CommandPath()),
		Use:     cmd.Use,
		Short:   cmd.Short,
		Aliases: cmd.Aliases,
		Flags:   flags,
		Fields:  fieldsOf(flags),
	}
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		s.Subcommands = append(s.Subcommands, serialize(sub))
	}
	return s
}

func collectFlags(cmd *cobra.Command) []FlagSchema {
	items := []FlagSchema{}
	cmd.NonInheritedFlags().VisitAll(func(f *pflag.Flag) {
		item := FlagSchema{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Type:      f.Value.Type(),
			Usage:     f.Usage,
			Default:   f.DefValue,
		}
		if field, ok := FieldOf(f); ok {
			item.Field = field
			if kinds := f.Annotations[AnnotationKind]; len(kinds) > 0 {
				item.Kind = kinds[0]
			}
		}
		items = append(items, item)
	})
	return items
}

func fieldsOf(flags []FlagSchema) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, f := range flags {
		if f.Field == "" {
			continue
		}
		if _, ok := seen[f.Field]; ok {
			continue
		}
		seen[f.Field] = struct{}{}
		out = append(out, f.Field)
	}
	sort.Strings(out)
	return out
}
