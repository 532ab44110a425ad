package app

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ggonzalez94/trendmoon-cli/internal/entity"
	clierr "github.com/ggonzalez94/trendmoon-cli/internal/errors"
	"github.com/ggonzalez94/trendmoon-cli/internal/model"
	"github.com/ggonzalez94/trendmoon-cli/internal/pipeline"
	"github.com/ggonzalez94/trendmoon-cli/internal/schema"
	"github.com/ggonzalez94/trendmoon-cli/internal/timeframe"
)

type fieldFlag struct {
	name  string
	field string
	kind  string
	usage string
}

var resolveFlags = []fieldFlag{
	{"category", "category", string(entity.KindCategory), "Category name or alias"},
	{"narrative", "narrative", string(entity.KindCategory), "Narrative name or alias (same list as categories)"},
	{"category-name", "category_name", string(entity.KindCategory), "Category name or alias"},
	{"chain", "chain", string(entity.KindPlatform), "Chain name, slug or alias"},
	{"platform", "platform", string(entity.KindPlatform), "Platform name, slug or alias"},
	{"token", "token", string(entity.KindToken), "Token name, symbol or id"},
	{"token-name", "token_name", string(entity.KindToken), "Token name, symbol or id"},
	{"timeframe", "timeframe", "timeframe", "Relative timeframe such as 7d, 2w, 1m, 24h or 1y"},
	{"time-period", "time_period", "timeframe", "Relative timeframe such as 7d, 2w, 1m, 24h or 1y"},
}

func (s *runtimeState) newResolveCommand() *cobra.Command {
	var rawArgs string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve loose argument values to canonical names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := collectArgs(cmd.Flags(), rawArgs)
			if err != nil {
				return err
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			resolved, err := s.resolver.Resolve(ctx, in)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]any(resolved), s.sourceWarnings(), s.cacheMeta())
		},
	}
	for _, f := range resolveFlags {
		cmd.Flags().String(f.name, "", f.usage)
		_ = schema.Annotate(cmd.Flags(), f.name, f.field, f.kind)
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", "JSON object of arguments to resolve; field flags override its keys")
	return cmd
}

// collectArgs merges the --args object with every field flag set on the command line.
func collectArgs(flags *pflag.FlagSet, raw string) (pipeline.Args, error) {
	in := pipeline.Args{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --args", err)
		}
		if in == nil {
			in = pipeline.Args{}
		}
	}
	flags.Visit(func(f *pflag.Flag) {
		if field, ok := schema.FieldOf(f); ok {
			in[field] = f.Value.String()
		}
	})
	if len(in) == 0 {
		return nil, clierr.New(clierr.CodeUsage, "nothing to resolve: set a field flag or --args")
	}
	return in, nil
}

func (s *runtimeState) newTimeframeCommand() *cobra.Command {
	root := &cobra.Command{Use: "timeframe", Short: "Timeframe commands"}
	parse := &cobra.Command{
		Use:   "parse <expr>",
		Short: "Convert a relative timeframe into a start and end date",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr := strings.Join(args, " ")
			rng, ok := timeframe.ParseAt(expr, s.runner.now().UTC())
			if !ok {
				return clierr.Wrap(clierr.CodeNotFound, "parse timeframe", &pipeline.Rejection{
					Field: "timeframe",
					Kind:  "timeframe",
					Value: expr,
				})
			}
			data := model.TimeframeResolution{
				Input:     expr,
				StartDate: rng.Start.UTC(),
				EndDate:   rng.End.UTC(),
				SpanHours: rng.Duration().Hours(),
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass())
		},
	}
	root.AddCommand(parse)
	return root
}
