package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/trendmoon-cli/internal/entity"
	"github.com/ggonzalez94/trendmoon-cli/internal/model"
)

func (s *runtimeState) newEntityListCommand(use, short string, kind entity.Kind) *cobra.Command {
	root := &cobra.Command{Use: use, Short: short}
	var search string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: fmt.Sprintf("List available %s with the aliases that resolve to them", use),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := s.commandContext()
			defer cancel()
			if _, err := s.entities.EnsureFresh(ctx); err != nil {
				if !s.entities.Initialized() {
					return err
				}
				s.log.Warn().Err(err).Msg("entity refresh failed, listing previous state")
			}

			items := entityOptions(s.index.Entities(kind))
			if strings.TrimSpace(search) != "" {
				items = filterByNames(items, s.index.Suggest(kind, search, len(items)))
			}
			if limit > 0 && len(items) > limit {
				items = items[:limit]
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, s.sourceWarnings(), s.cacheMeta())
		},
	}
	list.Flags().StringVar(&search, "search", "", "Fuzzy filter on canonical names, best match first")
	list.Flags().IntVar(&limit, "limit", 0, "Maximum number of entries (0 = all)")
	root.AddCommand(list)
	return root
}

func entityOptions(entities []entity.Entity) []model.EntityOption {
	out := make([]model.EntityOption, 0, len(entities))
	for _, e := range entities {
		out = append(out, model.EntityOption{ID: e.ID, Name: e.Name, Aliases: e.Aliases})
	}
	return out
}

// filterByNames keeps the options named in names, in the order of names.
func filterByNames(items []model.EntityOption, names []string) []model.EntityOption {
	byName := make(map[string]model.EntityOption, len(items))
	for _, item := range items {
		byName[item.Name] = item
	}
	out := make([]model.EntityOption, 0, len(names))
	for _, name := range names {
		if item, ok := byName[name]; ok {
			out = append(out, item)
		}
	}
	return out
}
