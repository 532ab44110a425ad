package app

import (
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/trendmoon-cli/internal/entity"
	clierr "github.com/ggonzalez94/trendmoon-cli/internal/errors"
	"github.com/ggonzalez94/trendmoon-cli/internal/model"
)

func (s *runtimeState) newCacheCommand() *cobra.Command {
	root := &cobra.Command{Use: "cache", Short: "Entity list cache commands"}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show in-process cache state and the newest snapshot on disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report := model.CacheReport{
				Cache:       s.entities.Info(),
				DiskEnabled: s.store != nil,
			}
			if s.store != nil {
				report.SnapshotDir = s.store.Dir()
				at, ok, err := s.store.Latest()
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "read snapshot directory", err)
				}
				if ok {
					latest := at.UTC()
					age := s.runner.now().Sub(at)
					report.LatestSnapshot = &latest
					report.SnapshotAgeMS = age.Milliseconds()
					report.SnapshotFresh = age < s.settings.CacheDuration
				}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), report, nil, cacheMetaBypass())
		},
	}

	var force bool
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Populate the entity lists, skipping fresh snapshots with --force",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := s.commandContext()
			defer cancel()

			var (
				src entity.Source
				err error
			)
			if force {
				src, err = s.entities.Refresh(ctx)
			} else {
				s.entities.Invalidate()
				src, err = s.entities.EnsureFresh(ctx)
			}
			if err != nil {
				return err
			}
			data := model.RefreshResult{Source: string(src), Cache: s.entities.Info()}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, s.sourceWarnings(), s.cacheMeta())
		},
	}
	refresh.Flags().BoolVar(&force, "force", false, "Fetch from the remote lookup even when a fresh snapshot exists")

	root.AddCommand(status, refresh)
	return root
}
