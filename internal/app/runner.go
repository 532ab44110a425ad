package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/trendmoon-cli/internal/cache"
	"github.com/ggonzalez94/trendmoon-cli/internal/config"
	"github.com/ggonzalez94/trendmoon-cli/internal/entity"
	clierr "github.com/ggonzalez94/trendmoon-cli/internal/errors"
	"github.com/ggonzalez94/trendmoon-cli/internal/logging"
	"github.com/ggonzalez94/trendmoon-cli/internal/model"
	"github.com/ggonzalez94/trendmoon-cli/internal/out"
	"github.com/ggonzalez94/trendmoon-cli/internal/pipeline"
	"github.com/ggonzalez94/trendmoon-cli/internal/providers"
	"github.com/ggonzalez94/trendmoon-cli/internal/providers/trendmoon"
	"github.com/ggonzalez94/trendmoon-cli/internal/schema"
	"github.com/ggonzalez94/trendmoon-cli/internal/version"
)

// remoteCallBudget bounds a command that may fetch both lists and run one token search.
const remoteCallBudget = 3

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner       *Runner
	flags        config.GlobalFlags
	settings     config.Settings
	log          zerolog.Logger
	root         *cobra.Command
	lastCommand  string
	lastWarnings []string

	lookup   *trendmoon.Client
	store    *cache.Store
	index    *entity.Index
	entities *entity.Cache
	resolver *pipeline.Resolver
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, log: zerolog.Nop()}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	defer state.close()
	if err == nil {
		return 0
	}

	state.renderError("", err, state.lastWarnings)
	return clierr.ExitCode(err)
}

func (s *runtimeState) close() {
	if s.lookup == nil {
		return
	}
	if err := s.lookup.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close remote lookup session")
	}
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Resolve crypto categories, chains, tokens and timeframes to canonical names",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.log = logging.New(s.runner.stderr, settings.LogLevel, logging.FormatAuto)

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if !needsEntities(path) {
				return nil
			}
			return s.setupServices()
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Remote lookup request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per remote lookup request")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&s.flags.CacheDir, "cache-dir", "", "Directory for entity list snapshots")
	cmd.PersistentFlags().BoolVar(&s.flags.NoDiskCache, "no-disk-cache", false, "Do not read or write entity list snapshots")
	cmd.PersistentFlags().BoolVar(&s.flags.NoTokenSearch, "no-token-search", false, "Resolve tokens from seed data only")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newResolveCommand())
	cmd.AddCommand(s.newEntityListCommand("categories", "Category (narrative) commands", entity.KindCategory))
	cmd.AddCommand(s.newEntityListCommand("platforms", "Platform (chain) commands", entity.KindPlatform))
	cmd.AddCommand(s.newCacheCommand())
	cmd.AddCommand(s.newTimeframeCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// setupServices wires the alias index, the refresh chain behind it and the resolver.
func (s *runtimeState) setupServices() error {
	if s.resolver != nil {
		return nil
	}
	settings := s.settings

	tables, err := entity.LoadTables(settings.AliasTablesPath)
	if err != nil {
		return clierr.Wrap(clierr.CodeUsage, "load alias tables", err)
	}

	var (
		lookup providers.Lookup
		search entity.TokenSearcher
	)
	client := trendmoon.New(trendmoon.Config{
		Command: settings.ServerCommand,
		URL:     settings.ServerURL,
		APIKey:  settings.APIKey,
		Timeout: settings.Timeout,
		Retries: settings.Retries,
		Version: version.CLIVersion,
	}, s.log.With().Str("component", "trendmoon").Logger())
	if client.Configured() {
		s.lookup = client
		lookup = client
		if settings.TokenSearch {
			search = client
		}
	}

	var snapshots entity.SnapshotStore
	if settings.DiskCacheEnabled {
		store, err := cache.Open(settings.CacheDir, settings.CacheLockPath)
		if err != nil {
			s.log.Warn().Err(err).Str("dir", settings.CacheDir).Msg("snapshot directory unavailable, disk cache disabled")
		} else {
			s.store = store
			snapshots = store
		}
	}

	s.index = entity.NewIndex(tables, search, s.log.With().Str("component", "index").Logger())
	s.entities = entity.NewCache(s.index, lookup, snapshots, cache.NewStatic(settings.StaticDir), entity.CacheOptions{
		Duration:        settings.CacheDuration,
		EnableDiskCache: snapshots != nil,
		Now:             s.runner.now,
		Logger:          s.log.With().Str("component", "entity_cache").Logger(),
	})
	s.resolver = pipeline.New(s.entities, s.index, pipeline.Options{
		Now:    s.runner.now,
		Logger: s.log.With().Str("component", "resolver").Logger(),
	})
	return nil
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = strings.Join(args, " ")
			}
			data, err := schema.Build(s.root, path)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass())
		},
	}
	return cmd
}

// commandContext bounds one command. Each remote call carries its own timeout as well.
func (s *runtimeState) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.settings.Timeout*remoteCallBudget)
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus) error {
	s.lastWarnings = warnings
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Cache:     cacheStatus,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := "internal_error"
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
		switch cErr.Code {
		case clierr.CodeUsage:
			typ = "usage_error"
		case clierr.CodeAuth:
			typ = "auth_error"
		case clierr.CodeRateLimited:
			typ = "rate_limited"
		case clierr.CodeUnavailable:
			typ = "provider_unavailable"
		case clierr.CodeUnsupported:
			typ = "unsupported"
		case clierr.CodeStale:
			typ = "stale_data"
		case clierr.CodeNotFound:
			typ = "not_found"
		case clierr.CodeUninitialized:
			typ = "uninitialized"
		}
	}

	var details any
	if rejection, ok := pipeline.AsRejection(err); ok {
		details = rejection
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
			Details: details,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Cache:     s.cacheMeta(),
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

// cacheMeta describes the entity lists the command ran against.
func (s *runtimeState) cacheMeta() model.CacheStatus {
	if s.entities == nil {
		return cacheMetaBypass()
	}
	info := s.entities.Info()
	if !info.Initialized {
		return cacheMetaMiss()
	}
	return model.CacheStatus{
		Status: "hit",
		Source: info.Source,
		AgeMS:  info.AgeMS,
		Stale:  info.AgeMS > info.CacheDurationMS || info.Source == string(entity.SourceStatic),
	}
}

// sourceWarnings flags results produced from degraded entity lists.
func (s *runtimeState) sourceWarnings() []string {
	if s.entities == nil {
		return nil
	}
	if info := s.entities.Info(); info.Initialized && info.Source == string(entity.SourceStatic) {
		return []string{"remote lookup unavailable; entity lists served from static fallback"}
	}
	return nil
}

func newRequestID() string {
	return ulid.Make().String()
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass", AgeMS: 0, Stale: false}
}

func cacheMetaMiss() model.CacheStatus {
	return model.CacheStatus{Status: "miss", AgeMS: 0, Stale: false}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func needsEntities(commandPath string) bool {
	switch normalizeCommandPath(commandPath) {
	case "", "version", "schema", "timeframe", "timeframe parse":
		return false
	default:
		return true
	}
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}
