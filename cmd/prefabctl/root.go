package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"prefabcore/internal/config"
	"prefabcore/internal/core"
	"prefabcore/pkg/dom"
)

// app carries state shared by subcommands. The service is opened on first
// use so document-only commands never touch storage.
type app struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
	store      core.PersistentStore
	svc        *core.Service
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "prefabctl",
		Short: "Inspect, load and package prefab templates",
		Long: `prefabctl works with prefab template documents.

It diffs and patches documents, loads template files and the templates they
nest, prints nesting trees and packages propagated templates into a blob
store. Storage and blob backends come from the YAML file named by --config
or PREFABCORE_CONFIG, overridden by PREFABCORE_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	cmd.AddCommand(
		newDiffCommand(),
		newApplyCommand(),
		newLoadCommand(a),
		newTreeCommand(a),
		newExportCommand(a),
		newPackageCommand(a),
	)
	return cmd
}

func (a *app) init(stderr io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(stderr, opts)
	if strings.EqualFold(cfg.Log.Format, "json") {
		handler = slog.NewJSONHandler(stderr, opts)
	}
	a.cfg = cfg
	a.logger = slog.New(handler)
	return nil
}

func (a *app) service() (*core.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	store, err := core.OpenStore(a.cfg.Storage.Driver, a.cfg.Storage.Target(), a.cfg.RulesEngine())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.cfg.Storage.Driver, err)
	}
	a.store = store
	a.svc = core.NewService(store,
		core.WithLogger(a.logger),
		core.WithHistoryLimit(a.cfg.History.Limit),
	)
	a.logger.Debug("opened template store", "driver", a.cfg.Storage.Driver)
	return a.svc, nil
}

// loadAll registers every path found under root and drains propagation so
// the store holds settled documents.
func (a *app) loadAll(ctx context.Context, root string, paths []string) (*core.Service, error) {
	svc, err := a.service()
	if err != nil {
		return nil, err
	}
	fsys := os.DirFS(root)
	for _, p := range paths {
		if _, err := svc.LoadTemplate(ctx, fsys, p); err != nil {
			return nil, err
		}
	}
	if _, err := svc.UpdateTemplateInstancesInQueue(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

func (a *app) close() error {
	if c, ok := a.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func readDocument(path string) (dom.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	v, err := dom.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

func writeDocument(w io.Writer, v dom.Value) error {
	out, err := dom.SerializeIndent(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

var errNoTemplates = errors.New("no templates registered; pass template paths or use a persistent storage driver")
