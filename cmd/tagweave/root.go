package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tagweave/tagweave/internal/config"
	"github.com/tagweave/tagweave/internal/graph"
	"github.com/tagweave/tagweave/internal/logging"
	"github.com/tagweave/tagweave/internal/remote"
	"github.com/tagweave/tagweave/internal/storage"
	"github.com/tagweave/tagweave/internal/sync"
	"github.com/tagweave/tagweave/internal/txn"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tagweave",
	Short: "Tag/page data core with offline sync",
	Long: `tagweave hosts the data store, transaction coordinator, and sync
engine behind a browser tagging UI. State lives in local JSON blobs and
reconciles with a shared backend using last-write-wins merges.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (YAML)")
}

// core bundles the wired components commands operate on.
type core struct {
	cfg     *config.Config
	logw    io.Writer
	adapter *storage.FileAdapter
	coord   *txn.Coordinator
	backend *remote.SQLiteBackend
	engine  *sync.Engine
}

func (c *core) close() {
	if c.backend != nil {
		_ = c.backend.Close()
	}
}

// buildCore wires adapter, store, coordinator, backend, and engine from
// configuration. withRemote controls whether the backend database is
// opened; purely local commands skip it.
func buildCore(withRemote bool) (*core, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logw := logging.Output(cfg.Log)

	adapter, err := storage.NewFileAdapter(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	coord := txn.New(graph.NewStore(), adapter, txn.NewBus(), logging.New(logw, "txn"))
	coord.IncludeStacks = cfg.Log.Stacks

	c := &core{cfg: cfg, logw: logw, adapter: adapter, coord: coord}

	if withRemote {
		backend, err := remote.OpenSQLite(cfg.Remote.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open remote backend: %w", err)
		}
		c.backend = backend
		c.engine = sync.NewEngine(coord, backend, adapter, logging.New(logw, "sync"))
		c.engine.SetUser(cfg.Remote.UserID)
	}

	return c, nil
}
