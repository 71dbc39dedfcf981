package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/stackman/pkg/bundle"
	"github.com/cuemby/stackman/pkg/log"
	"github.com/cuemby/stackman/pkg/manager"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var rootCmd = &cobra.Command{
	Use:   "stackman-fsck",
	Short: "Check and repair a stopped stackman data directory",
	Long: `stackman-fsck renumbers bundle and prototype version order, drops
mapping edges that point at missing or foreign objects and recomputes the
issues and concern links of every object tree.

Run it only while the daemon is stopped.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().String("data-dir", "/var/lib/stackman", "Stackman data directory")
	rootCmd.Flags().Bool("dry-run", false, "Report problems without changing anything")
	rootCmd.Flags().Bool("backup", true, "Copy the database to <db>.backup before repairing")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// danglingEdges returns the mapping edges of a cluster whose host is not
// bound to it or whose component or service is gone
func danglingEdges(tx storage.Tx, clusterID uint64) ([]types.HostComponent, error) {
	edges, err := tx.ListHostComponents(clusterID)
	if err != nil {
		return nil, err
	}
	var bad []types.HostComponent
	for _, e := range edges {
		host, err := tx.GetHost(e.HostID)
		if err != nil || host.ClusterID != clusterID {
			bad = append(bad, e)
			continue
		}
		comp, err := tx.GetComponent(e.ComponentID)
		if err != nil || comp.ServiceID != e.ServiceID || comp.ClusterID != clusterID {
			bad = append(bad, e)
		}
	}
	return bad, nil
}

// scan checks every cluster concurrently, each in its own read snapshot
func scan(store storage.Store) (map[uint64][]types.HostComponent, error) {
	var clusters []*types.Cluster
	if err := store.View(func(tx storage.Tx) error {
		var err error
		clusters, err = tx.ListClusters()
		return err
	}); err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		found = make(map[uint64][]types.HostComponent)
		g     errgroup.Group
	)
	g.SetLimit(8)
	for _, c := range clusters {
		c := c
		g.Go(func() error {
			return store.View(func(tx storage.Tx) error {
				bad, err := danglingEdges(tx, c.ID)
				if err != nil {
					return fmt.Errorf("cluster %d: %w", c.ID, err)
				}
				if len(bad) > 0 {
					mu.Lock()
					found[c.ID] = bad
					mu.Unlock()
				}
				return nil
			})
		})
	}
	return found, g.Wait()
}

func run(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	backup, _ := cmd.Flags().GetBool("backup")
	jsonOut, _ := cmd.Flags().GetBool("log-json")

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: jsonOut})
	logger := log.WithComponent("fsck")

	dbPath := filepath.Join(dataDir, storage.DBFileName)
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("database not found at %s: %w", dbPath, err)
	}
	if backup && !dryRun {
		if err := copyFile(dbPath, dbPath+".backup"); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
		logger.Info().Str("path", dbPath+".backup").Msg("Backup created")
	}

	mgr, err := manager.NewManager(&manager.Config{DataDir: dataDir})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer mgr.Stop()
	store := mgr.Store()

	found, err := scan(store)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	for clusterID, bad := range found {
		for _, e := range bad {
			logger.Warn().
				Uint64("cluster_id", clusterID).
				Uint64("host_id", e.HostID).
				Uint64("component_id", e.ComponentID).
				Msg("Dangling mapping edge")
		}
	}
	if dryRun {
		logger.Info().Int("clusters_with_problems", len(found)).Msg("Dry run complete")
		return nil
	}

	err = store.Update(func(tx storage.Tx) error {
		if err := bundle.Reorder(tx); err != nil {
			return fmt.Errorf("failed to reorder versions: %w", err)
		}
		for clusterID, bad := range found {
			if err := tx.ApplyMappingDelta(clusterID, nil, bad); err != nil {
				return fmt.Errorf("failed to drop edges of cluster %d: %w", clusterID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// orphan locks, issues and concern links
	if err := mgr.Reconcile(); err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}
	logger.Info().Int("clusters_repaired", len(found)).Msg("Repair complete")
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0600)
}
