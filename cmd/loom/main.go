package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/artifact"
	"github.com/loomhq/loom/internal/audit"
	"github.com/loomhq/loom/internal/cas"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/coordinator"
	"github.com/loomhq/loom/internal/diffengine"
	"github.com/loomhq/loom/internal/models"
	"github.com/loomhq/loom/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "loom - staged task networks over a versioned artifact store",
	Long: `loom coordinates networks of ordered sub-tasks executed one at a time,
and persists their outputs in a deduplicated, version-controlled content store.`,
}

var (
	cfgPath  string
	dbPath   string
	roleFlag string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&roleFlag, "role", "", "caller role override (policy_setter, planner, executor)")

	rootCmd.AddCommand(networkCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(artifactCmd)
	rootCmd.AddCommand(directiveCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles the components a command needs. The store handle is
// constructed once here and passed down; nothing reopens it lazily.
type app struct {
	cfg       *config.Config
	store     *store.Store
	cas       *cas.CAS
	artifacts *artifact.Manager
	service   *coordinator.Service
	engine    *diffengine.Engine
}

func openApp() (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	path := cfg.DBPath
	if dbPath != "" {
		path = dbPath
	}

	st, err := store.New(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	c := cas.New(st.DB())
	m := artifact.NewManager(st.DB(), c)
	svc := coordinator.NewService(st, c, m, audit.NewRecorder(st))

	return &app{
		cfg:       cfg,
		store:     st,
		cas:       c,
		artifacts: m,
		service:   svc,
		engine:    diffengine.New(m, c),
	}, nil
}

func (a *app) Close() {
	a.store.Close()
}

// callerRole returns the role a command acts as, honoring --role.
func callerRole(natural models.Role) models.Role {
	if roleFlag != "" {
		return models.Role(roleFlag)
	}
	return natural
}
