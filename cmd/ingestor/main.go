package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	bizConfig "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/application"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/gormdb"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/migrate"
	_ "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/registry_ext"
)

var Version = "v0.1.0"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "ingestor",
		Short:         "Batch resource ingestion service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if configPath != "" {
				_ = os.Setenv(appconsts.ENV_CONFIG_PATH, configPath)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error { return serve() },
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default $"+appconsts.ENV_CONFIG_PATH+" or "+appconsts.DEFAULT_CONFIG_PATH+")")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, continuation chain and background workers",
		RunE:  func(cmd *cobra.Command, args []string) error { return serve() },
	})

	var dir string
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQL migrations to the ingest datasource",
		RunE:  func(cmd *cobra.Command, args []string) error { return runMigrations(cmd.Context(), dir) },
	}
	migrateCmd.Flags().StringVar(&dir, "dir", "migrations", "directory containing *.sql migration files")
	root.AddCommand(migrateCmd)

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Fatalf("app exited with error: %v", err)
	}
}

func serve() error {
	app := application.GetApp()
	app.SetBizConfig(bizConfig.GetBizConfig())
	return app.Run()
}

// runMigrations boots the container without starting it and only brings up logging and gorm_db.
func runMigrations(ctx context.Context, dir string) error {
	app := application.GetApp()
	app.SetBizConfig(bizConfig.GetBizConfig())
	if err := app.Boot(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	for _, name := range []string{appconsts.COMPONENT_LOGGING, appconsts.COMPONENT_GORM} {
		comp, err := app.GetComponent(name)
		if err != nil {
			return fmt.Errorf("migrate needs %s: %w", name, err)
		}
		if err := comp.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		defer func() { _ = comp.Stop(context.Background()) }()
	}

	comp, _ := app.GetComponent(appconsts.COMPONENT_GORM)
	gormComp, ok := comp.(*gormdb.GormComponent)
	if !ok {
		return fmt.Errorf("gorm_db type assertion failed")
	}
	ds := bizConfig.GetBizConfig().Store.Datasource
	gdb, err := gormComp.GetDB(ds)
	if err != nil {
		return err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	abs, _ := filepath.Abs(dir)
	applied, err := migrate.Run(ctx, sqlDB, abs)
	if err != nil {
		return err
	}
	log.Printf("migrations applied to %s from %s: %v", ds, abs, applied)
	return nil
}
