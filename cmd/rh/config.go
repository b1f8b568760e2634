package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/roundhouse"
	"gorm.io/gorm"
)

const defaultConfigPath = "roundhouse.yaml"

func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigPath, "path to Roundhouse config file")
}

// loadConfig reads configPath. A missing default file falls back to the
// built-in defaults; a missing file named with --config is an error.
func loadConfig(cmd *cobra.Command, configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

// connectFromConfig loads the config and opens a migrated database.
func connectFromConfig(cmd *cobra.Command, configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return nil, nil, err
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// openDaemon builds the full component graph without starting any loops.
func openDaemon(cmd *cobra.Command, configPath string) (*config.Config, *roundhouse.Daemon, error) {
	cfg, gormDB, err := connectFromConfig(cmd, configPath)
	if err != nil {
		return nil, nil, err
	}
	d, err := roundhouse.New(context.Background(), roundhouse.Opts{
		Config: cfg,
		DB:     gormDB,
		Out:    cmd.OutOrStdout(),
		Logger: cmdLogger(cmd),
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, d, nil
}


func cmdLogger(cmd *cobra.Command) *log.Logger {
	return log.New(cmd.ErrOrStderr(), "", log.LstdFlags)
}
