package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BaSui01/cohortdiag/internal/migration"
)

// =============================================================================
// 🗄️ 中心存储迁移命令
// =============================================================================

// runMigrate 解析 --config 后把剩余参数交给 migration.CLI
func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), migration.Usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	migrator, err := migration.NewMigratorFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer migrator.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := migration.NewCLI(migrator).Run(ctx, fs.Args()); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("migration interrupted: %w", err)
		}
		return err
	}
	return nil
}
