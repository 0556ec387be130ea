package main

import (
	"context"
	"fmt"

	"dbflow/internal/config"
	"dbflow/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// sweepCmd 手工触发台账清扫：删掉没有存活流程背书的互斥记录
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove cluster operation records whose backing flow is no longer alive",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
		)
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		ledger := services.NewLedgerService(db, logrus.StandardLogger(), nil)
		removed, err := ledger.StartupSweep(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("removed %d stale ledger records\n", removed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
