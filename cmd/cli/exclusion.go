package main

import (
	"fmt"

	"dbflow/internal/config"
	"dbflow/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// exclusionCheckCmd 校验互斥矩阵 CSV 能否加载，并抽查给定工单类型对
var exclusionCheckCmd = &cobra.Command{
	Use:   "check-exclusion [candidate] [running]",
	Short: "Validate the exclusion matrix CSV and optionally probe one type pair",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		svc := services.NewExclusionService(cfg.Exclusion.MatrixPath, logrus.StandardLogger())
		if err := svc.Load(); err != nil {
			return err
		}
		fmt.Printf("exclusion matrix %s loaded\n", cfg.Exclusion.MatrixPath)
		if len(args) == 2 {
			fmt.Printf("%s vs running %s: exclusive=%v\n", args[0], args[1], svc.Exclusive(args[0], args[1]))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exclusionCheckCmd)
}
