package main

import (
	"context"
	"fmt"

	"dbflow/internal/config"
	"dbflow/pkg/bkapi"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	importIPs     []string
	importCloudID uint
	importBizID   uint
	importSpec    string
)

// resourceImportCmd 把退役/回收的主机直接导回资源池，
// 绕开工单流程（通常在资源退回单失败后人工兜底）
var resourceImportCmd = &cobra.Command{
	Use:   "resource-import",
	Short: "Import hosts back into the resource pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(importIPs) == 0 {
			return fmt.Errorf("at least one --ip is required")
		}
		cfg := config.Load()
		broker := bkapi.NewResourceClient(bkapi.ClientConfig{
			BaseURL: cfg.External.Resource.BaseURL,
			APIKey:  cfg.External.Resource.APIKey,
			Timeout: cfg.External.Resource.Timeout,
		}, logrus.StandardLogger())

		hosts := make([]map[string]interface{}, 0, len(importIPs))
		for _, ip := range importIPs {
			hosts = append(hosts, map[string]interface{}{
				"ip":          ip,
				"bk_cloud_id": importCloudID,
			})
		}
		params := map[string]interface{}{
			"bk_biz_id": importBizID,
			"hosts":     hosts,
		}
		if importSpec != "" {
			params["spec"] = importSpec
		}
		if err := broker.Import(context.Background(), params); err != nil {
			return fmt.Errorf("resource import: %w", err)
		}
		fmt.Printf("imported %d hosts into the resource pool\n", len(hosts))
		return nil
	},
}

func init() {
	resourceImportCmd.Flags().StringSliceVar(&importIPs, "ip", nil, "host IP to import (repeatable)")
	resourceImportCmd.Flags().UintVar(&importCloudID, "cloud-id", 0, "cloud area id of the hosts")
	resourceImportCmd.Flags().UintVar(&importBizID, "biz-id", 0, "business the hosts belong to")
	resourceImportCmd.Flags().StringVar(&importSpec, "spec", "", "spec label applied to the imported hosts")
	rootCmd.AddCommand(resourceImportCmd)
}
