package services

import (
	"context"
	"fmt"

	"dbflow/internal/models"
	"dbflow/pkg/bkapi"
)

// patchClusterInfo 建单时把集群域名/类型快照进明细，
// 后续节点与展示不再反查资产库
func patchClusterInfo(ctx context.Context, inventory bkapi.InventoryRepository, details models.JSONMap) (models.JSONMap, error) {
	if inventory == nil {
		return details, nil
	}
	ids := details.GetUintSlice("cluster_ids")
	if len(ids) == 0 {
		if id := details.GetUint("cluster_id"); id != 0 {
			ids = []uint{id}
		}
	}
	clusters := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		cluster, err := inventory.GetCluster(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("cluster %d not found in inventory: %w", id, err)
		}
		clusters = append(clusters, map[string]interface{}{
			"cluster_id":    cluster.ID,
			"immute_domain": cluster.ImmuteDomain,
			"cluster_type":  cluster.ClusterType,
		})
	}
	return details.Merge(models.JSONMap{"clusters": clusters}), nil
}

// mysqlBaseBuilder MySQL 系工单的公共部分
type mysqlBaseBuilder struct {
	ticketType string
	inventory  bkapi.InventoryRepository
}

func (b *mysqlBaseBuilder) TicketType() string { return b.ticketType }

func (b *mysqlBaseBuilder) Validate(details models.JSONMap) error {
	return requireClusterTarget(details)
}

func (b *mysqlBaseBuilder) PatchTicketDetail(ctx context.Context, details models.JSONMap) (models.JSONMap, error) {
	return patchClusterInfo(ctx, b.inventory, details)
}

// mysqlHAApplyBuilder 高可用部署：申请资源 → 部署 → 交付
type mysqlHAApplyBuilder struct{ mysqlBaseBuilder }

func (b *mysqlHAApplyBuilder) Validate(details models.JSONMap) error {
	if _, ok := details["resource_spec"]; !ok {
		return fmt.Errorf("details must carry resource_spec")
	}
	if details.GetString("db_module") == "" {
		return fmt.Errorf("details must carry db_module")
	}
	return nil
}

func (b *mysqlHAApplyBuilder) PatchTicketDetail(_ context.Context, details models.JSONMap) (models.JSONMap, error) {
	// 部署单还没有集群，无需快照资产信息
	return details, nil
}

func (b *mysqlHAApplyBuilder) InitTicketFlows(ticket *models.Ticket) []FlowDescriptor {
	return []FlowDescriptor{
		{FlowType: models.FlowTypeResourceApply, Alias: "申请主机资源", Details: ticket.Details.Merge(nil)},
		{FlowType: models.FlowTypeInnerFlow, Alias: "部署高可用集群", Details: ticket.Details.Merge(nil)},
		{FlowType: models.FlowTypeDelivery, Alias: "交付"},
	}
}

// mysqlSwitchBuilder 主从互切：单编排节点
type mysqlSwitchBuilder struct{ mysqlBaseBuilder }

func (b *mysqlSwitchBuilder) InitTicketFlows(ticket *models.Ticket) []FlowDescriptor {
	return []FlowDescriptor{
		{FlowType: models.FlowTypeInnerFlow, Alias: "主从互切", Details: ticket.Details.Merge(nil)},
	}
}

// mysqlFullBackupBuilder 全库备份：只读操作，对其它单据全量放行
type mysqlFullBackupBuilder struct{ mysqlBaseBuilder }

func (b *mysqlFullBackupBuilder) InitTicketFlows(ticket *models.Ticket) []FlowDescriptor {
	return []FlowDescriptor{
		{
			FlowType: models.FlowTypeInnerFlow,
			Alias:    "全库备份",
			Details: ticket.Details.Merge(models.JSONMap{
				"unlock_ticket_types": []string{models.UnlockAll},
			}),
		},
	}
}

// mysqlProxySwitchBuilder 接入层替换
type mysqlProxySwitchBuilder struct{ mysqlBaseBuilder }

func (b *mysqlProxySwitchBuilder) InitTicketFlows(ticket *models.Ticket) []FlowDescriptor {
	return []FlowDescriptor{
		{FlowType: models.FlowTypeResourceApply, Alias: "申请接入层主机", Details: ticket.Details.Merge(nil)},
		{FlowType: models.FlowTypeInnerFlow, Alias: "替换接入层", Details: ticket.Details.Merge(nil)},
	}
}

// mysqlMigrateBuilder 迁移重建：建新从库期间放行互切/备份，
// 切换前经暂停门收回豁免并等人工校验数据
type mysqlMigrateBuilder struct{ mysqlBaseBuilder }

func (b *mysqlMigrateBuilder) InitTicketFlows(ticket *models.Ticket) []FlowDescriptor {
	unlock := []string{models.TicketMySQLMasterSlaveSwitch, models.TicketMySQLHAFullBackup}
	return []FlowDescriptor{
		{FlowType: models.FlowTypeResourceApply, Alias: "申请迁移目标主机", Details: ticket.Details.Merge(nil)},
		{
			FlowType: models.FlowTypeInnerFlow,
			Alias:    "搬迁数据",
			Details: ticket.Details.Merge(models.JSONMap{
				"unlock_ticket_types": unlock,
			}),
		},
		{
			FlowType: models.FlowTypePause,
			Alias:    "切换前人工校验",
			// 暂停占位先继承搬迁期的豁免，再整组收回：校验期间恢复严格互斥
			Details: ticket.Details.Merge(models.JSONMap{
				"unlock_ticket_types":             unlock,
				"release_unlock_ticket_type_list": unlock,
			}),
		},
		{FlowType: models.FlowTypeInnerFlow, Alias: "切换流量", Details: ticket.Details.Merge(nil)},
		{FlowType: models.FlowTypeDelivery, Alias: "交付"},
	}
}

// mysqlRollbackBuilder 定点回档：申请临时机 → 回档
type mysqlRollbackBuilder struct{ mysqlBaseBuilder }

func (b *mysqlRollbackBuilder) Validate(details models.JSONMap) error {
	if err := requireClusterTarget(details); err != nil {
		return err
	}
	if details.GetString("rollback_time") == "" && details.GetString("backup_id") == "" {
		return fmt.Errorf("details must carry rollback_time or backup_id")
	}
	return nil
}

func (b *mysqlRollbackBuilder) InitTicketFlows(ticket *models.Ticket) []FlowDescriptor {
	return []FlowDescriptor{
		{FlowType: models.FlowTypeResourceApply, Alias: "申请回档临时主机", Details: ticket.Details.Merge(nil)},
		{FlowType: models.FlowTypeInnerFlow, Alias: "定点回档", Details: ticket.Details.Merge(nil)},
		{FlowType: models.FlowTypeDelivery, Alias: "交付"},
	}
}

// mysqlLifecycleBuilder 禁用/销毁共用：单编排节点
type mysqlLifecycleBuilder struct {
	mysqlBaseBuilder
	alias string
}

func (b *mysqlLifecycleBuilder) InitTicketFlows(ticket *models.Ticket) []FlowDescriptor {
	return []FlowDescriptor{
		{FlowType: models.FlowTypeInnerFlow, Alias: b.alias, Details: ticket.Details.Merge(nil)},
	}
}

// RegisterMySQLBuilders 注册 MySQL 系全部工单类型
func RegisterMySQLBuilders(registry *BuilderRegistry, inventory bkapi.InventoryRepository) {
	registry.Register(&mysqlHAApplyBuilder{mysqlBaseBuilder{models.TicketMySQLHAApply, inventory}})
	registry.Register(&mysqlSwitchBuilder{mysqlBaseBuilder{models.TicketMySQLMasterSlaveSwitch, inventory}})
	registry.Register(&mysqlFullBackupBuilder{mysqlBaseBuilder{models.TicketMySQLHAFullBackup, inventory}})
	registry.Register(&mysqlProxySwitchBuilder{mysqlBaseBuilder{models.TicketMySQLProxySwitch, inventory}})
	registry.Register(&mysqlMigrateBuilder{mysqlBaseBuilder{models.TicketMySQLMigrateCluster, inventory}})
	registry.Register(&mysqlRollbackBuilder{mysqlBaseBuilder{models.TicketMySQLRollbackCluster, inventory}})
	registry.Register(&mysqlLifecycleBuilder{mysqlBaseBuilder{models.TicketMySQLHADisable, inventory}, "禁用集群"})
	registry.Register(&mysqlLifecycleBuilder{mysqlBaseBuilder{models.TicketMySQLHADestroy, inventory}, "销毁集群"})
}
