package services

import (
	"context"
	"fmt"

	"dbflow/internal/models"
	"dbflow/pkg/bkapi"
)

// autofixBuilder 告警自愈单（Redis/Mongo 共用）：系统建单，
// 瞬时失败自动重试，不等人工
type autofixBuilder struct {
	ticketType string
	alias      string
	inventory  bkapi.InventoryRepository
}

func (b *autofixBuilder) TicketType() string { return b.ticketType }

func (b *autofixBuilder) Validate(details models.JSONMap) error {
	if err := requireClusterTarget(details); err != nil {
		return err
	}
	if details.GetString("role") == "" {
		return fmt.Errorf("details must carry role")
	}
	if len(details.GetStringSlice("hosts")) == 0 {
		return fmt.Errorf("details must carry hosts")
	}
	return nil
}

func (b *autofixBuilder) PatchTicketDetail(ctx context.Context, details models.JSONMap) (models.JSONMap, error) {
	return patchClusterInfo(ctx, b.inventory, details)
}

func (b *autofixBuilder) InitTicketFlows(ticket *models.Ticket) []FlowDescriptor {
	return []FlowDescriptor{
		{FlowType: models.FlowTypeResourceApply, Alias: "申请替换主机", Details: ticket.Details.Merge(nil)},
		{
			FlowType:  models.FlowTypeInnerFlow,
			Alias:     b.alias,
			RetryType: models.RetryAuto,
			Details:   ticket.Details.Merge(nil),
		},
	}
}

// resourceReturnBuilder 资源退回：把工单占用的主机导回资源池。
// 由回收分发器在父单终态时派生，也可人工直接建。
type resourceReturnBuilder struct{}

func (b *resourceReturnBuilder) TicketType() string { return models.TicketResourceReturn }

func (b *resourceReturnBuilder) Validate(details models.JSONMap) error {
	if _, ok := details["hosts"]; !ok {
		return fmt.Errorf("details must carry hosts to return")
	}
	return nil
}

func (b *resourceReturnBuilder) PatchTicketDetail(_ context.Context, details models.JSONMap) (models.JSONMap, error) {
	return details, nil
}

func (b *resourceReturnBuilder) InitTicketFlows(ticket *models.Ticket) []FlowDescriptor {
	return []FlowDescriptor{
		{
			FlowType:  models.FlowTypeInnerFlow,
			Alias:     "退回主机资源",
			RetryType: models.RetryAuto,
			Details:   ticket.Details.Merge(nil),
		},
	}
}

// failoverDrillBuilder 故障切换演练单：演练编排器建单驱动
type failoverDrillBuilder struct {
	inventory bkapi.InventoryRepository
}

func (b *failoverDrillBuilder) TicketType() string { return models.TicketFailoverDrill }

func (b *failoverDrillBuilder) Validate(details models.JSONMap) error {
	if err := requireClusterTarget(details); err != nil {
		return err
	}
	if details.GetString("target_ip") == "" {
		return fmt.Errorf("details must carry target_ip")
	}
	return nil
}

func (b *failoverDrillBuilder) PatchTicketDetail(ctx context.Context, details models.JSONMap) (models.JSONMap, error) {
	return patchClusterInfo(ctx, b.inventory, details)
}

func (b *failoverDrillBuilder) InitTicketFlows(ticket *models.Ticket) []FlowDescriptor {
	return []FlowDescriptor{
		{FlowType: models.FlowTypeInnerFlow, Alias: "注入故障", Details: ticket.Details.Merge(nil)},
	}
}

// RegisterAutofixBuilders 注册自愈/演练/资源退回工单类型
func RegisterAutofixBuilders(registry *BuilderRegistry, inventory bkapi.InventoryRepository) {
	registry.Register(&autofixBuilder{models.TicketRedisClusterAutofix, "替换故障 Redis 节点", inventory})
	registry.Register(&autofixBuilder{models.TicketMongoClusterAutofix, "替换故障 Mongo 节点", inventory})
	registry.Register(&resourceReturnBuilder{})
	registry.Register(&failoverDrillBuilder{inventory})
}
