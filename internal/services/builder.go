package services

import (
	"context"
	"fmt"
	"sync"

	"dbflow/internal/models"
)

// TicketBuilder 一种工单类型的建单逻辑：校验明细、补全明细、
// 给出流水线节点。人工节点（审批/确认）不在这里声明，由
// FlowConfig 在建单时按作用域插入。
type TicketBuilder interface {
	TicketType() string
	Validate(details models.JSONMap) error
	PatchTicketDetail(ctx context.Context, details models.JSONMap) (models.JSONMap, error)
	InitTicketFlows(ticket *models.Ticket) []FlowDescriptor
}

// BuilderRegistry 工单类型 → builder 的注册表
type BuilderRegistry struct {
	mu       sync.RWMutex
	builders map[string]TicketBuilder
	fallback TicketBuilder
}

func NewBuilderRegistry() *BuilderRegistry {
	return &BuilderRegistry{
		builders: map[string]TicketBuilder{},
		fallback: &genericBuilder{},
	}
}

// Register 注册一种工单类型；重复注册视为编程错误
func (r *BuilderRegistry) Register(b TicketBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.builders[b.TicketType()]; ok {
		panic(fmt.Sprintf("ticket builder for %s registered twice", b.TicketType()))
	}
	r.builders[b.TicketType()] = b
}

// Get 取工单类型的 builder，未注册的类型落到通用 builder
func (r *BuilderRegistry) Get(ticketType string) TicketBuilder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.builders[ticketType]; ok {
		return b
	}
	return r.fallback
}

// Types 已注册的工单类型清单
func (r *BuilderRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.builders))
	for t := range r.builders {
		types = append(types, t)
	}
	return types
}

// requireClusterTarget 明细里必须能定位到至少一个集群
func requireClusterTarget(details models.JSONMap) error {
	if len(details.GetUintSlice("cluster_ids")) > 0 || details.GetUint("cluster_id") != 0 {
		return nil
	}
	return fmt.Errorf("details must carry cluster_ids or cluster_id")
}

// genericBuilder 未注册类型的兜底：单个编排节点直通
type genericBuilder struct{}

func (b *genericBuilder) TicketType() string { return "" }

func (b *genericBuilder) Validate(details models.JSONMap) error {
	return requireClusterTarget(details)
}

func (b *genericBuilder) PatchTicketDetail(_ context.Context, details models.JSONMap) (models.JSONMap, error) {
	return details, nil
}

func (b *genericBuilder) InitTicketFlows(ticket *models.Ticket) []FlowDescriptor {
	return []FlowDescriptor{
		{
			FlowType: models.FlowTypeInnerFlow,
			Alias:    "执行",
			Details:  ticket.Details.Merge(nil),
		},
	}
}
