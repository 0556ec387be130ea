package services

import (
	"context"
	"fmt"

	"dbflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RecycleService 终态善后分发器：工单收束后检查它名下的资源
// 分配，失败/终止的单据还握着主机时派生一张资源退回子单，
// 并在父单尾部补一个即时完成的交付节点指向子单。
type RecycleService struct {
	db      *gorm.DB
	logger  *logrus.Logger
	tickets *TicketService
	store   *FlowStore
}

func NewRecycleService(db *gorm.DB, logger *logrus.Logger, tickets *TicketService, store *FlowStore) *RecycleService {
	if logger == nil {
		logger = logrus.New()
	}
	return &RecycleService{db: db, logger: logger, tickets: tickets, store: store}
}

// DispatchTerminal FlowManager 的终态回调入口
func (s *RecycleService) DispatchTerminal(ctx context.Context, ticket *models.Ticket) {
	if err := s.dispatch(ctx, ticket); err != nil {
		s.logger.Errorf("Recycle dispatch for ticket %d failed: %v", ticket.ID, err)
	}
}

func (s *RecycleService) dispatch(ctx context.Context, ticket *models.Ticket) error {
	switch ticket.Status {
	case models.TicketStatusFailed, models.TicketStatusTerminated, models.TicketStatusRevoked:
	default:
		return nil
	}
	// 退回单自己不再派生退回单
	if ticket.TicketType == models.TicketResourceReturn {
		return nil
	}

	hosts, err := s.collectAllocations(ctx, ticket.ID)
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		return nil
	}

	autoExecute := true
	child, err := s.tickets.CreateTicket(ctx, &CreateTicketRequest{
		TicketType: models.TicketResourceReturn,
		BizID:      ticket.BizID,
		Creator:    "system",
		Remark:     fmt.Sprintf("recycle hosts of ticket %d", ticket.ID),
		Details: models.JSONMap{
			"hosts":         hosts,
			"parent_ticket": ticket.ID,
		},
		AutoExecute: &autoExecute,
	})
	if err != nil {
		return fmt.Errorf("failed to spawn resource return ticket: %w", err)
	}

	// 父单补个已完成的交付节点，把子单挂上去可追溯
	link := models.Flow{
		TicketID: ticket.ID,
		FlowType: models.FlowTypeDelivery,
		Alias:    "资源回收",
		Status:   models.FlowStatusSucceeded,
		Details:  models.JSONMap{},
		Context:  models.JSONMap{"related_ticket": child.ID},
	}
	if err := s.db.WithContext(ctx).Create(&link).Error; err != nil {
		return fmt.Errorf("failed to link recycle ticket %d to parent %d: %w", child.ID, ticket.ID, err)
	}
	s.logger.Infof("Ticket %d spawned resource return ticket %d for %d hosts", ticket.ID, child.ID, len(hosts))
	return nil
}

// collectAllocations 汇总工单各节点输出袋里的主机分配
func (s *RecycleService) collectAllocations(ctx context.Context, ticketID uint) ([]interface{}, error) {
	flows, err := s.store.ListFlows(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	var hosts []interface{}
	for _, f := range flows {
		hosts = append(hosts, asSlice(f.Context["hosts"])...)
		for _, g := range asSlice(f.Context["batch_allocations"]) {
			if gm, ok := g.(map[string]interface{}); ok {
				hosts = append(hosts, asSlice(gm["hosts"])...)
			}
		}
	}
	return hosts, nil
}

// asSlice 兼容落库前后的两种形态（[]map 与 JSON 反序列化的 []interface{}）
func asSlice(v interface{}) []interface{} {
	switch vs := v.(type) {
	case []interface{}:
		return vs
	case []map[string]interface{}:
		out := make([]interface{}, 0, len(vs))
		for _, m := range vs {
			out = append(out, m)
		}
		return out
	}
	return nil
}
