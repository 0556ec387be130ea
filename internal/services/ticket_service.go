package services

import (
	"context"
	"fmt"

	"dbflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// CreateTicketRequest 建单请求
type CreateTicketRequest struct {
	TicketType string         `json:"ticket_type" binding:"required"`
	BizID      uint           `json:"bk_biz_id" binding:"required"`
	Creator    string         `json:"creator" binding:"required"`
	Remark     string         `json:"remark"`
	Details    models.JSONMap `json:"details" binding:"required"`
	Config     models.JSONMap `json:"config"`
	// AutoExecute 建单后立即推进流水线；nil 按 true 处理
	AutoExecute *bool `json:"auto_execute"`
}

// TicketService 工单入口：CreateTicket 是唯一建单通道，用户请求、
// 告警自愈、周期演练都走这里。
type TicketService struct {
	db          *gorm.DB
	logger      *logrus.Logger
	tracer      trace.Tracer
	registry    *BuilderRegistry
	flowConfigs *FlowConfigService
	store       *FlowStore
	manager     *FlowManager
}

func NewTicketService(
	db *gorm.DB,
	logger *logrus.Logger,
	registry *BuilderRegistry,
	flowConfigs *FlowConfigService,
	store *FlowStore,
	manager *FlowManager,
) *TicketService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TicketService{
		db:          db,
		logger:      logger,
		tracer:      otel.Tracer("dbflow.ticket"),
		registry:    registry,
		flowConfigs: flowConfigs,
		store:       store,
		manager:     manager,
	}
}

// CreateTicket 建单：校验 → 补全明细 → 落工单 → 按 FlowConfig 插
// 人工节点 → 建流水线 → 按需立即推进。
func (s *TicketService) CreateTicket(ctx context.Context, req *CreateTicketRequest) (*models.Ticket, error) {
	ctx, span := s.tracer.Start(ctx, "ticket.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("ticket.type", req.TicketType),
		attribute.Int64("biz.id", int64(req.BizID)),
	)

	builder := s.registry.Get(req.TicketType)
	if err := builder.Validate(req.Details); err != nil {
		return nil, fmt.Errorf("invalid %s ticket: %w", req.TicketType, err)
	}
	details, err := builder.PatchTicketDetail(ctx, req.Details)
	if err != nil {
		return nil, fmt.Errorf("failed to patch %s ticket details: %w", req.TicketType, err)
	}

	config := req.Config
	if config == nil {
		config = models.JSONMap{}
	}
	ticket := &models.Ticket{
		TicketType: req.TicketType,
		BizID:      req.BizID,
		Creator:    req.Creator,
		Remark:     req.Remark,
		Status:     models.TicketStatusPending,
		Details:    details,
		Config:     config,
	}
	if err := s.db.WithContext(ctx).Create(ticket).Error; err != nil {
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}

	descriptors, err := s.buildDescriptors(ctx, ticket, builder)
	if err != nil {
		return nil, err
	}
	flows, err := s.store.CreateFlows(ctx, ticket.ID, descriptors)
	if err != nil {
		return nil, err
	}
	ticket.Flows = flows
	s.logger.Infof("Ticket %d (%s) created by %s with %d flows", ticket.ID, ticket.TicketType, ticket.Creator, len(flows))

	if req.AutoExecute == nil || *req.AutoExecute {
		if err := s.manager.Run(ctx, ticket); err != nil {
			return ticket, fmt.Errorf("ticket %d created but failed to start: %w", ticket.ID, err)
		}
	}
	return ticket, nil
}

// buildDescriptors 人工节点按配置前置，builder 节点按声明顺序跟在后面
func (s *TicketService) buildDescriptors(ctx context.Context, ticket *models.Ticket, builder TicketBuilder) ([]FlowDescriptor, error) {
	clusterIDs := ticketClusterIDs(ticket, nil)
	resolved, err := s.flowConfigs.Resolve(ctx, ticket.TicketType, ticket.BizID, clusterIDs)
	if err != nil {
		return nil, err
	}

	var descriptors []FlowDescriptor
	if needApproval, _ := resolved["need_approval"].(bool); needApproval {
		descriptors = append(descriptors, FlowDescriptor{
			FlowType: models.FlowTypeApproval,
			Alias:    "单据审批",
		})
	}
	if needConfirm, _ := resolved["need_confirm"].(bool); needConfirm {
		descriptors = append(descriptors, FlowDescriptor{
			FlowType: models.FlowTypeHumanConfirm,
			Alias:    "人工确认",
		})
	}
	descriptors = append(descriptors, builder.InitTicketFlows(ticket)...)
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("builder for %s produced no flows", ticket.TicketType)
	}
	return descriptors, nil
}

// ListTickets 按条件分页查询工单
func (s *TicketService) ListTickets(ctx context.Context, bizID uint, status, ticketType string, limit, offset int) ([]models.Ticket, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Ticket{})
	if bizID != 0 {
		query = query.Where("bk_biz_id = ?", bizID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if ticketType != "" {
		query = query.Where("ticket_type = ?", ticketType)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count tickets: %w", err)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var tickets []models.Ticket
	if err := query.Order("id DESC").Limit(limit).Offset(offset).Find(&tickets).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list tickets: %w", err)
	}
	return tickets, total, nil
}

// GetTicketWithFlows 工单详情，连带流水线与待办
func (s *TicketService) GetTicketWithFlows(ctx context.Context, ticketID uint) (*models.Ticket, error) {
	var ticket models.Ticket
	if err := s.db.WithContext(ctx).
		Preload("Flows").
		Preload("Flows.Todos").
		First(&ticket, ticketID).Error; err != nil {
		return nil, fmt.Errorf("ticket %d not found: %w", ticketID, err)
	}
	return &ticket, nil
}
