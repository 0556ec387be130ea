package services

import (
	"context"
	"fmt"
	"time"

	"dbflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TodoService 待办管理：创建、查询、人工闭环
type TodoService struct {
	db     *gorm.DB
	logger *logrus.Logger
	// 业务未配置处理人时的平台 DBA 兜底
	platformDBAs []string
}

func NewTodoService(db *gorm.DB, logger *logrus.Logger, platformDBAs []string) *TodoService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TodoService{db: db, logger: logger, platformDBAs: platformDBAs}
}

// OperatorsFor 工单的处理人集合：业务 DBA 优先，平台 DBA 兜底
func (s *TodoService) OperatorsFor(ticket *models.Ticket) []string {
	if ops := ticket.Config.GetStringSlice("operators"); len(ops) > 0 {
		return ops
	}
	return s.platformDBAs
}

// CreateTodo 给流程节点开一条待办
func (s *TodoService) CreateTodo(ctx context.Context, ticket *models.Ticket, flow *models.Flow, name string) (*models.Todo, error) {
	todo := &models.Todo{
		FlowID:    flow.ID,
		TicketID:  ticket.ID,
		Name:      name,
		Operators: s.OperatorsFor(ticket),
		Helpers:   ticket.Config.GetStringSlice("helpers"),
		Status:    models.TodoStatusTodo,
		Context:   models.JSONMap{},
	}
	if err := s.db.WithContext(ctx).Create(todo).Error; err != nil {
		return nil, fmt.Errorf("failed to create todo for flow %d: %w", flow.ID, err)
	}
	s.logger.Infof("Created todo %d (%s) for ticket %d flow %d", todo.ID, name, ticket.ID, flow.ID)
	return todo, nil
}

// ListOpenByFlow 流程节点上仍在等待的待办
func (s *TodoService) ListOpenByFlow(ctx context.Context, flowID uint) ([]models.Todo, error) {
	var todos []models.Todo
	if err := s.db.WithContext(ctx).
		Where("flow_id = ? AND status = ?", flowID, models.TodoStatusTodo).
		Find(&todos).Error; err != nil {
		return nil, fmt.Errorf("failed to list todos for flow %d: %w", flowID, err)
	}
	return todos, nil
}

// ListByFlow 流程节点上的全部待办
func (s *TodoService) ListByFlow(ctx context.Context, flowID uint) ([]models.Todo, error) {
	var todos []models.Todo
	if err := s.db.WithContext(ctx).
		Where("flow_id = ?", flowID).
		Order("id ASC").
		Find(&todos).Error; err != nil {
		return nil, fmt.Errorf("failed to list todos for flow %d: %w", flowID, err)
	}
	return todos, nil
}

// Resolve 闭环一条待办。success=false 时附带的 contextPatch
// 会保留终止原因等上下文。
func (s *TodoService) Resolve(ctx context.Context, todo *models.Todo, doneBy string, success bool, contextPatch models.JSONMap) error {
	if todo.Status != models.TodoStatusTodo {
		return fmt.Errorf("todo %d already resolved with status %s", todo.ID, todo.Status)
	}
	status := models.TodoStatusDoneSuccess
	if !success {
		status = models.TodoStatusDoneFailed
	}
	now := time.Now()
	merged := todo.Context.Merge(contextPatch)
	if err := s.db.WithContext(ctx).Model(&models.Todo{}).
		Where("id = ?", todo.ID).
		Updates(map[string]interface{}{
			"status":  status,
			"done_by": doneBy,
			"done_at": &now,
			"context": merged,
		}).Error; err != nil {
		return fmt.Errorf("failed to resolve todo %d: %w", todo.ID, err)
	}
	todo.Status = status
	todo.DoneBy = doneBy
	todo.DoneAt = &now
	todo.Context = merged

	s.logger.Infof("Todo %d resolved by %s with status %s", todo.ID, doneBy, status)
	return nil
}
