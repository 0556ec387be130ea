package services

import (
	"context"
	"fmt"

	"dbflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// FlowDescriptor 创建工单时的流程节点描述
type FlowDescriptor struct {
	FlowType  string
	Alias     string
	RetryType string
	Details   models.JSONMap
}

// FlowStore 流程节点持久层。节点顺序由创建顺序（自增 id）决定。
type FlowStore struct {
	db     *gorm.DB
	logger *logrus.Logger
	// 开发环境跳过审批/人工确认节点
	devSkipHumanStages bool
}

func NewFlowStore(db *gorm.DB, logger *logrus.Logger, devSkipHumanStages bool) *FlowStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &FlowStore{db: db, logger: logger, devSkipHumanStages: devSkipHumanStages}
}

// CreateFlows 按描述一次性建出工单的全部流程节点（原子）
func (s *FlowStore) CreateFlows(ctx context.Context, ticketID uint, descriptors []FlowDescriptor) ([]models.Flow, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("ticket %d has no flow descriptors", ticketID)
	}
	var flows []models.Flow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, d := range descriptors {
			retryType := d.RetryType
			if retryType == "" {
				retryType = models.RetryManual
			}
			details := d.Details
			if details == nil {
				details = models.JSONMap{}
			}
			flow := models.Flow{
				TicketID:  ticketID,
				FlowType:  d.FlowType,
				Alias:     d.Alias,
				Status:    models.FlowStatusPending,
				RetryType: retryType,
				Details:   details,
				Context:   models.JSONMap{},
			}
			if err := tx.Create(&flow).Error; err != nil {
				return fmt.Errorf("failed to create flow %s: %w", d.FlowType, err)
			}
			flows = append(flows, flow)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return flows, nil
}

// ListFlows 工单的全部流程节点，按执行顺序
func (s *FlowStore) ListFlows(ctx context.Context, ticketID uint) ([]models.Flow, error) {
	var flows []models.Flow
	if err := s.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("id ASC").
		Find(&flows).Error; err != nil {
		return nil, fmt.Errorf("failed to list flows for ticket %d: %w", ticketID, err)
	}
	return flows, nil
}

// GetFlow 按 id 取节点
func (s *FlowStore) GetFlow(ctx context.Context, flowID uint) (*models.Flow, error) {
	var flow models.Flow
	if err := s.db.WithContext(ctx).First(&flow, flowID).Error; err != nil {
		return nil, fmt.Errorf("flow %d not found: %w", flowID, err)
	}
	return &flow, nil
}

// GetFlowByObjID 按外部句柄（审批单号/编排根节点）取节点
func (s *FlowStore) GetFlowByObjID(ctx context.Context, objID string) (*models.Flow, error) {
	var flow models.Flow
	if err := s.db.WithContext(ctx).Where("flow_obj_id = ?", objID).First(&flow).Error; err != nil {
		return nil, fmt.Errorf("flow with obj id %s not found: %w", objID, err)
	}
	return &flow, nil
}

// CurrentFlow 最近一个离开 PENDING 的节点；整条流水线未启动时返回首个 PENDING
func (s *FlowStore) CurrentFlow(ctx context.Context, ticketID uint) (*models.Flow, error) {
	var flow models.Flow
	err := s.db.WithContext(ctx).
		Where("ticket_id = ? AND status <> ?", ticketID, models.FlowStatusPending).
		Order("id DESC").
		First(&flow).Error
	if err == nil {
		return &flow, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to load current flow for ticket %d: %w", ticketID, err)
	}
	err = s.db.WithContext(ctx).
		Where("ticket_id = ? AND status = ?", ticketID, models.FlowStatusPending).
		Order("id ASC").
		First(&flow).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load current flow for ticket %d: %w", ticketID, err)
	}
	return &flow, nil
}

// NextFlow 下一个待执行节点；开发环境下把途经的审批/人工确认节点记为 SKIPPED
func (s *FlowStore) NextFlow(ctx context.Context, ticketID uint) (*models.Flow, error) {
	var flows []models.Flow
	if err := s.db.WithContext(ctx).
		Where("ticket_id = ? AND status = ?", ticketID, models.FlowStatusPending).
		Order("id ASC").
		Find(&flows).Error; err != nil {
		return nil, fmt.Errorf("failed to load next flow for ticket %d: %w", ticketID, err)
	}
	for i := range flows {
		flow := &flows[i]
		if s.devSkipHumanStages &&
			(flow.FlowType == models.FlowTypeApproval || flow.FlowType == models.FlowTypeHumanConfirm) {
			if err := s.UpdateStatus(ctx, flow, models.FlowStatusSkipped); err != nil {
				return nil, err
			}
			s.logger.Debugf("Skipped %s flow %d for ticket %d (dev mode)", flow.FlowType, flow.ID, ticketID)
			continue
		}
		return flow, nil
	}
	return nil, nil
}

// UpdateStatus 写节点状态；状态未变化时为空操作
func (s *FlowStore) UpdateStatus(ctx context.Context, flow *models.Flow, status string) error {
	if flow.Status == status {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&models.Flow{}).
		Where("id = ?", flow.ID).
		Update("status", status).Error; err != nil {
		return fmt.Errorf("failed to update flow %d status: %w", flow.ID, err)
	}
	flow.Status = status
	return nil
}

// UpdateError 写节点错误信息与错误码
func (s *FlowStore) UpdateError(ctx context.Context, flow *models.Flow, errMsg string, errCode int) error {
	if err := s.db.WithContext(ctx).Model(&models.Flow{}).
		Where("id = ?", flow.ID).
		Updates(map[string]interface{}{"err_msg": errMsg, "err_code": errCode}).Error; err != nil {
		return fmt.Errorf("failed to update flow %d error: %w", flow.ID, err)
	}
	flow.ErrMsg = errMsg
	flow.ErrCode = errCode
	return nil
}

// UpdateObjID 写外部句柄
func (s *FlowStore) UpdateObjID(ctx context.Context, flow *models.Flow, objID string) error {
	if err := s.db.WithContext(ctx).Model(&models.Flow{}).
		Where("id = ?", flow.ID).
		Update("flow_obj_id", objID).Error; err != nil {
		return fmt.Errorf("failed to update flow %d obj id: %w", flow.ID, err)
	}
	flow.FlowObjID = objID
	return nil
}

// UpdateDetails 追加合并节点输入袋（不整体替换）
func (s *FlowStore) UpdateDetails(ctx context.Context, flow *models.Flow, patch models.JSONMap) error {
	merged := flow.Details.Merge(patch)
	if err := s.db.WithContext(ctx).Model(&models.Flow{}).
		Where("id = ?", flow.ID).
		Update("details", merged).Error; err != nil {
		return fmt.Errorf("failed to update flow %d details: %w", flow.ID, err)
	}
	flow.Details = merged
	return nil
}

// UpdateContext 追加合并节点输出袋，供后续节点消费
func (s *FlowStore) UpdateContext(ctx context.Context, flow *models.Flow, patch models.JSONMap) error {
	merged := flow.Context.Merge(patch)
	if err := s.db.WithContext(ctx).Model(&models.Flow{}).
		Where("id = ?", flow.ID).
		Update("context", merged).Error; err != nil {
		return fmt.Errorf("failed to update flow %d context: %w", flow.ID, err)
	}
	flow.Context = merged
	return nil
}
