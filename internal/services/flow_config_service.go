package services

import (
	"context"
	"fmt"

	"dbflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// FlowConfigService 单据流程配置：按 (工单类型, 作用域) 决定建单时
// 插哪些人工节点。解析优先级 CLUSTER > BIZ > PLATFORM，低优先级
// 作用域兜底未覆盖的键。
type FlowConfigService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewFlowConfigService(db *gorm.DB, logger *logrus.Logger) *FlowConfigService {
	if logger == nil {
		logger = logrus.New()
	}
	return &FlowConfigService{db: db, logger: logger}
}

// Resolve 取工单类型在给定业务/集群上生效的配置袋
func (s *FlowConfigService) Resolve(ctx context.Context, ticketType string, bizID uint, clusterIDs []uint) (models.JSONMap, error) {
	var configs []models.FlowConfig
	if err := s.db.WithContext(ctx).
		Where("ticket_type = ?", ticketType).
		Find(&configs).Error; err != nil {
		return nil, fmt.Errorf("failed to load flow configs for %s: %w", ticketType, err)
	}

	var platform, biz, cluster *models.FlowConfig
	for i := range configs {
		c := &configs[i]
		switch c.Scope {
		case models.ConfigScopePlatform:
			platform = c
		case models.ConfigScopeBiz:
			if c.BizID == bizID {
				biz = c
			}
		case models.ConfigScopeCluster:
			if c.BizID != 0 && c.BizID != bizID {
				continue
			}
			for _, id := range clusterIDs {
				if c.ClusterIDs.Contains(id) {
					cluster = c
					break
				}
			}
		}
	}

	// 低优先级打底，高优先级覆盖
	resolved := models.JSONMap{}
	for _, c := range []*models.FlowConfig{platform, biz, cluster} {
		if c != nil {
			resolved = resolved.Merge(c.Configs)
		}
	}
	return resolved, nil
}

// List 工单类型下的全部配置（空类型列全量）
func (s *FlowConfigService) List(ctx context.Context, ticketType string) ([]models.FlowConfig, error) {
	var configs []models.FlowConfig
	query := s.db.WithContext(ctx)
	if ticketType != "" {
		query = query.Where("ticket_type = ?", ticketType)
	}
	if err := query.Order("id ASC").Find(&configs).Error; err != nil {
		return nil, fmt.Errorf("failed to list flow configs: %w", err)
	}
	return configs, nil
}

// Upsert 按 (ticket_type, scope, biz) 维度新建或更新配置
func (s *FlowConfigService) Upsert(ctx context.Context, cfg *models.FlowConfig) error {
	var existing models.FlowConfig
	err := s.db.WithContext(ctx).
		Where("ticket_type = ? AND scope = ? AND bk_biz_id = ?", cfg.TicketType, cfg.Scope, cfg.BizID).
		First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		if err := s.db.WithContext(ctx).Create(cfg).Error; err != nil {
			return fmt.Errorf("failed to create flow config: %w", err)
		}
		s.logger.Infof("Flow config created for %s scope %s", cfg.TicketType, cfg.Scope)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load flow config: %w", err)
	}
	if !existing.Editable {
		return fmt.Errorf("flow config %d for %s is not editable", existing.ID, existing.TicketType)
	}
	if err := s.db.WithContext(ctx).Model(&existing).
		Updates(map[string]interface{}{
			"cluster_ids": cfg.ClusterIDs,
			"configs":     cfg.Configs,
		}).Error; err != nil {
		return fmt.Errorf("failed to update flow config %d: %w", existing.ID, err)
	}
	cfg.ID = existing.ID
	return nil
}

// Delete 删除一条配置；不可编辑的平台缺省配置拒绝删除
func (s *FlowConfigService) Delete(ctx context.Context, id uint) error {
	var cfg models.FlowConfig
	if err := s.db.WithContext(ctx).First(&cfg, id).Error; err != nil {
		return fmt.Errorf("flow config %d not found: %w", id, err)
	}
	if !cfg.Editable {
		return fmt.Errorf("flow config %d for %s is not editable", cfg.ID, cfg.TicketType)
	}
	if err := s.db.WithContext(ctx).Delete(&cfg).Error; err != nil {
		return fmt.Errorf("failed to delete flow config %d: %w", id, err)
	}
	return nil
}
