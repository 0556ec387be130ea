package services

import (
	"context"
	"fmt"
	"time"

	"dbflow/internal/models"
	"dbflow/pkg/bkapi"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 演练报告类型
const (
	DrillTypeFailover    = "failover"
	DrillTypeBackupAudit = "backup_audit"
	DrillTypeMetricAudit = "metric_audit"
)

// 演练报告结论
const (
	DrillStatusOK      = "ok"
	DrillStatusFailed  = "failed"
	DrillStatusPartial = "partial"
	DrillStatusSkipped = "skipped"
)

// DrillService 故障切换演练：建演练集群 → 注故障 → 等高可用组件
// 把集群打成 ABNORMAL → 禁用 → 销毁 → 退资源，全程写 DrillReport。
// 任何一步失败记部分报告并放弃后续步骤；等切换超时的残留集群
// 留给下一轮清扫收拾。
type DrillService struct {
	db        *gorm.DB
	logger    *logrus.Logger
	inventory bkapi.InventoryRepository
	tickets   *TicketService
	manager   *FlowManager
	store     *FlowStore

	statusMaxRetry   int
	statusInterval   time.Duration
	workflowMaxRetry int
	workflowInterval time.Duration
}

func NewDrillService(
	db *gorm.DB,
	logger *logrus.Logger,
	inventory bkapi.InventoryRepository,
	tickets *TicketService,
	manager *FlowManager,
	store *FlowStore,
	statusMaxRetry int,
	statusInterval time.Duration,
	workflowMaxRetry int,
	workflowInterval time.Duration,
) *DrillService {
	if logger == nil {
		logger = logrus.New()
	}
	return &DrillService{
		db:               db,
		logger:           logger,
		inventory:        inventory,
		tickets:          tickets,
		manager:          manager,
		store:            store,
		statusMaxRetry:   statusMaxRetry,
		statusInterval:   statusInterval,
		workflowMaxRetry: workflowMaxRetry,
		workflowInterval: workflowInterval,
	}
}

// RunFailoverDrill 针对一个业务跑一轮完整的故障切换演练
func (s *DrillService) RunFailoverDrill(ctx context.Context, bizID uint, resourceSpec map[string]interface{}) error {
	report := &models.DrillReport{
		DrillType: DrillTypeFailover,
		BizID:     bizID,
		Status:    DrillStatusPartial,
		Detail:    models.JSONMap{},
	}
	if err := s.db.WithContext(ctx).Create(report).Error; err != nil {
		return fmt.Errorf("failed to create drill report: %w", err)
	}

	// 建演练集群（含资源申请）
	buildTicket, err := s.submitAndWait(ctx, &CreateTicketRequest{
		TicketType: models.TicketMySQLHAApply,
		BizID:      bizID,
		Creator:    "system",
		Remark:     "failover drill build",
		Details: models.JSONMap{
			"resource_spec": resourceSpec,
			"db_module":     "drill",
		},
	})
	if err != nil {
		return s.finishReport(ctx, report, DrillStatusFailed, "build", err.Error())
	}
	clusterID, targetIP := s.buildOutputs(ctx, buildTicket.ID)
	if clusterID == 0 {
		return s.finishReport(ctx, report, DrillStatusFailed, "build", "build ticket produced no cluster id")
	}
	report.ClusterID = clusterID
	report.Detail["cluster_id"] = clusterID

	// 注故障
	if _, err := s.submitAndWait(ctx, &CreateTicketRequest{
		TicketType: models.TicketFailoverDrill,
		BizID:      bizID,
		Creator:    "system",
		Remark:     "failover drill fault injection",
		Details: models.JSONMap{
			"cluster_id": clusterID,
			"target_ip":  targetIP,
		},
	}); err != nil {
		return s.finishReport(ctx, report, DrillStatusFailed, "inject_fault", err.Error())
	}

	// 等高可用组件把集群打成 ABNORMAL
	if !s.waitClusterAbnormal(ctx, clusterID) {
		// 残留集群不动，下一轮清扫负责销毁
		return s.finishReport(ctx, report, DrillStatusFailed, "wait_switch",
			"cluster status unchanged, dbha may not have switched")
	}

	if err := s.teardown(ctx, bizID, clusterID, buildTicket.ID); err != nil {
		return s.finishReport(ctx, report, DrillStatusFailed, "teardown", err.Error())
	}
	report.Detail["cleaned"] = true
	return s.finishReport(ctx, report, DrillStatusOK, "", "drill completed")
}

// CleanupStalled 清扫等切换超时留下的演练集群
func (s *DrillService) CleanupStalled(ctx context.Context) error {
	var reports []models.DrillReport
	if err := s.db.WithContext(ctx).
		Where("drill_type = ? AND status = ? AND phase = ?",
			DrillTypeFailover, DrillStatusFailed, "wait_switch").
		Find(&reports).Error; err != nil {
		return fmt.Errorf("failed to scan stalled drills: %w", err)
	}
	for i := range reports {
		report := &reports[i]
		if cleaned, _ := report.Detail["cleaned"].(bool); cleaned {
			continue
		}
		if report.ClusterID == 0 {
			continue
		}
		if err := s.teardown(ctx, report.BizID, report.ClusterID, 0); err != nil {
			s.logger.Errorf("Drill cleanup of cluster %d failed: %v", report.ClusterID, err)
			continue
		}
		report.Detail["cleaned"] = true
		if err := s.db.WithContext(ctx).Model(report).Update("detail", report.Detail).Error; err != nil {
			s.logger.Errorf("Failed to mark drill report %d cleaned: %v", report.ID, err)
		}
	}
	return nil
}

// teardown 禁用 → 销毁 → 退回演练用掉的主机
func (s *DrillService) teardown(ctx context.Context, bizID, clusterID, buildTicketID uint) error {
	for _, step := range []struct {
		ticketType string
		remark     string
	}{
		{models.TicketMySQLHADisable, "failover drill disable"},
		{models.TicketMySQLHADestroy, "failover drill destroy"},
	} {
		if _, err := s.submitAndWait(ctx, &CreateTicketRequest{
			TicketType: step.ticketType,
			BizID:      bizID,
			Creator:    "system",
			Remark:     step.remark,
			Details:    models.JSONMap{"cluster_id": clusterID},
		}); err != nil {
			return fmt.Errorf("%s: %w", step.ticketType, err)
		}
	}

	if buildTicketID != 0 {
		hosts := s.allocatedHosts(ctx, buildTicketID)
		if len(hosts) > 0 {
			if _, err := s.submitAndWait(ctx, &CreateTicketRequest{
				TicketType: models.TicketResourceReturn,
				BizID:      bizID,
				Creator:    "system",
				Remark:     "failover drill resource return",
				Details:    models.JSONMap{"hosts": hosts, "parent_ticket": buildTicketID},
			}); err != nil {
				return fmt.Errorf("resource return: %w", err)
			}
		}
	}
	return nil
}

// submitAndWait 提交工单并轮询到终态；非 SUCCEEDED 视为步骤失败
func (s *DrillService) submitAndWait(ctx context.Context, req *CreateTicketRequest) (*models.Ticket, error) {
	ticket, err := s.tickets.CreateTicket(ctx, req)
	if err != nil {
		return nil, err
	}
	for i := 0; i < s.workflowMaxRetry; i++ {
		current, err := s.manager.GetTicket(ctx, ticket.ID)
		if err != nil {
			return nil, err
		}
		switch current.Status {
		case models.TicketStatusSucceeded:
			return current, nil
		case models.TicketStatusFailed, models.TicketStatusTerminated, models.TicketStatusRevoked:
			return nil, fmt.Errorf("ticket %d ended %s", current.ID, current.Status)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.workflowInterval):
		}
	}
	return nil, fmt.Errorf("ticket %d did not finish within %d polls", ticket.ID, s.workflowMaxRetry)
}

// waitClusterAbnormal 有界轮询集群状态
func (s *DrillService) waitClusterAbnormal(ctx context.Context, clusterID uint) bool {
	for i := 0; i < s.statusMaxRetry; i++ {
		cluster, err := s.inventory.GetCluster(ctx, clusterID)
		if err != nil {
			s.logger.Warnf("Drill status poll of cluster %d failed: %v", clusterID, err)
		} else if cluster.Status == bkapi.ClusterStatusAbnormal {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.statusInterval):
		}
	}
	return false
}

// buildOutputs 从建簇单的节点输出里挖新集群 id 和故障注入目标 ip
func (s *DrillService) buildOutputs(ctx context.Context, ticketID uint) (uint, string) {
	flows, err := s.store.ListFlows(ctx, ticketID)
	if err != nil {
		s.logger.Errorf("Failed to load flows of build ticket %d: %v", ticketID, err)
		return 0, ""
	}
	var clusterID uint
	var targetIP string
	for _, f := range flows {
		if out, ok := f.Context["__flow_output_v2"].(map[string]interface{}); ok {
			bag := models.JSONMap(out)
			if id := bag.GetUint("cluster_id"); id != 0 {
				clusterID = id
			}
			if ip := bag.GetString("master_ip"); ip != "" {
				targetIP = ip
			}
		}
	}
	return clusterID, targetIP
}

func (s *DrillService) allocatedHosts(ctx context.Context, ticketID uint) []interface{} {
	flows, err := s.store.ListFlows(ctx, ticketID)
	if err != nil {
		s.logger.Errorf("Failed to load flows of ticket %d: %v", ticketID, err)
		return nil
	}
	var hosts []interface{}
	for _, f := range flows {
		hosts = append(hosts, asSlice(f.Context["hosts"])...)
	}
	return hosts
}

func (s *DrillService) finishReport(ctx context.Context, report *models.DrillReport, status, phase, message string) error {
	updates := map[string]interface{}{
		"cluster_id": report.ClusterID,
		"status":     status,
		"phase":      phase,
		"message":    message,
		"detail":     report.Detail,
	}
	if err := s.db.WithContext(ctx).Model(report).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to finish drill report %d: %w", report.ID, err)
	}
	if status == DrillStatusOK {
		s.logger.Infof("Failover drill on cluster %d completed", report.ClusterID)
		return nil
	}
	s.logger.Warnf("Failover drill stopped at %s: %s", phase, message)
	return nil
}
