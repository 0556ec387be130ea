package services

import (
	"context"
	"fmt"
	"sort"

	"dbflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConflictInfo 一条阻塞候选工单的在跑操作
type ConflictInfo struct {
	RecordID   uint   `json:"record_id"`
	ClusterID  uint   `json:"cluster_id"`
	TicketID   uint   `json:"ticket_id"`
	TicketType string `json:"ticket_type"`
	FlowID     uint   `json:"flow_id"`
}

// ExclusionConflictError 互斥冲突错误，消息格式供前端/重试提示直接使用
type ExclusionConflictError struct {
	Conflicts []ConflictInfo
}

func (e *ExclusionConflictError) Error() string {
	if len(e.Conflicts) == 0 {
		return "exclusive with unknown ticket"
	}
	return fmt.Sprintf("exclusive with ticket %d", e.Conflicts[0].TicketID)
}

// LedgerService 集群操作台账：运行期互斥的事实来源。
// 所有“查冲突再落账”的序列必须经 BeginAll 在单事务内完成。
type LedgerService struct {
	db        *gorm.DB
	logger    *logrus.Logger
	exclusion *ExclusionService
	tracer    trace.Tracer
}

func NewLedgerService(db *gorm.DB, logger *logrus.Logger, exclusion *ExclusionService) *LedgerService {
	if logger == nil {
		logger = logrus.New()
	}
	return &LedgerService{
		db:        db,
		logger:    logger,
		exclusion: exclusion,
		tracer:    otel.Tracer("dbflow.ledger"),
	}
}

// Begin 落一条台账，(cluster, flow, ticket) 幂等
func (s *LedgerService) Begin(ctx context.Context, clusterID uint, flow *models.Flow, ticket *models.Ticket, unlockTypes []string) (*models.ClusterOperationRecord, error) {
	record := &models.ClusterOperationRecord{
		ClusterID:         clusterID,
		FlowID:            flow.ID,
		TicketID:          ticket.ID,
		TicketType:        ticket.TicketType,
		UnlockTicketTypes: unlockTypes,
	}
	err := s.db.WithContext(ctx).
		Where("cluster_id = ? AND flow_id = ? AND ticket_id = ?", clusterID, flow.ID, ticket.ID).
		FirstOrCreate(record).Error
	if err != nil {
		return nil, fmt.Errorf("failed to begin ledger record: %w", err)
	}
	return record, nil
}

// BeginAll 对工单涉及的全部集群做“无冲突则整体落账”。
// 集群按 id 升序逐个加行锁后扫描，整组插入完成前不释放，
// 保证与同集群上并发的 BeginAll 可串行化：并发的两个冲突方必有一方失败。
func (s *LedgerService) BeginAll(ctx context.Context, clusterIDs []uint, flow *models.Flow, ticket *models.Ticket, unlockTypes []string, paused bool) ([]models.ClusterOperationRecord, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.begin_all")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("ticket.id", int64(ticket.ID)),
		attribute.String("ticket.type", ticket.TicketType),
		attribute.Int("cluster.count", len(clusterIDs)),
	)

	ids := make([]uint, 0, len(clusterIDs))
	seen := map[uint]struct{}{}
	for _, id := range clusterIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	// 升序加锁，避免并发 BeginAll 之间死锁
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var created []models.ClusterOperationRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var allConflicts []ConflictInfo
		for _, clusterID := range ids {
			conflicts, err := s.conflictsLocked(tx, clusterID, ticket.TicketType, []uint{ticket.ID})
			if err != nil {
				return err
			}
			allConflicts = append(allConflicts, conflicts...)
		}
		if len(allConflicts) > 0 {
			return &ExclusionConflictError{Conflicts: allConflicts}
		}
		for _, clusterID := range ids {
			record := models.ClusterOperationRecord{
				ClusterID:         clusterID,
				FlowID:            flow.ID,
				TicketID:          ticket.ID,
				TicketType:        ticket.TicketType,
				UnlockTicketTypes: unlockTypes,
				IsPaused:          paused,
			}
			if err := tx.Where("cluster_id = ? AND flow_id = ? AND ticket_id = ?", clusterID, flow.ID, ticket.ID).
				FirstOrCreate(&record).Error; err != nil {
				return fmt.Errorf("failed to create ledger record for cluster %d: %w", clusterID, err)
			}
			created = append(created, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infof("Ledger records created for ticket %d on clusters %v", ticket.ID, ids)
	return created, nil
}

// conflictsLocked 在事务内带行锁扫描一个集群上的阻塞记录
func (s *LedgerService) conflictsLocked(tx *gorm.DB, clusterID uint, candidateType string, excludeTicketIDs []uint) ([]ConflictInfo, error) {
	var records []models.ClusterOperationRecord
	query := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("cluster_id = ?", clusterID)
	if len(excludeTicketIDs) > 0 {
		query = query.Where("ticket_id NOT IN ?", excludeTicketIDs)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to scan ledger for cluster %d: %w", clusterID, err)
	}
	return s.filterConflicts(records, candidateType, false), nil
}

// filterConflicts 按豁免集合与互斥矩阵筛出真正阻塞的记录
func (s *LedgerService) filterConflicts(records []models.ClusterOperationRecord, candidateType string, skipPaused bool) []ConflictInfo {
	var out []ConflictInfo
	for _, r := range records {
		if skipPaused && r.IsPaused {
			continue
		}
		if r.UnlockTicketTypes.Contains(models.UnlockAll) || r.UnlockTicketTypes.Contains(candidateType) {
			continue
		}
		if !s.exclusion.Exclusive(candidateType, r.TicketType) {
			continue
		}
		out = append(out, ConflictInfo{
			RecordID:   r.ID,
			ClusterID:  r.ClusterID,
			TicketID:   r.TicketID,
			TicketType: r.TicketType,
			FlowID:     r.FlowID,
		})
	}
	return out
}

// Conflicts 查询候选工单在某集群上的全部阻塞记录（只读，不加锁；
// 需要与落账原子化时走 BeginAll）
func (s *LedgerService) Conflicts(ctx context.Context, clusterID uint, candidateType string, excludeTicketIDs []uint) ([]ConflictInfo, error) {
	var records []models.ClusterOperationRecord
	query := s.db.WithContext(ctx).Where("cluster_id = ?", clusterID)
	if len(excludeTicketIDs) > 0 {
		query = query.Where("ticket_id NOT IN ?", excludeTicketIDs)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to scan ledger for cluster %d: %w", clusterID, err)
	}
	return s.filterConflicts(records, candidateType, false), nil
}

// ConflictsForPause 暂停门专用的冲突扫描：剔除其它已暂停的记录与本工单自身，
// 两个同点暂停的工单互不阻塞，不会彼此等死。
func (s *LedgerService) ConflictsForPause(ctx context.Context, record *models.ClusterOperationRecord) ([]ConflictInfo, error) {
	var records []models.ClusterOperationRecord
	if err := s.db.WithContext(ctx).
		Where("cluster_id = ? AND ticket_id <> ?", record.ClusterID, record.TicketID).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to scan ledger for cluster %d: %w", record.ClusterID, err)
	}
	return s.filterConflicts(records, record.TicketType, true), nil
}

// End 删除一条台账
func (s *LedgerService) End(ctx context.Context, record *models.ClusterOperationRecord) error {
	if err := s.db.WithContext(ctx).Delete(&models.ClusterOperationRecord{}, record.ID).Error; err != nil {
		return fmt.Errorf("failed to end ledger record %d: %w", record.ID, err)
	}
	return nil
}

// EndByFlow 删除某流程节点名下的全部台账（编排完成回调时调用）
func (s *LedgerService) EndByFlow(ctx context.Context, flowID uint) error {
	if err := s.db.WithContext(ctx).
		Where("flow_id = ?", flowID).
		Delete(&models.ClusterOperationRecord{}).Error; err != nil {
		return fmt.Errorf("failed to end ledger records for flow %d: %w", flowID, err)
	}
	return nil
}

// ListByTicket 工单名下的全部台账
func (s *LedgerService) ListByTicket(ctx context.Context, ticketID uint) ([]models.ClusterOperationRecord, error) {
	var records []models.ClusterOperationRecord
	if err := s.db.WithContext(ctx).Where("ticket_id = ?", ticketID).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list ledger records for ticket %d: %w", ticketID, err)
	}
	return records, nil
}

// MarkPaused 设置/清除暂停标记
func (s *LedgerService) MarkPaused(ctx context.Context, record *models.ClusterOperationRecord, paused bool) error {
	if err := s.db.WithContext(ctx).Model(&models.ClusterOperationRecord{}).
		Where("id = ?", record.ID).
		Update("is_paused", paused).Error; err != nil {
		return fmt.Errorf("failed to mark ledger record %d paused=%v: %w", record.ID, paused, err)
	}
	record.IsPaused = paused
	return nil
}

// ExtendUnlock 向豁免集合追加工单类型，"*" 为放行全部的通配
func (s *LedgerService) ExtendUnlock(ctx context.Context, record *models.ClusterOperationRecord, ticketTypes []string) error {
	next := record.UnlockTicketTypes
	for _, t := range ticketTypes {
		if !next.Contains(t) {
			next = append(next, t)
		}
	}
	if err := s.db.WithContext(ctx).Model(&models.ClusterOperationRecord{}).
		Where("id = ?", record.ID).
		Update("unlock_ticket_types", next).Error; err != nil {
		return fmt.Errorf("failed to extend unlock set for record %d: %w", record.ID, err)
	}
	record.UnlockTicketTypes = next
	return nil
}

// RetractUnlock 从豁免集合移除工单类型（重新收紧互斥）
func (s *LedgerService) RetractUnlock(ctx context.Context, record *models.ClusterOperationRecord, ticketTypes []string) error {
	drop := map[string]struct{}{}
	for _, t := range ticketTypes {
		drop[t] = struct{}{}
	}
	var next models.StringList
	for _, t := range record.UnlockTicketTypes {
		if _, ok := drop[t]; !ok {
			next = append(next, t)
		}
	}
	if next == nil {
		next = models.StringList{}
	}
	if err := s.db.WithContext(ctx).Model(&models.ClusterOperationRecord{}).
		Where("id = ?", record.ID).
		Update("unlock_ticket_types", next).Error; err != nil {
		return fmt.Errorf("failed to retract unlock set for record %d: %w", record.ID, err)
	}
	record.UnlockTicketTypes = next
	return nil
}

// StartupSweep 启动清扫：流程节点已离开 RUNNING/FAILED 的台账一律删除，
// 覆盖崩溃恢复后遗留的脏记录。
func (s *LedgerService) StartupSweep(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("flow_id NOT IN (?)",
			s.db.Model(&models.Flow{}).Select("id").Where("status IN ?", []string{models.FlowStatusRunning, models.FlowStatusFailed}),
		).
		Delete(&models.ClusterOperationRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("ledger startup sweep failed: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Infof("Ledger startup sweep removed %d stale records", result.RowsAffected)
	}
	return result.RowsAffected, nil
}
