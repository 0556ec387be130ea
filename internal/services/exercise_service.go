package services

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"dbflow/internal/models"
	"dbflow/pkg/bkapi"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ExerciseCandidate 回档演练候选集群及其选取参数
type ExerciseCandidate struct {
	Cluster      bkapi.Cluster
	SuccessCount int
	Priority     int
	Weight       float64
}

// ExerciseService 回档演练任务：按近 2 小时的演练量在
// tendbcluster/tendbha 之间动态分摊目标量，分层加权选簇后
// 逐个提交回档单。
type ExerciseService struct {
	db             *gorm.DB
	logger         *logrus.Logger
	inventory      bkapi.InventoryRepository
	tickets        *TicketService
	targetCount    int
	backupLookback time.Duration
	rng            *rand.Rand
}

func NewExerciseService(
	db *gorm.DB,
	logger *logrus.Logger,
	inventory bkapi.InventoryRepository,
	tickets *TicketService,
	targetCount int,
	backupLookback time.Duration,
) *ExerciseService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ExerciseService{
		db:             db,
		logger:         logger,
		inventory:      inventory,
		tickets:        tickets,
		targetCount:    targetCount,
		backupLookback: backupLookback,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SplitExerciseTargets 按近期演练量分摊目标数。没有近期记录时均分；
// 否则 tendbcluster 占比 = clamp(0.5 - (r - (1-r)) * 0.7, 0.2, 0.8)，
// r 为 tendbcluster 的近期占比。哪类最近练得多，哪类这轮就少练。
func SplitExerciseTargets(tendbclusterRecent, tendbhaRecent, n int) (tendbcluster, tendbha int) {
	if n <= 0 {
		return 0, 0
	}
	total := tendbclusterRecent + tendbhaRecent
	if total == 0 {
		tendbcluster = n / 2
		return tendbcluster, n - tendbcluster
	}
	r := float64(tendbclusterRecent) / float64(total)
	ratio := clampFloat(0.5-(r-(1-r))*0.7, 0.2, 0.8)
	tendbcluster = int(math.Floor(float64(n) * ratio))
	return tendbcluster, n - tendbcluster
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CandidatePriority 分层优先级：业务从未练过 1000；集群从未练过
// 500-50·成功数（下限 100）；其余 200-20·成功数（下限 50）
func CandidatePriority(bizEverExercised, clusterEverExercised bool, successCount int) int {
	switch {
	case !bizEverExercised:
		return 1000
	case !clusterEverExercised:
		if p := 500 - 50*successCount; p > 100 {
			return p
		}
		return 100
	default:
		if p := 200 - 20*successCount; p > 50 {
			return p
		}
		return 50
	}
}

// CandidateWeight 成功次数越多权重越低，下限 0.1
func CandidateWeight(successCount int) float64 {
	w := 1.0 / (1.0 + float64(successCount)*0.5)
	if w < 0.1 {
		return 0.1
	}
	return w
}

// WeightedPick 加权不放回抽样：高优先级层抽完才轮到下一层，
// 层内按权重随机
func WeightedPick(candidates []ExerciseCandidate, k int, rng *rand.Rand) []ExerciseCandidate {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	pool := make([]ExerciseCandidate, len(candidates))
	copy(pool, candidates)
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].Priority > pool[j].Priority })

	var picked []ExerciseCandidate
	for len(picked) < k && len(pool) > 0 {
		// 当前最高优先级的层
		top := pool[0].Priority
		end := 0
		for end < len(pool) && pool[end].Priority == top {
			end++
		}
		tier := pool[:end]

		totalW := 0.0
		for _, c := range tier {
			totalW += c.Weight
		}
		roll := rng.Float64() * totalW
		idx := 0
		for i, c := range tier {
			roll -= c.Weight
			if roll <= 0 {
				idx = i
				break
			}
			idx = i
		}
		picked = append(picked, tier[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return picked
}

// RunExercise 一轮回档演练：分摊目标 → 分层加权选簇 → 备份准入
// 过滤 → 逐簇提交回档单并登记演练记录
func (s *ExerciseService) RunExercise(ctx context.Context) error {
	tcRecent, haRecent, err := s.recentCounts(ctx, 2*time.Hour)
	if err != nil {
		return err
	}
	targetTC, targetHA := SplitExerciseTargets(tcRecent, haRecent, s.targetCount)

	tcCandidates, err := s.candidatesOfType(ctx, models.ClusterTypeTendbCluster)
	if err != nil {
		return err
	}
	haCandidates, err := s.candidatesOfType(ctx, models.ClusterTypeTendbHA)
	if err != nil {
		return err
	}

	selected := WeightedPick(tcCandidates, targetTC, s.rng)
	selected = append(selected, WeightedPick(haCandidates, targetHA, s.rng)...)

	// 某一类型候选不够时用另一类型补齐
	if shortfall := s.targetCount - len(selected); shortfall > 0 {
		remainder := excludeSelected(append(tcCandidates, haCandidates...), selected)
		selected = append(selected, WeightedPick(remainder, shortfall, s.rng)...)
	}

	submitted := 0
	for _, c := range selected {
		ok, err := s.hasRecentBackup(ctx, c.Cluster.ID)
		if err != nil {
			return err
		}
		if !ok {
			s.logger.Warnf("Exercise skipped cluster %d (%s): no backup within lookback window",
				c.Cluster.ID, c.Cluster.ImmuteDomain)
			continue
		}
		if err := s.submitExercise(ctx, c.Cluster); err != nil {
			s.logger.Errorf("Exercise submit for cluster %d failed: %v", c.Cluster.ID, err)
			continue
		}
		submitted++
	}
	s.logger.Infof("Rollback exercise submitted %d tickets (targets tendbcluster=%d tendbha=%d)",
		submitted, targetTC, targetHA)
	return nil
}

// OnTicketTerminal 回档单收束时把结果写回演练记录
func (s *ExerciseService) OnTicketTerminal(ctx context.Context, ticket *models.Ticket) {
	if ticket.TicketType != models.TicketMySQLRollbackCluster {
		return
	}
	if err := s.db.WithContext(ctx).Model(&models.ExerciseRecord{}).
		Where("ticket_id = ?", ticket.ID).
		Update("success", ticket.Status == models.TicketStatusSucceeded).Error; err != nil {
		s.logger.Errorf("Failed to record exercise result of ticket %d: %v", ticket.ID, err)
	}
}

func (s *ExerciseService) recentCounts(ctx context.Context, window time.Duration) (tendbcluster, tendbha int, err error) {
	since := time.Now().Add(-window)
	type row struct {
		ClusterType string
		Count       int
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&models.ExerciseRecord{}).
		Select("cluster_type, count(*) as count").
		Where("created_at > ?", since).
		Group("cluster_type").
		Scan(&rows).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to count recent exercises: %w", err)
	}
	for _, r := range rows {
		switch r.ClusterType {
		case models.ClusterTypeTendbCluster:
			tendbcluster = r.Count
		case models.ClusterTypeTendbHA:
			tendbha = r.Count
		}
	}
	return tendbcluster, tendbha, nil
}

// candidatesOfType 某集群类型的候选池：剔除 24h 内练过的，
// 其余按历史记录分层定优先级和权重
func (s *ExerciseService) candidatesOfType(ctx context.Context, clusterType string) ([]ExerciseCandidate, error) {
	clusters, err := s.inventory.ListClustersByType(ctx, clusterType)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s clusters: %w", clusterType, err)
	}

	var records []models.ExerciseRecord
	if err := s.db.WithContext(ctx).
		Where("cluster_type = ?", clusterType).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load exercise records: %w", err)
	}

	dayAgo := time.Now().Add(-24 * time.Hour)
	successByCluster := map[uint]int{}
	lastByCluster := map[uint]time.Time{}
	clusterEver := map[uint]bool{}
	bizEver := map[uint]bool{}
	for _, r := range records {
		clusterEver[r.ClusterID] = true
		bizEver[r.BizID] = true
		if r.Success {
			successByCluster[r.ClusterID]++
		}
		if r.CreatedAt.After(lastByCluster[r.ClusterID]) {
			lastByCluster[r.ClusterID] = r.CreatedAt
		}
	}

	var candidates []ExerciseCandidate
	for _, cluster := range clusters {
		if last, ok := lastByCluster[cluster.ID]; ok && last.After(dayAgo) {
			continue
		}
		success := successByCluster[cluster.ID]
		candidates = append(candidates, ExerciseCandidate{
			Cluster:      cluster,
			SuccessCount: success,
			Priority:     CandidatePriority(bizEver[cluster.BizID], clusterEver[cluster.ID], success),
			Weight:       CandidateWeight(success),
		})
	}
	return candidates, nil
}

func (s *ExerciseService) hasRecentBackup(ctx context.Context, clusterID uint) (bool, error) {
	since := time.Now().Add(-s.backupLookback)
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.BackupRecord{}).
		Where("cluster_id = ? AND end_time > ?", clusterID, since).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check backups of cluster %d: %w", clusterID, err)
	}
	return count > 0, nil
}

func (s *ExerciseService) submitExercise(ctx context.Context, cluster bkapi.Cluster) error {
	ticket, err := s.tickets.CreateTicket(ctx, &CreateTicketRequest{
		TicketType: models.TicketMySQLRollbackCluster,
		BizID:      cluster.BizID,
		Creator:    "system",
		Remark:     fmt.Sprintf("rollback exercise for %s", cluster.ImmuteDomain),
		Details: models.JSONMap{
			"cluster_id":    cluster.ID,
			"rollback_time": time.Now().Format(time.RFC3339),
		},
	})
	if err != nil {
		return err
	}
	record := models.ExerciseRecord{
		ClusterID:    cluster.ID,
		BizID:        cluster.BizID,
		ClusterType:  cluster.ClusterType,
		ImmuteDomain: cluster.ImmuteDomain,
		TicketID:     ticket.ID,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to record exercise of cluster %d: %w", cluster.ID, err)
	}
	return nil
}

func excludeSelected(all, selected []ExerciseCandidate) []ExerciseCandidate {
	chosen := map[uint]struct{}{}
	for _, c := range selected {
		chosen[c.Cluster.ID] = struct{}{}
	}
	var out []ExerciseCandidate
	for _, c := range all {
		if _, ok := chosen[c.Cluster.ID]; !ok {
			out = append(out, c)
		}
	}
	return out
}
