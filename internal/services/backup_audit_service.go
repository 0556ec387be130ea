package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"dbflow/internal/models"
	"dbflow/pkg/bkapi"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// BackupAuditService 文档集群备份巡检：每个分片要有一次耗时
// 不超标的全量备份，外加一段足够长且序号连续的增量备份。
// 打了免巡检标签的集群跳过但留痕。
type BackupAuditService struct {
	db        *gorm.DB
	logger    *logrus.Logger
	inventory bkapi.InventoryRepository

	fullBackupMaxDuration time.Duration
	minIncrementalCount   int
	clusterMinAge         time.Duration
}

func NewBackupAuditService(
	db *gorm.DB,
	logger *logrus.Logger,
	inventory bkapi.InventoryRepository,
	fullBackupMaxDuration time.Duration,
	minIncrementalCount int,
	clusterMinAge time.Duration,
) *BackupAuditService {
	if logger == nil {
		logger = logrus.New()
	}
	return &BackupAuditService{
		db:                    db,
		logger:                logger,
		inventory:             inventory,
		fullBackupMaxDuration: fullBackupMaxDuration,
		minIncrementalCount:   minIncrementalCount,
		clusterMinAge:         clusterMinAge,
	}
}

// RunSweep 巡检全部文档集群，逐簇写报告行
func (s *BackupAuditService) RunSweep(ctx context.Context) error {
	clusters, err := s.inventory.ListClustersByType(ctx, models.ClusterTypeMongo)
	if err != nil {
		return fmt.Errorf("failed to list mongo clusters: %w", err)
	}
	cutoff := time.Now().Add(-s.clusterMinAge)
	for i := range clusters {
		cluster := &clusters[i]
		if cluster.CreatedAt.After(cutoff) {
			continue
		}
		if reason, skip := skipReason(cluster.Tags); skip {
			s.writeReport(ctx, cluster, DrillStatusSkipped, "", reason, nil)
			continue
		}
		s.auditCluster(ctx, cluster)
	}
	return nil
}

// skipReason 集群标签声明不备份/临时集群时免巡检
func skipReason(tags map[string]string) (string, bool) {
	if v := tags["backup"]; v == "no" || v == "false" {
		return "cluster tagged backup=" + v, true
	}
	if tags["temporary"] == "true" {
		return "cluster tagged temporary=true", true
	}
	return "", false
}

// AuditShard 单分片校验，报告问题清单（空为合格）
func (s *BackupAuditService) AuditShard(records []models.BackupRecord) []string {
	var problems []string

	var fulls, incrementals []models.BackupRecord
	for _, r := range records {
		switch r.BackupType {
		case models.BackupTypeFull:
			fulls = append(fulls, r)
		case models.BackupTypeIncremental:
			incrementals = append(incrementals, r)
		}
	}

	if len(fulls) == 0 {
		problems = append(problems, "no full backup")
	} else {
		ok := false
		for _, f := range fulls {
			if f.EndTime.Sub(f.StartTime) <= s.fullBackupMaxDuration {
				ok = true
				break
			}
		}
		if !ok {
			problems = append(problems, fmt.Sprintf("all full backups exceed %s", s.fullBackupMaxDuration))
		}
	}

	if n := longestContiguousRun(incrementals); n < s.minIncrementalCount {
		problems = append(problems, fmt.Sprintf("contiguous incremental run %d < %d", n, s.minIncrementalCount))
	}
	return problems
}

// longestContiguousRun 增量备份按序号排序后的最长连续段
func longestContiguousRun(records []models.BackupRecord) int {
	if len(records) == 0 {
		return 0
	}
	seqs := make([]int, 0, len(records))
	seen := map[int]struct{}{}
	for _, r := range records {
		if _, ok := seen[r.Seq]; ok {
			continue
		}
		seen[r.Seq] = struct{}{}
		seqs = append(seqs, r.Seq)
	}
	sort.Ints(seqs)
	best, run := 1, 1
	for i := 1; i < len(seqs); i++ {
		if seqs[i] == seqs[i-1]+1 {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

func (s *BackupAuditService) auditCluster(ctx context.Context, cluster *bkapi.Cluster) {
	shardProblems := map[string][]string{}
	okShards := 0
	for _, shard := range cluster.Shards {
		var records []models.BackupRecord
		if err := s.db.WithContext(ctx).
			Where("cluster_id = ? AND shard_name = ?", cluster.ID, shard.Name).
			Find(&records).Error; err != nil {
			s.logger.Errorf("Backup audit of cluster %d shard %s failed: %v", cluster.ID, shard.Name, err)
			return
		}
		if problems := s.AuditShard(records); len(problems) > 0 {
			shardProblems[shard.Name] = problems
		} else {
			okShards++
		}
	}

	detail := models.JSONMap{"shard_total": len(cluster.Shards), "shard_ok": okShards}
	if len(shardProblems) == 0 {
		msg := fmt.Sprintf("all %d shards ok", len(cluster.Shards))
		s.writeReport(ctx, cluster, DrillStatusOK, "", msg, detail)
		return
	}
	for name, problems := range shardProblems {
		detail[name] = problems
	}
	msg := fmt.Sprintf("%d of %d shards failed backup audit", len(shardProblems), len(cluster.Shards))
	s.writeReport(ctx, cluster, DrillStatusFailed, "shard_audit", msg, detail)
}

func (s *BackupAuditService) writeReport(ctx context.Context, cluster *bkapi.Cluster, status, phase, message string, detail models.JSONMap) {
	if detail == nil {
		detail = models.JSONMap{}
	}
	report := models.DrillReport{
		DrillType:    DrillTypeBackupAudit,
		ClusterID:    cluster.ID,
		ImmuteDomain: cluster.ImmuteDomain,
		BizID:        cluster.BizID,
		Status:       status,
		Phase:        phase,
		Message:      message,
		Detail:       detail,
	}
	if err := s.db.WithContext(ctx).Create(&report).Error; err != nil {
		s.logger.Errorf("Failed to write backup audit report for cluster %d: %v", cluster.ID, err)
	}
}
