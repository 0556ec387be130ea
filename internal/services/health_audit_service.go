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

// 节点巡检结论
const (
	NodeVerdictOK             = "ok"
	NodeVerdictMetricNotFound = "metric-not-found"
	NodeVerdictValueNotOne    = "value-not-1"
	NodeVerdictBadRoleLabel   = "bad-instance-role-label"
)

// HealthAuditService 指标巡检：拉集群的 *_up 存活指标和资产里的
// 节点清单对账，每个节点一条结论。
type HealthAuditService struct {
	db        *gorm.DB
	logger    *logrus.Logger
	inventory bkapi.InventoryRepository
	monitor   bkapi.TimeSeriesBackend
}

func NewHealthAuditService(db *gorm.DB, logger *logrus.Logger, inventory bkapi.InventoryRepository, monitor bkapi.TimeSeriesBackend) *HealthAuditService {
	if logger == nil {
		logger = logrus.New()
	}
	return &HealthAuditService{db: db, logger: logger, inventory: inventory, monitor: monitor}
}

// upMetricName 集群类型对应的存活指标名
func upMetricName(clusterType string) string {
	switch clusterType {
	case models.ClusterTypeRedis:
		return "redis_up"
	case models.ClusterTypeMongo:
		return "mongodb_up"
	default:
		return "mysql_up"
	}
}

// RunSweep 巡检指定类型的全部集群
func (s *HealthAuditService) RunSweep(ctx context.Context, clusterType string) error {
	clusters, err := s.inventory.ListClustersByType(ctx, clusterType)
	if err != nil {
		return fmt.Errorf("failed to list %s clusters: %w", clusterType, err)
	}
	for i := range clusters {
		if err := s.AuditCluster(ctx, &clusters[i]); err != nil {
			s.logger.Errorf("Health audit of cluster %d failed: %v", clusters[i].ID, err)
		}
	}
	return nil
}

// AuditCluster 单集群对账：指标序列按 instance 维度索引，
// 逐个期望节点出结论
func (s *HealthAuditService) AuditCluster(ctx context.Context, cluster *bkapi.Cluster) error {
	now := time.Now()
	metric := upMetricName(cluster.ClusterType)
	result, err := s.monitor.UnifyQuery(ctx, &bkapi.UnifyQueryParams{
		PromQL: fmt.Sprintf(`%s{cluster_domain="%s"}`, metric, cluster.ImmuteDomain),
		Start:  now.Add(-5 * time.Minute).Unix(),
		End:    now.Unix(),
		Step:   "60s",
	})
	if err != nil {
		return fmt.Errorf("unify query for cluster %d failed: %w", cluster.ID, err)
	}

	seriesByInstance := map[string]bkapi.TimeSeries{}
	for _, series := range result.Series {
		if inst := series.Dimensions["instance"]; inst != "" {
			seriesByInstance[inst] = series
		}
	}

	verdicts := models.JSONMap{}
	failed := 0
	for _, member := range expectedMembers(cluster) {
		instance := fmt.Sprintf("%s:%d", member.IP, member.Port)
		verdict := judgeNode(seriesByInstance, instance, member.Role)
		verdicts[instance] = verdict
		if verdict != NodeVerdictOK {
			failed++
		}
	}

	status := DrillStatusOK
	message := fmt.Sprintf("all %d nodes ok", len(verdicts))
	if failed > 0 {
		status = DrillStatusFailed
		message = fmt.Sprintf("%d of %d nodes failed %s audit", failed, len(verdicts), metric)
	}
	report := models.DrillReport{
		DrillType:    DrillTypeMetricAudit,
		ClusterID:    cluster.ID,
		ImmuteDomain: cluster.ImmuteDomain,
		BizID:        cluster.BizID,
		Status:       status,
		Message:      message,
		Detail:       verdicts,
	}
	if err := s.db.WithContext(ctx).Create(&report).Error; err != nil {
		return fmt.Errorf("failed to write metric audit report for cluster %d: %w", cluster.ID, err)
	}
	return nil
}

// judgeNode 单节点结论：没序列、最后值不为 1、角色标签和资产
// 不一致，三种异常按此顺序判定
func judgeNode(seriesByInstance map[string]bkapi.TimeSeries, instance, expectedRole string) string {
	series, ok := seriesByInstance[instance]
	if !ok || len(series.Datapoints) == 0 {
		return NodeVerdictMetricNotFound
	}
	if last := series.Datapoints[len(series.Datapoints)-1][0]; last != 1 {
		return NodeVerdictValueNotOne
	}
	if role := series.Dimensions["instance_role"]; role != expectedRole {
		return NodeVerdictBadRoleLabel
	}
	return NodeVerdictOK
}

// expectedMembers 期望节点集合：分片集群取各分片实例，其余取成员
func expectedMembers(cluster *bkapi.Cluster) []bkapi.Member {
	if len(cluster.Shards) == 0 {
		return cluster.Members
	}
	var members []bkapi.Member
	members = append(members, cluster.Members...)
	for _, shard := range cluster.Shards {
		members = append(members, shard.Instances...)
	}
	return members
}
