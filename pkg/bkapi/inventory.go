package bkapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// 集群运行状态
const (
	ClusterStatusNormal   = "NORMAL"
	ClusterStatusAbnormal = "ABNORMAL"
)

// 实例角色
const (
	RoleProxy        = "proxy"
	RoleStorage      = "storage"
	RoleMongos       = "mongos"
	RoleMongoStorage = "mongo-storage"
)

// Member 集群成员实例
type Member struct {
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

// Shard 分片（分片集群/文档集群）
type Shard struct {
	Name      string   `json:"name"`
	Instances []Member `json:"instances"`
}

// Cluster 元数据仓库里的一条集群记录，对核心只读
type Cluster struct {
	ID           uint              `json:"id"`
	BizID        uint              `json:"bk_biz_id"`
	ClusterType  string            `json:"cluster_type"`
	ImmuteDomain string            `json:"immute_domain"`
	Module       string            `json:"db_module"`
	CloudID      uint              `json:"bk_cloud_id"`
	Status       string            `json:"status"`
	Tags         map[string]string `json:"tags"`
	Shards       []Shard           `json:"shards"`
	Members      []Member          `json:"members"`
	CreatedAt    time.Time         `json:"create_at"`
}

// InventoryRepository 元数据仓库查询接口
type InventoryRepository interface {
	GetCluster(ctx context.Context, clusterID uint) (*Cluster, error)
	ListClustersByBiz(ctx context.Context, bizID uint) ([]Cluster, error)
	ListClustersByType(ctx context.Context, clusterType string) ([]Cluster, error)
	GetHostCluster(ctx context.Context, ip string) (*Cluster, error)
}

// InventoryClient InventoryRepository 的 HTTP 实现
type InventoryClient struct {
	*client
}

func NewInventoryClient(cfg ClientConfig, logger *logrus.Logger) *InventoryClient {
	return &InventoryClient{client: newClient(cfg, logger)}
}

func (c *InventoryClient) GetCluster(ctx context.Context, clusterID uint) (*Cluster, error) {
	req, err := c.createRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v1/clusters/%d", clusterID), nil)
	if err != nil {
		return nil, err
	}
	var result Cluster
	if err := c.doRequest(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *InventoryClient) ListClustersByBiz(ctx context.Context, bizID uint) ([]Cluster, error) {
	req, err := c.createRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v1/clusters?bk_biz_id=%d", bizID), nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Clusters []Cluster `json:"clusters"`
	}
	if err := c.doRequest(req, &result); err != nil {
		return nil, err
	}
	return result.Clusters, nil
}

func (c *InventoryClient) ListClustersByType(ctx context.Context, clusterType string) ([]Cluster, error) {
	req, err := c.createRequest(ctx, http.MethodGet, "/api/v1/clusters?cluster_type="+clusterType, nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Clusters []Cluster `json:"clusters"`
	}
	if err := c.doRequest(req, &result); err != nil {
		return nil, err
	}
	return result.Clusters, nil
}

func (c *InventoryClient) GetHostCluster(ctx context.Context, ip string) (*Cluster, error) {
	req, err := c.createRequest(ctx, http.MethodGet, "/api/v1/hosts/"+ip+"/cluster", nil)
	if err != nil {
		return nil, err
	}
	var result Cluster
	if err := c.doRequest(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
