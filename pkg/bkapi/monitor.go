package bkapi

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
)

// UnifyQueryParams 统一时序查询入参
type UnifyQueryParams struct {
	PromQL string `json:"promql"`
	Start  int64  `json:"start_time"`
	End    int64  `json:"end_time"`
	Step   string `json:"step"`
}

// TimeSeries 一条时间序列；Datapoints 为 [value, timestamp] 对
type TimeSeries struct {
	Dimensions map[string]string `json:"dimensions"`
	Datapoints [][2]float64      `json:"datapoints"`
}

// UnifyQueryResult 统一时序查询结果
type UnifyQueryResult struct {
	Series []TimeSeries `json:"series"`
}

// TimeSeriesBackend 监控时序后端
type TimeSeriesBackend interface {
	UnifyQuery(ctx context.Context, params *UnifyQueryParams) (*UnifyQueryResult, error)
}

// MonitorClient TimeSeriesBackend 的 HTTP 实现
type MonitorClient struct {
	*client
}

func NewMonitorClient(cfg ClientConfig, logger *logrus.Logger) *MonitorClient {
	return &MonitorClient{client: newClient(cfg, logger)}
}

func (c *MonitorClient) UnifyQuery(ctx context.Context, params *UnifyQueryParams) (*UnifyQueryResult, error) {
	req, err := c.createRequest(ctx, http.MethodPost, "/api/v1/unify_query", params)
	if err != nil {
		return nil, err
	}
	var result UnifyQueryResult
	if err := c.doRequest(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
