package bkapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// 资源池返回码
const (
	ResourceCodeOK   = 0
	ResourceCodeLake = 60001 // RESOURCE_LAKE：池内资源不足
	ResourceCodeBusy = 60002
)

// ResourceHost 一台被分配出来的主机
type ResourceHost struct {
	HostID  uint   `json:"bk_host_id"`
	IP      string `json:"ip"`
	CloudID uint   `json:"bk_cloud_id"`
	Spec    string `json:"spec"`
}

// ResourceApplyResult 资源申请结果
type ResourceApplyResult struct {
	Code      int            `json:"code"`
	RequestID string         `json:"request_id"`
	Hosts     []ResourceHost `json:"hosts"`
}

// ResourceBroker 资源池分配器：Apply 申请主机，Import 归还主机。
type ResourceBroker interface {
	Apply(ctx context.Context, params map[string]interface{}) (*ResourceApplyResult, error)
	Import(ctx context.Context, params map[string]interface{}) error
}

// ResourceClient ResourceBroker 的 HTTP 实现
type ResourceClient struct {
	*client
}

func NewResourceClient(cfg ClientConfig, logger *logrus.Logger) *ResourceClient {
	return &ResourceClient{client: newClient(cfg, logger)}
}

func (c *ResourceClient) Apply(ctx context.Context, params map[string]interface{}) (*ResourceApplyResult, error) {
	req, err := c.createRequest(ctx, http.MethodPost, "/api/v1/resource/apply", params)
	if err != nil {
		return nil, err
	}
	var result ResourceApplyResult
	if err := c.doRequest(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *ResourceClient) Import(ctx context.Context, params map[string]interface{}) error {
	req, err := c.createRequest(ctx, http.MethodPost, "/api/v1/resource/import", params)
	if err != nil {
		return err
	}
	var result struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := c.doRequest(req, &result); err != nil {
		return err
	}
	if result.Code != ResourceCodeOK {
		return fmt.Errorf("resource import failed: code=%d, %s", result.Code, result.Message)
	}
	return nil
}
