package bkapi

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
)

// 审批结果
const (
	ApprovalResultApproved = "approved"
	ApprovalResultRejected = "rejected"
)

// ApprovalGateway 外部审批网关：创建审批单并返回句柄，
// 审批结果通过回调接口异步通知。
type ApprovalGateway interface {
	CreateApproval(ctx context.Context, details map[string]interface{}) (string, error)
	Withdraw(ctx context.Context, handle string) error
}

// ApprovalClient ApprovalGateway 的 HTTP 实现
type ApprovalClient struct {
	*client
}

func NewApprovalClient(cfg ClientConfig, logger *logrus.Logger) *ApprovalClient {
	return &ApprovalClient{client: newClient(cfg, logger)}
}

func (c *ApprovalClient) CreateApproval(ctx context.Context, details map[string]interface{}) (string, error) {
	req, err := c.createRequest(ctx, http.MethodPost, "/api/v1/approvals", details)
	if err != nil {
		return "", err
	}
	var result struct {
		Handle string `json:"sn"`
	}
	if err := c.doRequest(req, &result); err != nil {
		return "", err
	}
	return result.Handle, nil
}

func (c *ApprovalClient) Withdraw(ctx context.Context, handle string) error {
	req, err := c.createRequest(ctx, http.MethodPost, "/api/v1/approvals/"+handle+"/withdraw", nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, nil)
}
