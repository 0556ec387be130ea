package bkapi

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
)

// 编排树状态
const (
	WorkflowStateCreated  = "CREATED"
	WorkflowStateRunning  = "RUNNING"
	WorkflowStateFinished = "FINISHED"
	WorkflowStateFailed   = "FAILED"
	WorkflowStateRevoked  = "REVOKED"
)

// ActuatorDispatcher 任务编排执行器：核心只负责启动/查询/取消，
// 具体在目标主机跑什么由执行器侧的动作负载决定。
type ActuatorDispatcher interface {
	Start(ctx context.Context, rootID string, payload map[string]interface{}) error
	Status(ctx context.Context, rootID string) (string, error)
	Outputs(ctx context.Context, rootID string) (map[string]interface{}, error)
	Cancel(ctx context.Context, rootID string) error
}

// ActuatorClient ActuatorDispatcher 的 HTTP 实现
type ActuatorClient struct {
	*client
}

func NewActuatorClient(cfg ClientConfig, logger *logrus.Logger) *ActuatorClient {
	return &ActuatorClient{client: newClient(cfg, logger)}
}

func (c *ActuatorClient) Start(ctx context.Context, rootID string, payload map[string]interface{}) error {
	req, err := c.createRequest(ctx, http.MethodPost, "/api/v1/workflows/"+rootID+"/start", payload)
	if err != nil {
		return err
	}
	return c.doRequest(req, nil)
}

func (c *ActuatorClient) Status(ctx context.Context, rootID string) (string, error) {
	req, err := c.createRequest(ctx, http.MethodGet, "/api/v1/workflows/"+rootID+"/status", nil)
	if err != nil {
		return "", err
	}
	var result struct {
		State string `json:"state"`
	}
	if err := c.doRequest(req, &result); err != nil {
		return "", err
	}
	return result.State, nil
}

func (c *ActuatorClient) Outputs(ctx context.Context, rootID string) (map[string]interface{}, error) {
	req, err := c.createRequest(ctx, http.MethodGet, "/api/v1/workflows/"+rootID+"/outputs", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Outputs map[string]interface{} `json:"outputs"`
	}
	if err := c.doRequest(req, &result); err != nil {
		return nil, err
	}
	return result.Outputs, nil
}

func (c *ActuatorClient) Cancel(ctx context.Context, rootID string) error {
	req, err := c.createRequest(ctx, http.MethodPost, "/api/v1/workflows/"+rootID+"/revoke", nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, nil)
}
