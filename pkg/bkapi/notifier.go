package bkapi

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Notifier 通知通道（群机器人/邮件等由对端路由）
type Notifier interface {
	Send(ctx context.Context, title, body string, channelIDs []string) error
}

// NotifierClient Notifier 的 HTTP 实现
type NotifierClient struct {
	*client
}

func NewNotifierClient(cfg ClientConfig, logger *logrus.Logger) *NotifierClient {
	return &NotifierClient{client: newClient(cfg, logger)}
}

func (c *NotifierClient) Send(ctx context.Context, title, body string, channelIDs []string) error {
	req, err := c.createRequest(ctx, http.MethodPost, "/api/v1/notify", map[string]interface{}{
		"title":       title,
		"body":        body,
		"channel_ids": channelIDs,
	})
	if err != nil {
		return err
	}
	return c.doRequest(req, nil)
}
