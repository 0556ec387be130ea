package bkapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// 切换事件状态
const (
	SwitchStatusSuccess = "success"
	SwitchStatusFailed  = "failed"
	SwitchStatusDoing   = "doing"
)

// SwitchEvent HA 守护进程产出的一次实例切换事件，switch id 单调递增
type SwitchEvent struct {
	SwitchID    uint64    `json:"uid"`
	IP          string    `json:"ip"`
	Port        int       `json:"port"`
	Status      string    `json:"status"`
	ConfirmInfo string    `json:"confirm_info"`
	SwitchTime  time.Time `json:"switch_finished_time"`
}

// SwitchQueueService HA 切换队列的游标式枚举
type SwitchQueueService interface {
	ListSwitchEvents(ctx context.Context, fromID uint64, limit int) ([]SwitchEvent, error)
}

// SwitchQueueClient SwitchQueueService 的 HTTP 实现
type SwitchQueueClient struct {
	*client
}

func NewSwitchQueueClient(cfg ClientConfig, logger *logrus.Logger) *SwitchQueueClient {
	return &SwitchQueueClient{client: newClient(cfg, logger)}
}

func (c *SwitchQueueClient) ListSwitchEvents(ctx context.Context, fromID uint64, limit int) ([]SwitchEvent, error) {
	endpoint := fmt.Sprintf("/api/v1/switch_queue?from=%d&limit=%d", fromID, limit)
	req, err := c.createRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Events []SwitchEvent `json:"events"`
	}
	if err := c.doRequest(req, &result); err != nil {
		return nil, err
	}
	return result.Events, nil
}
