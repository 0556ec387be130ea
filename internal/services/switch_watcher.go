package services

import (
	"context"
	"time"

	"dbflow/pkg/bkapi"

	"github.com/sirupsen/logrus"
)

// 观察结论
const (
	SwitchResultSuccess = "success"
	SwitchResultWaiting = "waiting"
	SwitchResultIgnored = "ignored, wait timeout"
)

// HostSwitchState 一台故障机器的切换观察状态
type HostSwitchState struct {
	IP            string         `json:"ip"`
	ExpectedPorts map[int]bool   `json:"expected_ports"`
	SwitchedPorts map[int]bool   `json:"switched_ports"`
	MinSwitchID   uint64         `json:"min_switch_id"`
	MaxSwitchID   uint64         `json:"max_switch_id"`
	StatusCounts  map[string]int `json:"status_counts"`
	Result        string         `json:"result"`
}

// Complete 期望端口是否全部切完
func (h *HostSwitchState) Complete() bool {
	for port := range h.ExpectedPorts {
		if !h.SwitchedPorts[port] {
			return false
		}
	}
	return true
}

func (h *HostSwitchState) observe(event bkapi.SwitchEvent) {
	if h.MinSwitchID == 0 || event.SwitchID < h.MinSwitchID {
		h.MinSwitchID = event.SwitchID
	}
	if event.SwitchID > h.MaxSwitchID {
		h.MaxSwitchID = event.SwitchID
	}
	h.StatusCounts[event.Status]++
	if event.Status == bkapi.SwitchStatusSuccess {
		h.SwitchedPorts[event.Port] = true
	}
}

// SwitchWatchResult 一轮观察的产出
type SwitchWatchResult struct {
	Hosts       map[string]*HostSwitchState
	NextWatchID uint64
}

// SwitchWatcher 消费 HA 守护进程的切换队列：对每台故障机器对账
// 期望/实际切换的端口集合，等满上限后把没切完的标成超时忽略。
type SwitchWatcher struct {
	logger       *logrus.Logger
	queue        bkapi.SwitchQueueService
	maxWait      time.Duration
	pollInterval time.Duration
	batchSize    int
}

func NewSwitchWatcher(logger *logrus.Logger, queue bkapi.SwitchQueueService, maxWait, pollInterval time.Duration) *SwitchWatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &SwitchWatcher{
		logger:       logger,
		queue:        queue,
		maxWait:      maxWait,
		pollInterval: pollInterval,
		batchSize:    200,
	}
}

// Watch 从游标 fromID 开始观察 expected（机器 → 端口清单），
// 全部切完或等满 maxWait 后返回
func (w *SwitchWatcher) Watch(ctx context.Context, expected map[string][]int, fromID uint64) (*SwitchWatchResult, error) {
	hosts := map[string]*HostSwitchState{}
	for ip, ports := range expected {
		state := &HostSwitchState{
			IP:            ip,
			ExpectedPorts: map[int]bool{},
			SwitchedPorts: map[int]bool{},
			StatusCounts:  map[string]int{},
			Result:        SwitchResultWaiting,
		}
		for _, p := range ports {
			state.ExpectedPorts[p] = true
		}
		hosts[ip] = state
	}

	deadline := time.Now().Add(w.maxWait)
	cursor := fromID
	for {
		events, err := w.queue.ListSwitchEvents(ctx, cursor, w.batchSize)
		if err != nil {
			return nil, err
		}
		for _, event := range events {
			if event.SwitchID >= cursor {
				cursor = event.SwitchID + 1
			}
			state, ok := hosts[event.IP]
			if !ok {
				continue
			}
			state.observe(event)
		}

		if allComplete(hosts) {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}

	for _, state := range hosts {
		if state.Complete() {
			state.Result = SwitchResultSuccess
		} else {
			state.Result = SwitchResultIgnored
			w.logger.Warnf("Host %s switch incomplete after %s: %d of %d ports switched",
				state.IP, w.maxWait, len(state.SwitchedPorts), len(state.ExpectedPorts))
		}
	}

	return &SwitchWatchResult{
		Hosts:       hosts,
		NextWatchID: NextWatchID(hosts, fromID),
	}, nil
}

func allComplete(hosts map[string]*HostSwitchState) bool {
	for _, h := range hosts {
		if !h.Complete() {
			return false
		}
	}
	return true
}

// NextWatchID 下一轮观察的起始游标：
// min{成功机器的最大 id, 等待中机器的最小 id, 超时忽略机器的最大 id + 1}。
// 一条事件都没看到时停在本轮起点。
func NextWatchID(hosts map[string]*HostSwitchState, fromID uint64) uint64 {
	var candidates []uint64
	var successMax, ignoredMax, waitingMin uint64
	for _, h := range hosts {
		if h.MaxSwitchID == 0 {
			continue
		}
		switch h.Result {
		case SwitchResultSuccess:
			if h.MaxSwitchID > successMax {
				successMax = h.MaxSwitchID
			}
		case SwitchResultIgnored:
			if h.MaxSwitchID > ignoredMax {
				ignoredMax = h.MaxSwitchID
			}
		case SwitchResultWaiting:
			if waitingMin == 0 || h.MinSwitchID < waitingMin {
				waitingMin = h.MinSwitchID
			}
		}
	}
	if successMax > 0 {
		candidates = append(candidates, successMax)
	}
	if waitingMin > 0 {
		candidates = append(candidates, waitingMin)
	}
	if ignoredMax > 0 {
		candidates = append(candidates, ignoredMax+1)
	}
	if len(candidates) == 0 {
		return fromID
	}
	next := candidates[0]
	for _, c := range candidates[1:] {
		if c < next {
			next = c
		}
	}
	return next
}
