package services

import (
	"context"
	"fmt"
	"sync"

	"dbflow/internal/metrics"
	"dbflow/internal/models"
	"dbflow/pkg/bkapi"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AlarmEvent 告警源推过来的一条事件
type AlarmEvent struct {
	BizID   uint     `json:"bk_biz_id" binding:"required"`
	Domain  string   `json:"immute_domain"`
	IPs     []string `json:"ips" binding:"required"`
	Message string   `json:"callback_message"`
	Creator string   `json:"creator"`
}

// AlarmService 告警转工单：过允许名单和忽略域名后，把故障机器
// 按角色分组，每组提一张自愈单。每条告警的处置结果都落
// AutofixRecord 可追溯。
type AlarmService struct {
	db        *gorm.DB
	logger    *logrus.Logger
	inventory bkapi.InventoryRepository
	notifier  bkapi.Notifier
	tickets   *TicketService
	watcher   *SwitchWatcher

	allowedClusterTypes []string
	channelIDs          []string

	cursorMu     sync.Mutex
	switchCursor uint64
}

func NewAlarmService(
	db *gorm.DB,
	logger *logrus.Logger,
	inventory bkapi.InventoryRepository,
	notifier bkapi.Notifier,
	tickets *TicketService,
	watcher *SwitchWatcher,
	allowedClusterTypes []string,
	channelIDs []string,
) *AlarmService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AlarmService{
		db:                  db,
		logger:              logger,
		inventory:           inventory,
		notifier:            notifier,
		tickets:             tickets,
		watcher:             watcher,
		allowedClusterTypes: allowedClusterTypes,
		channelIDs:          channelIDs,
	}
}

// HandleAlarm 处理一条告警事件，返回建出的自愈单 id
func (s *AlarmService) HandleAlarm(ctx context.Context, event *AlarmEvent) ([]uint, error) {
	metrics.IncAlarmsReceived()
	if len(event.IPs) == 0 {
		return nil, fmt.Errorf("alarm event carries no hosts")
	}

	cluster, err := s.inventory.GetHostCluster(ctx, event.IPs[0])
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cluster of host %s: %w", event.IPs[0], err)
	}

	if !s.typeAllowed(cluster.ClusterType) {
		s.record(ctx, cluster, "", nil, models.AutofixStatusIgnore, 0,
			fmt.Sprintf("cluster type %s not in autofix allow-list", cluster.ClusterType))
		return nil, nil
	}

	ignored, reason, err := s.domainIgnored(ctx, cluster.BizID, cluster.ImmuteDomain)
	if err != nil {
		return nil, err
	}
	if ignored {
		s.record(ctx, cluster, "", nil, models.AutofixStatusIgnore, 0, reason)
		s.notify(ctx, fmt.Sprintf("[autofix] 忽略 %s", cluster.ImmuteDomain),
			fmt.Sprintf("domain ignored: %s", reason))
		return nil, nil
	}

	groups := s.groupByRole(cluster, event.IPs)
	groups = s.gateOnSwitch(ctx, cluster, groups)

	var created []uint
	for role, hosts := range groups {
		ticketID, err := s.submitAutofix(ctx, event, cluster, role, hosts)
		if err != nil {
			s.record(ctx, cluster, role, hosts, models.AutofixStatusFail, 0, err.Error())
			s.logger.Errorf("Autofix ticket for %s/%s failed: %v", cluster.ImmuteDomain, role, err)
			continue
		}
		s.record(ctx, cluster, role, hosts, models.AutofixStatusTicket, ticketID, "")
		created = append(created, ticketID)
		metrics.IncAutofixTickets()
	}
	return created, nil
}

func (s *AlarmService) typeAllowed(clusterType string) bool {
	for _, t := range s.allowedClusterTypes {
		if t == clusterType {
			return true
		}
	}
	return false
}

// domainIgnored 业务维度的忽略域名清单
func (s *AlarmService) domainIgnored(ctx context.Context, bizID uint, domain string) (bool, string, error) {
	var ignore models.AlarmIgnore
	err := s.db.WithContext(ctx).
		Where("bk_biz_id = ? AND domain = ?", bizID, domain).
		First(&ignore).Error
	if err == gorm.ErrRecordNotFound {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("failed to check ignore list for %s: %w", domain, err)
	}
	return true, ignore.Reason, nil
}

// groupByRole 故障机器按实例角色分组，不在集群成员里的机器丢弃
func (s *AlarmService) groupByRole(cluster *bkapi.Cluster, ips []string) map[string][]string {
	roleByIP := map[string]string{}
	for _, m := range expectedMembers(cluster) {
		roleByIP[m.IP] = m.Role
	}
	groups := map[string][]string{}
	for _, ip := range ips {
		role, ok := roleByIP[ip]
		if !ok {
			s.logger.Warnf("Alarm host %s is not a member of cluster %s, dropped", ip, cluster.ImmuteDomain)
			continue
		}
		groups[role] = append(groups[role], ip)
	}
	return groups
}

// gateOnSwitch 等 HA 守护进程把故障机器的实例都切走后才放行自愈；
// 等满上限仍未切完的机器落 AF_IGNORE 后丢弃
func (s *AlarmService) gateOnSwitch(ctx context.Context, cluster *bkapi.Cluster, groups map[string][]string) map[string][]string {
	if s.watcher == nil || len(groups) == 0 {
		return groups
	}

	portsByIP := map[string][]int{}
	for _, m := range expectedMembers(cluster) {
		portsByIP[m.IP] = append(portsByIP[m.IP], m.Port)
	}
	expected := map[string][]int{}
	for _, hosts := range groups {
		for _, ip := range hosts {
			expected[ip] = portsByIP[ip]
		}
	}

	s.cursorMu.Lock()
	fromID := s.switchCursor
	s.cursorMu.Unlock()

	result, err := s.watcher.Watch(ctx, expected, fromID)
	if err != nil {
		s.logger.Errorf("Switch queue watch for %s failed: %v", cluster.ImmuteDomain, err)
		return groups
	}

	s.cursorMu.Lock()
	if result.NextWatchID > s.switchCursor {
		s.switchCursor = result.NextWatchID
	}
	s.cursorMu.Unlock()

	gated := map[string][]string{}
	for role, hosts := range groups {
		var switched, stuck []string
		for _, ip := range hosts {
			if state := result.Hosts[ip]; state != nil && state.Result == SwitchResultSuccess {
				switched = append(switched, ip)
			} else {
				stuck = append(stuck, ip)
			}
		}
		if len(stuck) > 0 {
			s.record(ctx, cluster, role, stuck, models.AutofixStatusIgnore, 0, SwitchResultIgnored)
		}
		if len(switched) > 0 {
			gated[role] = switched
		}
	}
	return gated
}

func (s *AlarmService) submitAutofix(ctx context.Context, event *AlarmEvent, cluster *bkapi.Cluster, role string, hosts []string) (uint, error) {
	ticketType := models.TicketRedisClusterAutofix
	if cluster.ClusterType == models.ClusterTypeMongo {
		ticketType = models.TicketMongoClusterAutofix
	}
	creator := event.Creator
	if creator == "" {
		creator = "system"
	}
	ticket, err := s.tickets.CreateTicket(ctx, &CreateTicketRequest{
		TicketType: ticketType,
		BizID:      cluster.BizID,
		Creator:    creator,
		Remark:     fmt.Sprintf("autofix %s on %s: %s", role, cluster.ImmuteDomain, event.Message),
		Details: models.JSONMap{
			"cluster_id": cluster.ID,
			"role":       role,
			"hosts":      hosts,
		},
	})
	if err != nil {
		return 0, err
	}
	return ticket.ID, nil
}

func (s *AlarmService) record(ctx context.Context, cluster *bkapi.Cluster, role string, hosts []string, status string, ticketID uint, message string) {
	record := models.AutofixRecord{
		BizID:     cluster.BizID,
		ClusterID: cluster.ID,
		Domain:    cluster.ImmuteDomain,
		Role:      role,
		Hosts:     hosts,
		Status:    status,
		TicketID:  ticketID,
		Message:   message,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logger.Errorf("Failed to record autofix outcome for %s: %v", cluster.ImmuteDomain, err)
	}
}

func (s *AlarmService) notify(ctx context.Context, title, body string) {
	if s.notifier == nil || len(s.channelIDs) == 0 {
		return
	}
	if err := s.notifier.Send(ctx, title, body, s.channelIDs); err != nil {
		s.logger.Warnf("Alarm notification failed: %v", err)
	}
}
