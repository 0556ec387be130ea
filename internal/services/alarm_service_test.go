package services

import (
	"context"
	"sort"
	"testing"
	"time"

	"dbflow/internal/models"
	"dbflow/pkg/bkapi"
)

func redisCluster() *bkapi.Cluster {
	return &bkapi.Cluster{
		ID: 1, BizID: 1, ClusterType: models.ClusterTypeRedis, ImmuteDomain: "cache.redis.db",
		Members: []bkapi.Member{
			{IP: "10.0.0.1", Port: 30000, Role: bkapi.RoleStorage},
			{IP: "10.0.0.1", Port: 30001, Role: bkapi.RoleStorage},
			{IP: "10.0.0.2", Port: 30000, Role: bkapi.RoleStorage},
			{IP: "10.0.0.3", Port: 50000, Role: bkapi.RoleProxy},
		},
	}
}

func newAlarmEnv(t *testing.T, watcher *SwitchWatcher) (*testEnv, *AlarmService, *fakeNotifier) {
	t.Helper()
	env := newTestEnv(t)
	env.runners[models.FlowTypeInnerFlow] = &stubRunner{outcome: outcomeAwaitingExternal()}

	cluster := redisCluster()
	inventory := &fakeInventory{
		clusters: map[uint]*bkapi.Cluster{cluster.ID: cluster},
		byIP: map[string]*bkapi.Cluster{
			"10.0.0.1": cluster,
			"10.0.0.2": cluster,
			"10.0.0.3": cluster,
		},
	}
	notifier := &fakeNotifier{}
	alarms := NewAlarmService(env.db, testLogger(), inventory, notifier, env.tickets, watcher,
		[]string{models.ClusterTypeRedis, models.ClusterTypeMongo}, []string{"chan-1"})
	return env, alarms, notifier
}

func autofixRecords(t *testing.T, env *testEnv, status string) []models.AutofixRecord {
	t.Helper()
	var records []models.AutofixRecord
	if err := env.db.Where("status = ?", status).Find(&records).Error; err != nil {
		t.Fatalf("list autofix records: %v", err)
	}
	return records
}

func TestHandleAlarmTypeNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cluster := &bkapi.Cluster{ID: 5, BizID: 1, ClusterType: models.ClusterTypeTendbHA, ImmuteDomain: "mysql.db"}
	inventory := &fakeInventory{byIP: map[string]*bkapi.Cluster{"10.1.1.1": cluster}}
	alarms := NewAlarmService(env.db, testLogger(), inventory, &fakeNotifier{}, env.tickets, nil,
		[]string{models.ClusterTypeRedis}, nil)

	created, err := alarms.HandleAlarm(ctx, &AlarmEvent{BizID: 1, IPs: []string{"10.1.1.1"}})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("no tickets expected, got %v", created)
	}
	records := autofixRecords(t, env, models.AutofixStatusIgnore)
	if len(records) != 1 {
		t.Fatalf("expected 1 ignore record, got %d", len(records))
	}
}

func TestHandleAlarmIgnoredDomain(t *testing.T) {
	env, alarms, notifier := newAlarmEnv(t, nil)
	ctx := context.Background()

	ignore := models.AlarmIgnore{BizID: 1, Domain: "cache.redis.db", Reason: "planned maintenance"}
	if err := env.db.Create(&ignore).Error; err != nil {
		t.Fatalf("seed ignore: %v", err)
	}

	created, err := alarms.HandleAlarm(ctx, &AlarmEvent{BizID: 1, IPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("ignored domain must not produce tickets, got %v", created)
	}
	records := autofixRecords(t, env, models.AutofixStatusIgnore)
	if len(records) != 1 || records[0].Message != "planned maintenance" {
		t.Fatalf("unexpected ignore records: %+v", records)
	}
	if len(notifier.titles) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifier.titles))
	}
}

func TestHandleAlarmCreatesTicketPerRole(t *testing.T) {
	env, alarms, _ := newAlarmEnv(t, nil)
	ctx := context.Background()

	// 10.254.0.9 不是集群成员，应被丢弃
	created, err := alarms.HandleAlarm(ctx, &AlarmEvent{
		BizID:   1,
		IPs:     []string{"10.0.0.1", "10.0.0.3", "10.254.0.9"},
		Message: "node down",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 1 ticket per role, got %v", created)
	}

	records := autofixRecords(t, env, models.AutofixStatusTicket)
	if len(records) != 2 {
		t.Fatalf("expected 2 ticket records, got %d", len(records))
	}
	roles := []string{records[0].Role, records[1].Role}
	sort.Strings(roles)
	if roles[0] != bkapi.RoleProxy || roles[1] != bkapi.RoleStorage {
		t.Fatalf("roles = %v", roles)
	}
	for _, r := range records {
		if r.TicketID == 0 {
			t.Fatalf("record %d not bound to a ticket", r.ID)
		}
		var ticket models.Ticket
		if err := env.db.First(&ticket, r.TicketID).Error; err != nil {
			t.Fatalf("load ticket: %v", err)
		}
		if ticket.TicketType != models.TicketRedisClusterAutofix {
			t.Fatalf("ticket type = %s", ticket.TicketType)
		}
	}
}

func TestHandleAlarmGatesOnSwitch(t *testing.T) {
	// 10.0.0.1 两个端口都切完；10.0.0.2 没切完，等满后落忽略
	queue := &fakeSwitchQueue{events: []bkapi.SwitchEvent{
		{SwitchID: 1, IP: "10.0.0.1", Port: 30000, Status: bkapi.SwitchStatusSuccess},
		{SwitchID: 2, IP: "10.0.0.1", Port: 30001, Status: bkapi.SwitchStatusSuccess},
		{SwitchID: 3, IP: "10.0.0.2", Port: 30000, Status: bkapi.SwitchStatusDoing},
	}}
	watcher := NewSwitchWatcher(testLogger(), queue, 0, time.Millisecond)
	env, alarms, _ := newAlarmEnv(t, watcher)
	ctx := context.Background()

	created, err := alarms.HandleAlarm(ctx, &AlarmEvent{
		BizID: 1,
		IPs:   []string{"10.0.0.1", "10.0.0.2"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 ticket for the switched host, got %v", created)
	}

	ignored := autofixRecords(t, env, models.AutofixStatusIgnore)
	if len(ignored) != 1 || ignored[0].Message != SwitchResultIgnored {
		t.Fatalf("unexpected ignore records: %+v", ignored)
	}
	if len(ignored[0].Hosts) != 1 || ignored[0].Hosts[0] != "10.0.0.2" {
		t.Fatalf("ignored hosts = %v", ignored[0].Hosts)
	}

	ticketed := autofixRecords(t, env, models.AutofixStatusTicket)
	if len(ticketed) != 1 || len(ticketed[0].Hosts) != 1 || ticketed[0].Hosts[0] != "10.0.0.1" {
		t.Fatalf("ticketed records = %+v", ticketed)
	}
}

func TestHandleAlarmEmptyHosts(t *testing.T) {
	_, alarms, _ := newAlarmEnv(t, nil)
	if _, err := alarms.HandleAlarm(context.Background(), &AlarmEvent{BizID: 1}); err == nil {
		t.Fatalf("expected error for alarm without hosts")
	}
}
