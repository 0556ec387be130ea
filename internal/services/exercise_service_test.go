package services

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"dbflow/internal/models"
	"dbflow/pkg/bkapi"
)

func TestSplitExerciseTargets(t *testing.T) {
	cases := []struct {
		name               string
		tcRecent, haRecent int
		n                  int
		wantTC, wantHA     int
	}{
		{"zero_target", 3, 3, 0, 0, 0},
		{"no_history_splits_even", 0, 0, 4, 2, 2},
		{"no_history_odd", 0, 0, 5, 2, 3},
		{"balanced_history", 5, 5, 10, 5, 5},
		{"tendbcluster_heavy_gets_less", 9, 1, 10, 2, 8},
		{"tendbha_heavy_gets_less", 1, 9, 10, 8, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotTC, gotHA := SplitExerciseTargets(tc.tcRecent, tc.haRecent, tc.n)
			if gotTC != tc.wantTC || gotHA != tc.wantHA {
				t.Fatalf("SplitExerciseTargets(%d, %d, %d) = (%d, %d), want (%d, %d)",
					tc.tcRecent, tc.haRecent, tc.n, gotTC, gotHA, tc.wantTC, tc.wantHA)
			}
		})
	}
}

func TestCandidatePriority(t *testing.T) {
	cases := []struct {
		name                 string
		bizEver, clusterEver bool
		success              int
		want                 int
	}{
		{"new_biz", false, false, 0, 1000},
		{"new_biz_ignores_success", false, true, 9, 1000},
		{"new_cluster", true, false, 0, 500},
		{"new_cluster_decays", true, false, 3, 350},
		{"new_cluster_floor", true, false, 9, 100},
		{"veteran", true, true, 0, 200},
		{"veteran_decays", true, true, 5, 100},
		{"veteran_floor", true, true, 10, 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CandidatePriority(tc.bizEver, tc.clusterEver, tc.success); got != tc.want {
				t.Fatalf("CandidatePriority(%v, %v, %d) = %d, want %d",
					tc.bizEver, tc.clusterEver, tc.success, got, tc.want)
			}
		})
	}
}

func TestCandidateWeight(t *testing.T) {
	if got := CandidateWeight(0); got != 1.0 {
		t.Fatalf("weight(0) = %f, want 1.0", got)
	}
	if got := CandidateWeight(2); got != 0.5 {
		t.Fatalf("weight(2) = %f, want 0.5", got)
	}
	if got := CandidateWeight(100); got != 0.1 {
		t.Fatalf("weight(100) = %f, want floor 0.1", got)
	}
}

func TestWeightedPickTierOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	candidates := []ExerciseCandidate{
		{Cluster: bkapi.Cluster{ID: 1}, Priority: 100, Weight: 1.0},
		{Cluster: bkapi.Cluster{ID: 2}, Priority: 1000, Weight: 0.1},
		{Cluster: bkapi.Cluster{ID: 3}, Priority: 100, Weight: 1.0},
	}

	picked := WeightedPick(candidates, 2, rng)
	if len(picked) != 2 {
		t.Fatalf("picked %d, want 2", len(picked))
	}
	// 最高优先级层先抽干
	if picked[0].Cluster.ID != 2 {
		t.Fatalf("first pick = cluster %d, want the priority-1000 one", picked[0].Cluster.ID)
	}

	// k 超出候选数时抽全量且不重复
	rng = rand.New(rand.NewSource(2))
	all := WeightedPick(candidates, 10, rng)
	if len(all) != 3 {
		t.Fatalf("picked %d, want all 3", len(all))
	}
	seen := map[uint]bool{}
	for _, c := range all {
		if seen[c.Cluster.ID] {
			t.Fatalf("cluster %d picked twice", c.Cluster.ID)
		}
		seen[c.Cluster.ID] = true
	}

	if got := WeightedPick(candidates, 0, rng); got != nil {
		t.Fatalf("k=0 must pick nothing, got %v", got)
	}
}

func TestRunExercise(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.runners[models.FlowTypeInnerFlow] = &stubRunner{outcome: outcomeAwaitingExternal()}

	inventory := &fakeInventory{clusters: map[uint]*bkapi.Cluster{
		1: {ID: 1, BizID: 1, ClusterType: models.ClusterTypeTendbHA, ImmuteDomain: "ha1.db"},
		2: {ID: 2, BizID: 1, ClusterType: models.ClusterTypeTendbCluster, ImmuteDomain: "tc1.db"},
		3: {ID: 3, BizID: 2, ClusterType: models.ClusterTypeTendbHA, ImmuteDomain: "ha2.db"},
	}}
	exercise := NewExerciseService(env.db, testLogger(), inventory, env.tickets, 3, 48*time.Hour)
	exercise.rng = rand.New(rand.NewSource(7))

	// 集群 3 没有备份，准入过滤要把它拦下
	now := time.Now()
	for _, clusterID := range []uint{1, 2} {
		record := models.BackupRecord{
			ClusterID:  clusterID,
			BackupType: models.BackupTypeFull,
			StartTime:  now.Add(-3 * time.Hour),
			EndTime:    now.Add(-2 * time.Hour),
		}
		if err := env.db.Create(&record).Error; err != nil {
			t.Fatalf("seed backup: %v", err)
		}
	}

	if err := exercise.RunExercise(ctx); err != nil {
		t.Fatalf("run exercise: %v", err)
	}

	var records []models.ExerciseRecord
	if err := env.db.Find(&records).Error; err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 exercise records, got %d", len(records))
	}
	for _, r := range records {
		if r.ClusterID == 3 {
			t.Fatalf("cluster without backup must be skipped")
		}
		if r.TicketID == 0 {
			t.Fatalf("exercise record %d not bound to a ticket", r.ID)
		}
		var ticket models.Ticket
		if err := env.db.First(&ticket, r.TicketID).Error; err != nil {
			t.Fatalf("load ticket: %v", err)
		}
		if ticket.TicketType != models.TicketMySQLRollbackCluster {
			t.Fatalf("ticket type = %s", ticket.TicketType)
		}
	}
}

func TestExerciseSkipsRecentlyExercised(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inventory := &fakeInventory{clusters: map[uint]*bkapi.Cluster{
		1: {ID: 1, BizID: 1, ClusterType: models.ClusterTypeTendbHA, ImmuteDomain: "ha1.db"},
	}}
	exercise := NewExerciseService(env.db, testLogger(), inventory, env.tickets, 1, 48*time.Hour)

	recent := models.ExerciseRecord{ClusterID: 1, BizID: 1, ClusterType: models.ClusterTypeTendbHA}
	if err := env.db.Create(&recent).Error; err != nil {
		t.Fatalf("seed record: %v", err)
	}

	candidates, err := exercise.candidatesOfType(ctx, models.ClusterTypeTendbHA)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("cluster exercised within 24h must be excluded, got %d", len(candidates))
	}
}

func TestExerciseOnTicketTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exercise := NewExerciseService(env.db, testLogger(), &fakeInventory{}, env.tickets, 1, 48*time.Hour)

	ticket := env.mustTicket(t, models.TicketMySQLRollbackCluster, nil)
	record := models.ExerciseRecord{ClusterID: 1, BizID: 1, ClusterType: models.ClusterTypeTendbHA, TicketID: ticket.ID}
	if err := env.db.Create(&record).Error; err != nil {
		t.Fatalf("seed record: %v", err)
	}

	ticket.Status = models.TicketStatusSucceeded
	exercise.OnTicketTerminal(ctx, ticket)

	var reloaded models.ExerciseRecord
	if err := env.db.First(&reloaded, record.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.Success {
		t.Fatalf("success flag not recorded")
	}

	// 其他类型的工单不碰演练记录
	other := env.mustTicket(t, "SWITCH", nil)
	otherRecord := models.ExerciseRecord{ClusterID: 2, BizID: 1, ClusterType: models.ClusterTypeTendbHA, TicketID: other.ID}
	if err := env.db.Create(&otherRecord).Error; err != nil {
		t.Fatalf("seed record: %v", err)
	}
	other.Status = models.TicketStatusSucceeded
	exercise.OnTicketTerminal(ctx, other)
	if err := env.db.First(&otherRecord, otherRecord.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if otherRecord.Success {
		t.Fatalf("non-rollback ticket must not touch exercise records")
	}
}
