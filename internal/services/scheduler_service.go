package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dbflow/internal/metrics"
	"dbflow/internal/models"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SchedulerJob 周期任务：名字全局唯一，Run 自己保证可重入
type SchedulerJob struct {
	Name string
	Cron string
	Run  func(ctx context.Context) error
}

// SchedulerService 周期任务调度器：robfig/cron 驱动目录里的任务，
// 冻结标记可在不删任务的情况下压掉触发；同名任务单飞。
type SchedulerService struct {
	db     *gorm.DB
	logger *logrus.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	running map[string]bool
}

func NewSchedulerService(db *gorm.DB, logger *logrus.Logger) *SchedulerService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SchedulerService{
		db:      db,
		logger:  logger,
		cron:    cron.New(),
		running: map[string]bool{},
	}
}

// Register 登记任务：补目录行（已存在的保留冻结状态）并挂 cron
func (s *SchedulerService) Register(job SchedulerJob) error {
	task := models.RecurringTask{Name: job.Name, Cron: job.Cron}
	if err := s.db.Where("name = ?", job.Name).FirstOrCreate(&task).Error; err != nil {
		return fmt.Errorf("failed to register recurring task %s: %w", job.Name, err)
	}
	if _, err := s.cron.AddFunc(job.Cron, func() { s.fire(job) }); err != nil {
		return fmt.Errorf("invalid cron %q for task %s: %w", job.Cron, job.Name, err)
	}
	s.logger.Infof("Recurring task %s registered with cron %q", job.Name, job.Cron)
	return nil
}

// Start 启动调度循环
func (s *SchedulerService) Start() {
	s.cron.Start()
}

// Stop 停止调度并等在跑的任务收尾
func (s *SchedulerService) Stop() {
	<-s.cron.Stop().Done()
}

// fire 单次触发：冻结检查 + 单飞 + 执行记录
func (s *SchedulerService) fire(job SchedulerJob) {
	ctx := context.Background()

	var task models.RecurringTask
	if err := s.db.WithContext(ctx).Where("name = ?", job.Name).First(&task).Error; err != nil {
		s.logger.Errorf("Recurring task %s missing from catalog: %v", job.Name, err)
		return
	}
	if task.Frozen {
		metrics.IncSchedulerSkips()
		s.logger.Debugf("Recurring task %s is frozen, skipped", job.Name)
		return
	}

	s.mu.Lock()
	if s.running[job.Name] {
		s.mu.Unlock()
		metrics.IncSchedulerSkips()
		s.logger.Warnf("Recurring task %s still running, skipped this fire", job.Name)
		return
	}
	s.running[job.Name] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.Name)
		s.mu.Unlock()
	}()

	metrics.IncSchedulerFires()
	run := models.RecurringTaskRun{
		TaskName:  job.Name,
		RunID:     uuid.New().String(),
		Status:    "running",
		StartedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		s.logger.Errorf("Failed to record run of task %s: %v", job.Name, err)
		return
	}

	err := job.Run(ctx)
	now := time.Now()
	status, logs := "success", ""
	if err != nil {
		status, logs = "failed", err.Error()
		s.logger.Errorf("Recurring task %s failed: %v", job.Name, err)
	} else {
		s.logger.Infof("Recurring task %s finished", job.Name)
	}
	if dbErr := s.db.WithContext(ctx).Model(&models.RecurringTaskRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{"status": status, "logs": logs, "finished_at": &now}).Error; dbErr != nil {
		s.logger.Errorf("Failed to finalize run of task %s: %v", job.Name, dbErr)
	}
	if dbErr := s.db.WithContext(ctx).Model(&models.RecurringTask{}).
		Where("name = ?", job.Name).
		Update("last_run_at", &now).Error; dbErr != nil {
		s.logger.Errorf("Failed to stamp last run of task %s: %v", job.Name, dbErr)
	}
}

// SetFrozen 冻结/解冻任务
func (s *SchedulerService) SetFrozen(ctx context.Context, name string, frozen bool) error {
	result := s.db.WithContext(ctx).Model(&models.RecurringTask{}).
		Where("name = ?", name).
		Update("frozen", frozen)
	if result.Error != nil {
		return fmt.Errorf("failed to set frozen=%v on task %s: %w", frozen, name, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("recurring task %s not found", name)
	}
	return nil
}

// ListTasks 任务目录
func (s *SchedulerService) ListTasks(ctx context.Context) ([]models.RecurringTask, error) {
	var tasks []models.RecurringTask
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list recurring tasks: %w", err)
	}
	return tasks, nil
}

// ListRuns 某任务最近的执行记录
func (s *SchedulerService) ListRuns(ctx context.Context, name string, limit int) ([]models.RecurringTaskRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var runs []models.RecurringTaskRun
	if err := s.db.WithContext(ctx).
		Where("task_name = ?", name).
		Order("id DESC").Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs of task %s: %w", name, err)
	}
	return runs, nil
}
