package models

import (
	"time"
)

// 工单：一次用户（或系统）发起的变更请求
type Ticket struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TicketType string    `gorm:"index;not null" json:"ticket_type"`
	BizID      uint      `gorm:"column:bk_biz_id;index" json:"bk_biz_id"`
	Creator    string    `json:"creator"`
	Remark     string    `gorm:"type:text" json:"remark"`
	Status     string    `gorm:"default:'PENDING';index" json:"status"`
	Details    JSONMap   `gorm:"type:text" json:"details"` // 按工单类型校验的明细袋
	Config     JSONMap   `gorm:"type:text" json:"config"`  // 通知/协助人等附加配置
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// 关联关系
	Flows []Flow `gorm:"foreignKey:TicketID" json:"flows,omitempty"`
}

// 流程节点：工单流水线中的一个阶段，按创建顺序执行
type Flow struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TicketID  uint      `gorm:"index" json:"ticket_id"`
	FlowType  string    `gorm:"not null" json:"flow_type"`
	Alias     string    `json:"flow_alias"`
	FlowObjID string    `gorm:"index" json:"flow_obj_id"` // 外部审批单/编排树根节点的句柄
	Status    string    `gorm:"default:'PENDING';index" json:"status"`
	ErrMsg    string    `gorm:"type:text" json:"err_msg"`
	ErrCode   int       `gorm:"default:0" json:"err_code"`
	RetryType string    `gorm:"default:'MANUAL_RETRY'" json:"retry_type"`
	Details   JSONMap   `gorm:"type:text" json:"details"` // 阶段输入
	Context   JSONMap   `gorm:"type:text" json:"context"` // 阶段输出，向后续阶段传播
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Ticket Ticket `gorm:"foreignKey:TicketID" json:"ticket,omitempty"`
	Todos  []Todo `gorm:"foreignKey:FlowID" json:"todos,omitempty"`
}

// 待办：挂在流程节点上等待人工处理的动作项
type Todo struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	FlowID    uint       `gorm:"index" json:"flow_id"`
	TicketID  uint       `gorm:"index" json:"ticket_id"`
	Name      string     `json:"name"`
	Operators StringList `gorm:"type:text" json:"operators"`
	Helpers   StringList `gorm:"type:text" json:"helpers"`
	Status    string     `gorm:"default:'TODO';index" json:"status"`
	Context   JSONMap    `gorm:"type:text" json:"context"` // 终止原因等处理上下文
	DoneBy    string     `json:"done_by"`
	DoneAt    *time.Time `json:"done_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// 集群操作台账：运行期互斥的事实来源，进程重启后依然有效
type ClusterOperationRecord struct {
	ID         uint `gorm:"primaryKey" json:"id"`
	ClusterID  uint `gorm:"uniqueIndex:uk_cluster_flow_ticket;index" json:"cluster_id"`
	FlowID     uint `gorm:"uniqueIndex:uk_cluster_flow_ticket" json:"flow_id"`
	TicketID   uint `gorm:"uniqueIndex:uk_cluster_flow_ticket;index" json:"ticket_id"`
	TicketType string `json:"ticket_type"`
	// 豁免集合：候选工单类型在集合内（或集合含 "*"）则不与本记录冲突
	UnlockTicketTypes StringList `gorm:"type:text" json:"unlock_ticket_type_condition"`
	IsPaused          bool       `gorm:"default:false" json:"is_paused"`
	CreatedAt         time.Time  `json:"created_at"`
}

// 单据流程配置：按 (工单类型, 作用域) 决定是否插入审批/人工确认阶段
type FlowConfig struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TicketType string    `gorm:"index;not null" json:"ticket_type"`
	Scope      string    `gorm:"not null" json:"scope"` // PLATFORM, BIZ, CLUSTER
	BizID      uint      `gorm:"column:bk_biz_id;index" json:"bk_biz_id"`
	ClusterIDs UintList  `gorm:"type:text" json:"cluster_ids"`
	Configs    JSONMap   `gorm:"type:text" json:"configs"` // need_approval / need_confirm
	Editable   bool      `gorm:"default:true" json:"editable"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// 周期任务目录项
type RecurringTask struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Name      string     `gorm:"unique;not null" json:"name"`
	Cron      string     `gorm:"not null" json:"cron"`
	Frozen    bool       `gorm:"default:false" json:"frozen"`
	LastRunAt *time.Time `json:"last_run_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// 周期任务单次执行记录
type RecurringTaskRun struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	TaskName   string     `gorm:"index" json:"task_name"`
	RunID      string     `gorm:"uniqueIndex" json:"run_id"`
	Status     string     `gorm:"default:'running'" json:"status"` // running, success, failed
	Logs       string     `gorm:"type:text" json:"logs"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// 工单状态流转历史（审计用）
type TicketStatusLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TicketID   uint      `gorm:"index" json:"ticket_id"`
	FlowID     uint      `gorm:"index" json:"flow_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Operator   string    `json:"operator"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// 演练报告：故障切换演练 / 备份巡检 / 指标巡检的产出
type DrillReport struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	DrillType    string    `gorm:"index" json:"drill_type"` // failover, backup_audit, metric_audit
	ClusterID    uint      `gorm:"index" json:"cluster_id"`
	ImmuteDomain string    `json:"immute_domain"`
	BizID        uint      `gorm:"column:bk_biz_id;index" json:"bk_biz_id"`
	Status       string    `json:"status"` // ok, failed, partial
	Phase        string    `json:"phase"`  // 失败发生的步骤
	Message      string    `gorm:"type:text" json:"message"`
	Detail       JSONMap   `gorm:"type:text" json:"detail"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// 回档演练记录：加权选簇的历史依据
type ExerciseRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ClusterID    uint      `gorm:"index" json:"cluster_id"`
	BizID        uint      `gorm:"column:bk_biz_id;index" json:"bk_biz_id"`
	ClusterType  string    `gorm:"index" json:"cluster_type"`
	ImmuteDomain string    `json:"immute_domain"`
	TicketID     uint      `json:"ticket_id"`
	Success      bool      `gorm:"default:false" json:"success"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

// 备份记录：备份巡检与回档演练准入的数据来源
type BackupRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ClusterID  uint      `gorm:"index" json:"cluster_id"`
	ShardName  string    `gorm:"index" json:"shard_name"`
	BackupType string    `json:"backup_type"` // FULL, INCREMENTAL
	Seq        int       `json:"seq"`         // 增量备份序号，FULL 为 0
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	CreatedAt  time.Time `json:"created_at"`
}

// 自愈忽略域名：按业务忽略的集群域名清单
type AlarmIgnore struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	BizID     uint      `gorm:"column:bk_biz_id;index" json:"bk_biz_id"`
	Domain    string    `gorm:"index" json:"domain"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// 自愈处理记录：每条告警的处置结果
type AutofixRecord struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	BizID     uint       `gorm:"column:bk_biz_id;index" json:"bk_biz_id"`
	ClusterID uint       `gorm:"index" json:"cluster_id"`
	Domain    string     `json:"domain"`
	Role      string     `json:"role"` // proxy, storage, mongos, mongo-storage
	Hosts     StringList `gorm:"type:text" json:"hosts"`
	Status    string     `gorm:"index" json:"status"` // AF_IGNORE, AF_FAIL, AF_TICKET
	TicketID  uint       `json:"ticket_id"`
	Message   string     `gorm:"type:text" json:"message"`
	CreatedAt time.Time  `json:"created_at"`
}

// AllModels 返回需要迁移的全部模型
func AllModels() []interface{} {
	return []interface{}{
		&Ticket{}, &Flow{}, &Todo{}, &TicketStatusLog{},
		&ClusterOperationRecord{}, &FlowConfig{},
		&RecurringTask{}, &RecurringTaskRun{},
		&DrillReport{}, &ExerciseRecord{}, &BackupRecord{},
		&AlarmIgnore{}, &AutofixRecord{},
	}
}
