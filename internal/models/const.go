package models

// 工单状态
const (
	TicketStatusPending        = "PENDING"
	TicketStatusRunning        = "RUNNING"
	TicketStatusSucceeded      = "SUCCEEDED"
	TicketStatusFailed         = "FAILED"
	TicketStatusTerminated     = "TERMINATED"
	TicketStatusRevoked        = "REVOKED"
	TicketStatusApproveWaiting = "APPROVE_WAITING"
	TicketStatusTodoWaiting    = "TODO_WAITING"
)

// 流程节点类型
const (
	FlowTypeApproval      = "APPROVAL"       // 外部审批单
	FlowTypeHumanConfirm  = "HUMAN_CONFIRM"  // 人工确认待办
	FlowTypeInnerFlow     = "INNER_FLOW"     // 任务编排（调度器执行）
	FlowTypeDelivery      = "DELIVERY"       // 交付/关联登记
	FlowTypePause         = "PAUSE"          // 暂停 + 互斥复查门
	FlowTypeResourceApply = "RESOURCE_APPLY" // 资源申请
	FlowTypeResourceBatch = "RESOURCE_BATCH" // 批量资源申请
)

// 流程节点状态
const (
	FlowStatusPending    = "PENDING"
	FlowStatusRunning    = "RUNNING"
	FlowStatusSucceeded  = "SUCCEEDED"
	FlowStatusFailed     = "FAILED"
	FlowStatusRevoked    = "REVOKED"
	FlowStatusSkipped    = "SKIPPED"
	FlowStatusTerminated = "TERMINATED"
)

// 重试策略
const (
	RetryManual = "MANUAL_RETRY" // 仅人工重试
	RetryAuto   = "AUTO_RETRY"   // 瞬时错误自动重试
	RetryNone   = "NOT_RETRY"    // 禁止重试
)

// 待办状态
const (
	TodoStatusTodo        = "TODO"
	TodoStatusDoneSuccess = "DONE_SUCCESS"
	TodoStatusDoneFailed  = "DONE_FAILED"
)

// FlowConfig 作用域，解析顺序 cluster > biz > platform
const (
	ConfigScopeCluster  = "CLUSTER"
	ConfigScopeBiz      = "BIZ"
	ConfigScopePlatform = "PLATFORM"
)

// 互斥解锁集合里的通配 token：放行任意工单类型
const UnlockAll = "*"

// 错误码（落在 flow.err_code 上）
const (
	ErrCodeOK               = 0
	ErrCodeValidation       = 1 // 单据校验失败
	ErrCodeInnerFail        = 2 // 集群互斥冲突
	ErrCodeTransient        = 3 // 可重试的瞬时失败
	ErrCodeTimeout          = 4 // 可重试的超时
	ErrCodeWorkflow         = 5 // 编排终态失败
	ErrCodeResource         = 6 // 资源池返回失败（RESOURCE_LAKE 等）
	ErrCodeSystemTerminated = 7 // 系统强制终止
	ErrCodeUserTerminated   = 8 // 人工终止
)

// IsRetriableErrCode 自动重试只覆盖瞬时/超时两类
func IsRetriableErrCode(code int) bool {
	return code == ErrCodeTransient || code == ErrCodeTimeout
}

// 工单类型（节选：编排核心直接引用的部分，完整目录由各 builder 注册）
const (
	TicketMySQLHAApply           = "MYSQL_HA_APPLY"
	TicketMySQLHADestroy         = "MYSQL_HA_DESTROY"
	TicketMySQLHADisable         = "MYSQL_HA_DISABLE"
	TicketMySQLHAFullBackup      = "MYSQL_HA_FULL_BACKUP"
	TicketMySQLMasterSlaveSwitch = "MYSQL_MASTER_SLAVE_SWITCH"
	TicketMySQLProxySwitch       = "MYSQL_PROXY_SWITCH"
	TicketMySQLMigrateCluster    = "MYSQL_MIGRATE_CLUSTER"
	TicketMySQLRollbackCluster   = "MYSQL_ROLLBACK_CLUSTER"
	TicketFailoverDrill          = "FAILOVER_DRILL"
	TicketResourceReturn         = "RESOURCE_RETURN"
	TicketRedisClusterAutofix    = "REDIS_CLUSTER_AUTOFIX"
	TicketMongoClusterAutofix    = "MONGODB_CLUSTER_AUTOFIX"
)

// 集群类型
const (
	ClusterTypeTendbHA      = "tendbha"
	ClusterTypeTendbCluster = "tendbcluster"
	ClusterTypeRedis        = "rediscluster"
	ClusterTypeMongo        = "mongocluster"
)

// 自愈处理结果
const (
	AutofixStatusIgnore = "AF_IGNORE"
	AutofixStatusFail   = "AF_FAIL"
	AutofixStatusTicket = "AF_TICKET"
)

// 备份类型
const (
	BackupTypeFull        = "FULL"
	BackupTypeIncremental = "INCREMENTAL"
)
