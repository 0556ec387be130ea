package main

import (
	"fmt"
	"log"

	"dbflow/internal/config"
	"dbflow/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
	cfg := config.Load()

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")

	// 工单列表页按业务+状态过滤
	db.Exec("CREATE INDEX IF NOT EXISTS idx_tickets_biz_status ON tickets(bk_biz_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_tickets_type_created ON tickets(ticket_type, created_at)")

	// 回调按编排树根节点定位流程
	db.Exec("CREATE INDEX IF NOT EXISTS idx_flows_obj_id ON flows(flow_obj_id)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_flows_ticket_status ON flows(ticket_id, status)")

	// 互斥台账：冲突检查按集群锁行
	db.Exec("CREATE INDEX IF NOT EXISTS idx_cluster_op_cluster ON cluster_operation_records(cluster_id, ticket_type)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_cluster_op_flow ON cluster_operation_records(flow_id)")

	// 待办按流程/处理状态查询
	db.Exec("CREATE INDEX IF NOT EXISTS idx_todos_flow_done ON todos(flow_id, done)")

	// 巡检/演练报表按时间回溯
	db.Exec("CREATE INDEX IF NOT EXISTS idx_drill_reports_type_created ON drill_reports(drill_type, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_exercise_records_cluster ON exercise_records(cluster_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_backup_records_cluster_end ON backup_records(cluster_id, end_time)")

	log.Println("Indexes created successfully!")
}
