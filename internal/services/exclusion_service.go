package services

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ExclusionService 工单互斥矩阵：行为候选工单类型，列为在跑工单类型，
// 单元格非 "N" 即互斥；缺失项按互斥处理（安全默认）。矩阵不对称。
type ExclusionService struct {
	logger   *logrus.Logger
	path     string
	snapshot atomic.Pointer[exclusionSnapshot]
}

// exclusionSnapshot 不可变快照，Reload 时整体替换
type exclusionSnapshot struct {
	// allowed[candidate][running] = true 表示显式 "N"（可并行）
	allowed map[string]map[string]bool
}

func NewExclusionService(path string, logger *logrus.Logger) *ExclusionService {
	if logger == nil {
		logger = logrus.New()
	}
	s := &ExclusionService{logger: logger, path: path}
	s.snapshot.Store(&exclusionSnapshot{allowed: map[string]map[string]bool{}})
	return s
}

// Load 从配置的 CSV 文件加载矩阵
func (s *ExclusionService) Load() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open exclusion matrix: %w", err)
	}
	defer f.Close()
	return s.LoadFromReader(f)
}

// LoadFromReader 解析矩阵并原子发布新快照。
// 首行为在跑工单类型表头，首列为候选工单类型。
func (s *ExclusionService) LoadFromReader(r io.Reader) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("parse exclusion matrix: %w", err)
	}
	if len(rows) < 2 {
		return fmt.Errorf("exclusion matrix too small: %d rows", len(rows))
	}

	header := rows[0]
	allowed := make(map[string]map[string]bool, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		candidate := strings.TrimSpace(row[0])
		cells := make(map[string]bool, len(header)-1)
		for i := 1; i < len(row) && i < len(header); i++ {
			running := strings.TrimSpace(header[i])
			if running == "" {
				continue
			}
			// 只有显式 "N" 代表可并行，空白与其它值一律按互斥
			if strings.EqualFold(strings.TrimSpace(row[i]), "N") {
				cells[running] = true
			}
		}
		allowed[candidate] = cells
	}

	s.snapshot.Store(&exclusionSnapshot{allowed: allowed})
	s.logger.Infof("Exclusion matrix loaded: %d candidate types", len(allowed))
	return nil
}

// Reload 管理侧触发的重载
func (s *ExclusionService) Reload() error {
	if s.path == "" {
		return fmt.Errorf("exclusion matrix path not configured")
	}
	return s.Load()
}

// Exclusive 候选类型 candidate 是否与在跑类型 running 冲突。
// 矩阵未覆盖的组合一律冲突。
func (s *ExclusionService) Exclusive(candidate, running string) bool {
	snap := s.snapshot.Load()
	cells, ok := snap.allowed[candidate]
	if !ok {
		return true
	}
	return !cells[running]
}
