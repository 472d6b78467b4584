package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"barwalk/internal/engine"
)

// Store 以 gorm + SQLite 持久化扫描头与成员摘要。
type Store struct {
	db *gorm.DB
}

func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sweep store 路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	// CGO_ENABLED=0 构建下默认的 "sqlite3" (mattn) 驱动只剩报错桩；绑定到
	// 纯 Go 的 modernc 驱动，_pragma DSN 参数也只在该驱动下生效。
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&sweepModel{}, &sweepMemberModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: 并行推演会同时写成员摘要，放开少量连接、靠
	// busy_timeout 消化锁竞争。
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveSweep 写入扫描头与全部成员行。同一扫描重复提交按主键覆盖，
// 状态字段回到本次给定值，created_at 保留首次写入时间。
func (s *Store) SaveSweep(ctx context.Context, rec SweepRecord, members []MemberRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	now := time.Now().UnixMilli()
	head, err := sweepToModel(rec)
	if err != nil {
		return err
	}
	head.CreatedAtUnix = now
	head.UpdatedAtUnix = now
	rows := make([]sweepMemberModel, 0, len(members))
	for _, m := range members {
		row, err := memberToModel(m)
		if err != nil {
			return err
		}
		row.UpdatedAtUnix = now
		rows = append(rows, row)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "message", "workers", "total", "completed", "failed",
				"best_run_id", "best_net_profit", "updated_at", "completed_at",
			}),
		}).Create(&head).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "sweep_id"}, {Name: "run_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"seq", "status", "message", "stats",
				"final_equity", "net_profit", "return_pct", "win_rate", "max_drawdown", "trades",
				"updated_at",
			}),
		}).Create(&rows).Error
	})
}

// GetSweep 返回扫描头。未找到时 found=false 且无错误。
func (s *Store) GetSweep(ctx context.Context, id string) (SweepRecord, bool, error) {
	if s == nil || s.db == nil {
		return SweepRecord{}, false, fmt.Errorf("gorm store 未初始化")
	}
	var row sweepModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SweepRecord{}, false, nil
		}
		return SweepRecord{}, false, err
	}
	rec, err := sweepFromModel(row)
	if err != nil {
		return SweepRecord{}, false, err
	}
	return rec, true, nil
}

// ListSweeps 返回最近的扫描列表（新在前）。
func (s *Store) ListSweeps(ctx context.Context, limit int) ([]SweepRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []sweepModel
	if err := s.db.WithContext(ctx).
		Order("created_at DESC, id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]SweepRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := sweepFromModel(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListMembers 返回扫描成员摘要（提交序）。
func (s *Store) ListMembers(ctx context.Context, sweepID string) ([]MemberRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var rows []sweepMemberModel
	if err := s.db.WithContext(ctx).
		Where("sweep_id = ?", sweepID).
		Order("seq ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]MemberRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := memberFromModel(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpdateSweepStatus 更新扫描状态与进度消息。
func (s *Store) UpdateSweepStatus(ctx context.Context, id, status, message string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	res := s.db.WithContext(ctx).Model(&sweepModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"message":    message,
			"updated_at": time.Now().UnixMilli(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// FinishSweep 落终态：完成计数、最优成员与终态消息。
func (s *Store) FinishSweep(ctx context.Context, id string, completed, failed int, bestRunID string, bestNetProfit float64, status, message string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	now := time.Now().UnixMilli()
	res := s.db.WithContext(ctx).Model(&sweepModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          status,
			"message":         message,
			"completed":       completed,
			"failed":          failed,
			"best_run_id":     bestRunID,
			"best_net_profit": bestNetProfit,
			"updated_at":      now,
			"completed_at":    now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CompleteMember 把成员标记为完成并写入统计摘要。
func (s *Store) CompleteMember(ctx context.Context, sweepID, runID string, stats engine.RunStats) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&sweepMemberModel{}).
		Where("sweep_id = ? AND run_id = ?", sweepID, runID).
		Updates(map[string]interface{}{
			"status":       MemberStatusDone,
			"message":      "",
			"stats":        datatypes.JSON(statsJSON),
			"final_equity": stats.FinalEquity,
			"net_profit":   stats.NetProfit,
			"return_pct":   stats.ReturnPct,
			"win_rate":     stats.WinRate,
			"max_drawdown": stats.MaxDrawdown,
			"trades":       stats.Trades,
			"updated_at":   time.Now().UnixMilli(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// FailMember 把成员标记为失败并记录原因。
func (s *Store) FailMember(ctx context.Context, sweepID, runID, message string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	res := s.db.WithContext(ctx).Model(&sweepMemberModel{}).
		Where("sweep_id = ? AND run_id = ?", sweepID, runID).
		Updates(map[string]interface{}{
			"status":     MemberStatusFailed,
			"message":    message,
			"updated_at": time.Now().UnixMilli(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// --------------------------- Model Helpers ------------------------------

type sweepModel struct {
	ID              string         `gorm:"column:id;primaryKey"`
	Symbol          string         `gorm:"column:symbol"`
	Timeframe       string         `gorm:"column:timeframe"`
	Strategy        string         `gorm:"column:strategy"`
	Preset          string         `gorm:"column:preset"`
	Status          string         `gorm:"column:status;index"`
	StartTS         int64          `gorm:"column:start_ts"`
	EndTS           int64          `gorm:"column:end_ts"`
	InitialCash     float64        `gorm:"column:initial_cash"`
	Workers         int            `gorm:"column:workers"`
	Total           int            `gorm:"column:total"`
	Completed       int            `gorm:"column:completed"`
	Failed          int            `gorm:"column:failed"`
	BestRunID       string         `gorm:"column:best_run_id"`
	BestNetProfit   float64        `gorm:"column:best_net_profit"`
	Message         string         `gorm:"column:message"`
	Request         datatypes.JSON `gorm:"column:request;type:TEXT"`
	CreatedAtUnix   int64          `gorm:"column:created_at"`
	UpdatedAtUnix   int64          `gorm:"column:updated_at"`
	CompletedAtUnix int64          `gorm:"column:completed_at"`
}

func (sweepModel) TableName() string { return "sweeps" }

type sweepMemberModel struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement"`
	SweepID       string         `gorm:"column:sweep_id;uniqueIndex:idx_sweep_run"`
	RunID         string         `gorm:"column:run_id;uniqueIndex:idx_sweep_run"`
	Seq           int            `gorm:"column:seq"`
	Status        string         `gorm:"column:status"`
	Message       string         `gorm:"column:message"`
	Overrides     datatypes.JSON `gorm:"column:overrides;type:TEXT"`
	Config        datatypes.JSON `gorm:"column:config;type:TEXT"`
	Stats         datatypes.JSON `gorm:"column:stats;type:TEXT"`
	FinalEquity   float64        `gorm:"column:final_equity"`
	NetProfit     float64        `gorm:"column:net_profit"`
	ReturnPct     float64        `gorm:"column:return_pct"`
	WinRate       float64        `gorm:"column:win_rate"`
	MaxDrawdown   float64        `gorm:"column:max_drawdown"`
	Trades        int            `gorm:"column:trades"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (sweepMemberModel) TableName() string { return "sweep_members" }

func sweepToModel(rec SweepRecord) (sweepModel, error) {
	reqJSON, err := json.Marshal(rec.Request)
	if err != nil {
		return sweepModel{}, err
	}
	return sweepModel{
		ID:              rec.ID,
		Symbol:          rec.Symbol,
		Timeframe:       rec.Timeframe,
		Strategy:        rec.Strategy,
		Preset:          rec.Preset,
		Status:          rec.Status,
		StartTS:         rec.StartTS,
		EndTS:           rec.EndTS,
		InitialCash:     rec.InitialCash,
		Workers:         rec.Workers,
		Total:           rec.Total,
		Completed:       rec.Completed,
		Failed:          rec.Failed,
		BestRunID:       rec.BestRunID,
		BestNetProfit:   rec.BestNetProfit,
		Message:         rec.Message,
		Request:         datatypes.JSON(reqJSON),
		CreatedAtUnix:   timeToMillis(rec.CreatedAt),
		UpdatedAtUnix:   timeToMillis(rec.UpdatedAt),
		CompletedAtUnix: timeToMillis(rec.CompletedAt),
	}, nil
}

func sweepFromModel(row sweepModel) (SweepRecord, error) {
	rec := SweepRecord{
		ID:            row.ID,
		Symbol:        row.Symbol,
		Timeframe:     row.Timeframe,
		Strategy:      row.Strategy,
		Preset:        row.Preset,
		Status:        row.Status,
		StartTS:       row.StartTS,
		EndTS:         row.EndTS,
		InitialCash:   row.InitialCash,
		Workers:       row.Workers,
		Total:         row.Total,
		Completed:     row.Completed,
		Failed:        row.Failed,
		BestRunID:     row.BestRunID,
		BestNetProfit: row.BestNetProfit,
		Message:       row.Message,
		CreatedAt:     millisToTime(row.CreatedAtUnix),
		UpdatedAt:     millisToTime(row.UpdatedAtUnix),
		CompletedAt:   millisToTime(row.CompletedAtUnix),
	}
	if len(row.Request) > 0 {
		if err := json.Unmarshal(row.Request, &rec.Request); err != nil {
			return SweepRecord{}, err
		}
	}
	return rec, nil
}

func memberToModel(m MemberRecord) (sweepMemberModel, error) {
	cfgJSON, err := json.Marshal(m.Config)
	if err != nil {
		return sweepMemberModel{}, err
	}
	statsJSON, err := json.Marshal(m.Stats)
	if err != nil {
		return sweepMemberModel{}, err
	}
	row := sweepMemberModel{
		SweepID:       m.SweepID,
		RunID:         m.RunID,
		Seq:           m.Seq,
		Status:        m.Status,
		Message:       m.Message,
		Config:        datatypes.JSON(cfgJSON),
		Stats:         datatypes.JSON(statsJSON),
		FinalEquity:   m.Stats.FinalEquity,
		NetProfit:     m.Stats.NetProfit,
		ReturnPct:     m.Stats.ReturnPct,
		WinRate:       m.Stats.WinRate,
		MaxDrawdown:   m.Stats.MaxDrawdown,
		Trades:        m.Stats.Trades,
		UpdatedAtUnix: timeToMillis(m.UpdatedAt),
	}
	if len(m.Overrides) > 0 {
		ovJSON, err := json.Marshal(m.Overrides)
		if err != nil {
			return sweepMemberModel{}, err
		}
		row.Overrides = datatypes.JSON(ovJSON)
	}
	return row, nil
}

func memberFromModel(row sweepMemberModel) (MemberRecord, error) {
	rec := MemberRecord{
		SweepID:     row.SweepID,
		RunID:       row.RunID,
		Seq:         row.Seq,
		Status:      row.Status,
		Message:     row.Message,
		FinalEquity: row.FinalEquity,
		NetProfit:   row.NetProfit,
		UpdatedAt:   millisToTime(row.UpdatedAtUnix),
	}
	if len(row.Overrides) > 0 {
		if err := json.Unmarshal(row.Overrides, &rec.Overrides); err != nil {
			return MemberRecord{}, err
		}
	}
	if len(row.Config) > 0 {
		if err := json.Unmarshal(row.Config, &rec.Config); err != nil {
			return MemberRecord{}, err
		}
	}
	if len(row.Stats) > 0 {
		if err := json.Unmarshal(row.Stats, &rec.Stats); err != nil {
			return MemberRecord{}, err
		}
	}
	return rec, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
