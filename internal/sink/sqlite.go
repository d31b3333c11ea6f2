package sink

import (
	"context"
	"copybot/internal/models"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type CopyRun struct {
	RunID       string    `gorm:"primaryKey"`
	StartedAt   time.Time `gorm:"index"`
	Total       int
	Successful  int
	Failed      int
	SuccessRate float64
	UpdatedAt   time.Time
}

type CopyRecordRow struct {
	RunID           string    `gorm:"primaryKey"`
	Seq             int       `gorm:"primaryKey;autoIncrement:false"`
	Timestamp       time.Time `gorm:"index"`
	MasterOrderID   string    `gorm:"index"`
	Symbol          string
	TransactionType string
	Quantity        int
	Price           decimal.Decimal `gorm:"type:text"`
	Follower        string
	Success         bool
	FollowerOrderID *string
	Error           *string
	DryRun          bool
}

func (CopyRun) TableName() string       { return "copy_runs" }
func (CopyRecordRow) TableName() string { return "copy_records" }

// SQLite keeps every run in one database file; rows are keyed by (run_id, seq) so a repeated flush adds nothing.
type SQLite struct {
	db *gorm.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("открытие базы %s: %w", path, err)
	}
	return NewSQLite(db)
}

func NewSQLite(db *gorm.DB) (*SQLite, error) {
	if err := db.AutoMigrate(&CopyRun{}, &CopyRecordRow{}); err != nil {
		return nil, fmt.Errorf("миграция базы: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Write(ctx context.Context, run RunLog) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := CopyRun{
			RunID:       run.RunID,
			StartedAt:   run.StartedAt,
			Total:       run.Summary.Total,
			Successful:  run.Summary.Successful,
			Failed:      run.Summary.Failed,
			SuccessRate: run.Summary.SuccessRate,
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("запись прогона: %w", err)
		}

		if len(run.Records) == 0 {
			return nil
		}
		rows := make([]CopyRecordRow, 0, len(run.Records))
		for i, rec := range run.Records {
			rows = append(rows, CopyRecordRow{
				RunID:           run.RunID,
				Seq:             i,
				Timestamp:       rec.Timestamp,
				MasterOrderID:   rec.MasterOrderID,
				Symbol:          rec.Symbol,
				TransactionType: string(rec.TransactionType),
				Quantity:        rec.Quantity,
				Price:           rec.Price,
				Follower:        rec.FollowerName,
				Success:         rec.Success,
				FollowerOrderID: rec.FollowerOrderID,
				Error:           rec.Error,
				DryRun:          rec.DryRun,
			})
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 100).Error; err != nil {
			return fmt.Errorf("запись журнала копирования: %w", err)
		}
		return nil
	})
}

// Records returns the stored copy log of one run in recording order.
func (s *SQLite) Records(ctx context.Context, runID string) ([]models.CopyRecord, error) {
	var rows []CopyRecordRow
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("seq").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.CopyRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.CopyRecord{
			Timestamp:       r.Timestamp,
			MasterOrderID:   r.MasterOrderID,
			Symbol:          r.Symbol,
			TransactionType: models.TransactionType(r.TransactionType),
			Quantity:        r.Quantity,
			Price:           r.Price,
			FollowerName:    r.Follower,
			Success:         r.Success,
			FollowerOrderID: r.FollowerOrderID,
			Error:           r.Error,
			DryRun:          r.DryRun,
		})
	}
	return out, nil
}

func (s *SQLite) Run(ctx context.Context, runID string) (CopyRun, error) {
	var run CopyRun
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	return run, err
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
