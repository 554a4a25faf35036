package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	logx "alertrelay/pkg/logx"
)

const defaultTable = "delivery_records"

type deliveryRow struct {
	AlertKey    string    `gorm:"primaryKey;size:512"`
	Destination string    `gorm:"primaryKey;size:128;index"`
	Status      string    `gorm:"size:16;not null;index:idx_status_updated,priority:1"`
	MessageID   string    `gorm:"size:64;not null;default:''"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false;not null;index:idx_status_updated,priority:2"`
}

func (r deliveryRow) record() Record {
	return Record{
		AlertKey:    r.AlertKey,
		Destination: r.Destination,
		Status:      r.Status,
		MessageID:   r.MessageID,
		UpdatedAt:   r.UpdatedAt,
	}
}

type postgresStore struct {
	db    *gorm.DB
	table string
	log   logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = defaultTable
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.Table(table).AutoMigrate(&deliveryRow{}); err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	log.Info("postgres store opened", logx.String("table", table))
	return &postgresStore{db: db, table: table, log: log}, nil
}

func (s *postgresStore) tx(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table)
}

func (s *postgresStore) Get(ctx context.Context, alertKey, destination string) (Record, bool, error) {
	var row deliveryRow
	err := s.tx(ctx).Where("alert_key = ? AND destination = ?", alertKey, destination).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return row.record(), true, nil
}

func (s *postgresStore) Put(ctx context.Context, r Record) error {
	if err := validRecord(r); err != nil {
		return err
	}
	row := deliveryRow{
		AlertKey:    r.AlertKey,
		Destination: r.Destination,
		Status:      r.Status,
		MessageID:   r.MessageID,
		UpdatedAt:   r.UpdatedAt,
	}
	return s.tx(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "alert_key"}, {Name: "destination"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "message_id", "updated_at"}),
	}).Create(&row).Error
}

func (s *postgresStore) Delete(ctx context.Context, alertKey, destination string) error {
	res := s.tx(ctx).Where("alert_key = ? AND destination = ?", alertKey, destination).Delete(&deliveryRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) List(ctx context.Context, f Filter) ([]Record, error) {
	q := s.tx(ctx)
	if f.Destination != "" {
		q = q.Where("destination = ?", f.Destination)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []deliveryRow
	if err := q.Order("updated_at desc").Order("alert_key").Order("destination").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *postgresStore) PruneResolved(ctx context.Context, before time.Time) (int, error) {
	res := s.tx(ctx).Where("status = ? AND updated_at < ?", StatusResolved, before).Delete(&deliveryRow{})
	return int(res.RowsAffected), res.Error
}

func (s *postgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *postgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
