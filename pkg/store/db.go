package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/modelforge/orchestrator/pkg/apierrors"
	"github.com/modelforge/orchestrator/pkg/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DBStore persists configs in a SQL database via gorm, schema-managed
// by golang-migrate. Grounded on the teacher's dashboard
// PostgresStorage (gorm.Open + a migration step before serving
// traffic), generalized to also support a local sqlite file so the
// orchestrator doesn't require a Postgres instance for single-node use.
type DBStore struct {
	db  *gorm.DB
	log zerolog.Logger
}

type configRecord struct {
	ID                       string `gorm:"primaryKey"`
	Name                     string
	Framework                string
	ModelPath                string `gorm:"column:model_path"`
	Priority                 int
	GPUDevicesJSON           string `gorm:"column:gpu_devices"`
	ParametersJSON           string `gorm:"column:parameters"`
	AdditionalParameters     string `gorm:"column:additional_parameters"`
	ResourceRequirementsJSON string `gorm:"column:resource_requirements"`
	HealthCheckJSON          string `gorm:"column:health_check"`
	RetryPolicyJSON          string `gorm:"column:retry_policy"`
	CreatedAt                time.Time
	UpdatedAt                time.Time
	IsActive                 bool `gorm:"column:is_active"`
}

func (configRecord) TableName() string { return "model_configs" }

type backupRecord struct {
	ID          string `gorm:"primaryKey"`
	CreatedAt   time.Time
	ModelIDsJSON string `gorm:"column:model_ids"`
	Snapshot    string
}

func (backupRecord) TableName() string { return "config_backups" }

type changeLogRecord struct {
	ID         uint `gorm:"primaryKey;autoIncrement"`
	ModelID    string
	ChangeType string
	FieldsJSON string `gorm:"column:fields"`
	CreatedAt  time.Time
}

func (changeLogRecord) TableName() string { return "config_change_logs" }

// OpenDB opens a DBStore against dsn. Supported schemes: sqlite:// and
// postgres:// (or postgresql://); a dsn with no scheme opens as a
// sqlite path. This matches the --store-dsn flag's dispatch to either
// backend (spec §4.8's Open Question, decided in favor of both).
func OpenDB(dsn string, log zerolog.Logger) (*DBStore, error) {
	dialect, gormDSN := splitDSN(dsn)

	var dialector gorm.Dialector
	switch dialect {
	case "postgres":
		dialector = postgres.Open(gormDSN)
	case "sqlite":
		dialector = sqlite.Open(gormDSN)
	default:
		return nil, apierrors.New(apierrors.KindInvalidConfig, "unsupported store DSN scheme %q", dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindDependencyUnavailable, err, "opening %s database", dialect)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, err, "obtaining sql.DB handle")
	}
	if err := runMigrations(sqlDB, dialect); err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, err, "running config store migrations")
	}

	return &DBStore{db: db, log: log.With().Str("component", "store").Str("backend", dialect).Logger()}, nil
}

func splitDSN(dsn string) (dialect, rest string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://")
	default:
		return "sqlite", dsn
	}
}

func runMigrations(sqlDB *sql.DB, dialect string) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}

	var driver database.Driver
	switch dialect {
	case "postgres":
		driver, err = migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{})
	default:
		driver, err = migratesqlite3.WithInstance(sqlDB, &migratesqlite3.Config{})
	}
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, dialect, driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func toRecord(cfg types.ModelConfig) (configRecord, error) {
	gpuDevices, err := json.Marshal(cfg.GPUDevices)
	if err != nil {
		return configRecord{}, err
	}
	params, err := json.Marshal(cfg.Parameters)
	if err != nil {
		return configRecord{}, err
	}
	resourceReq, err := json.Marshal(cfg.ResourceRequirements)
	if err != nil {
		return configRecord{}, err
	}
	healthCheck, err := json.Marshal(cfg.HealthCheck)
	if err != nil {
		return configRecord{}, err
	}
	retryPolicy, err := json.Marshal(cfg.RetryPolicy)
	if err != nil {
		return configRecord{}, err
	}
	return configRecord{
		ID:                       cfg.ID,
		Name:                     cfg.Name,
		Framework:                string(cfg.Framework),
		ModelPath:                cfg.ModelPath,
		Priority:                 cfg.Priority,
		GPUDevicesJSON:           string(gpuDevices),
		ParametersJSON:           string(params),
		AdditionalParameters:     cfg.AdditionalParameters,
		ResourceRequirementsJSON: string(resourceReq),
		HealthCheckJSON:          string(healthCheck),
		RetryPolicyJSON:          string(retryPolicy),
		CreatedAt:                cfg.CreatedAt,
		UpdatedAt:                cfg.UpdatedAt,
		IsActive:                 true,
	}, nil
}

func fromRecord(rec configRecord) (types.ModelConfig, error) {
	cfg := types.ModelConfig{
		ID:                   rec.ID,
		Name:                 rec.Name,
		Framework:            types.Framework(rec.Framework),
		ModelPath:            rec.ModelPath,
		Priority:             rec.Priority,
		AdditionalParameters: rec.AdditionalParameters,
		CreatedAt:            rec.CreatedAt,
		UpdatedAt:            rec.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(rec.GPUDevicesJSON), &cfg.GPUDevices); err != nil {
		return cfg, err
	}
	if err := json.Unmarshal([]byte(rec.ParametersJSON), &cfg.Parameters); err != nil {
		return cfg, err
	}
	if err := json.Unmarshal([]byte(rec.ResourceRequirementsJSON), &cfg.ResourceRequirements); err != nil {
		return cfg, err
	}
	if err := json.Unmarshal([]byte(rec.HealthCheckJSON), &cfg.HealthCheck); err != nil {
		return cfg, err
	}
	if err := json.Unmarshal([]byte(rec.RetryPolicyJSON), &cfg.RetryPolicy); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (s *DBStore) ValidateConfig(cfg types.ModelConfig) error {
	return validateConfig(cfg)
}

func (s *DBStore) SaveModelConfig(ctx context.Context, cfg types.ModelConfig) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	rec, err := toRecord(cfg)
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, err, "encoding config %s", cfg.ID)
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return apierrors.Wrap(apierrors.KindInternal, err, "saving config %s", cfg.ID)
	}
	return nil
}

func (s *DBStore) LoadModelConfigs(ctx context.Context) ([]types.ModelConfig, error) {
	var records []configRecord
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&records).Error; err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, err, "loading configs")
	}
	out := make([]types.ModelConfig, 0, len(records))
	for _, rec := range records {
		cfg, err := fromRecord(rec)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.KindInternal, err, "decoding config %s", rec.ID)
		}
		out = append(out, cfg)
	}
	return out, nil
}

// DeleteModelConfig soft-deletes id, per spec §3/§6: the row stays in
// place with is_active=false so backups and the change log retain its
// history, rather than a hard DELETE.
func (s *DBStore) DeleteModelConfig(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&configRecord{}).Where("id = ? AND is_active = ?", id, true).Update("is_active", false)
	if result.Error != nil {
		return apierrors.Wrap(apierrors.KindInternal, result.Error, "deleting config %s", id)
	}
	if result.RowsAffected == 0 {
		return apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "config %s not found", id)
	}
	return nil
}

func (s *DBStore) Backup(ctx context.Context) (Backup, error) {
	configs, err := s.LoadModelConfigs(ctx)
	if err != nil {
		return Backup{}, err
	}
	snapshot, err := json.Marshal(configs)
	if err != nil {
		return Backup{}, apierrors.Wrap(apierrors.KindInternal, err, "encoding backup snapshot")
	}
	ids := make([]string, len(configs))
	for i, c := range configs {
		ids[i] = c.ID
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return Backup{}, apierrors.Wrap(apierrors.KindInternal, err, "encoding backup model ids")
	}

	rec := backupRecord{ID: uuid.NewString(), CreatedAt: time.Now(), ModelIDsJSON: string(idsJSON), Snapshot: string(snapshot)}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return Backup{}, apierrors.Wrap(apierrors.KindInternal, err, "persisting backup")
	}
	return Backup{ID: rec.ID, CreatedAt: rec.CreatedAt, ModelIDs: ids}, nil
}

func (s *DBStore) Restore(ctx context.Context, backupID string) error {
	var rec backupRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", backupID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "backup %s not found", backupID)
		}
		return apierrors.Wrap(apierrors.KindInternal, err, "loading backup %s", backupID)
	}

	var configs []types.ModelConfig
	if err := json.Unmarshal([]byte(rec.Snapshot), &configs); err != nil {
		return apierrors.Wrap(apierrors.KindInternal, err, "decoding backup snapshot")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&configRecord{}).Error; err != nil {
			return err
		}
		for _, cfg := range configs {
			record, err := toRecord(cfg)
			if err != nil {
				return err
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *DBStore) ListBackups(ctx context.Context) ([]Backup, error) {
	var records []backupRecord
	if err := s.db.WithContext(ctx).Order("created_at desc").Find(&records).Error; err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, err, "listing backups")
	}
	out := make([]Backup, len(records))
	for i, rec := range records {
		var ids []string
		_ = json.Unmarshal([]byte(rec.ModelIDsJSON), &ids)
		out[i] = Backup{ID: rec.ID, CreatedAt: rec.CreatedAt, ModelIDs: ids}
	}
	return out, nil
}

func (s *DBStore) CleanupOldBackups(ctx context.Context, keep int) error {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if keep < 0 || len(backups) <= keep {
		return nil
	}
	stale := backups[keep:]
	ids := make([]string, len(stale))
	for i, b := range stale {
		ids[i] = b.ID
	}
	if err := s.db.WithContext(ctx).Delete(&backupRecord{}, "id IN ?", ids).Error; err != nil {
		return apierrors.Wrap(apierrors.KindInternal, err, "cleaning up old backups")
	}
	return nil
}

func (s *DBStore) RecordChange(ctx context.Context, entry ChangeLogEntry) error {
	fields, err := json.Marshal(entry.Fields)
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, err, "encoding change log fields")
	}
	rec := changeLogRecord{
		ModelID:    entry.ModelID,
		ChangeType: string(entry.ChangeType),
		FieldsJSON: string(fields),
		CreatedAt:  entry.Timestamp,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return apierrors.Wrap(apierrors.KindInternal, err, "recording config change for %s", entry.ModelID)
	}
	return nil
}

func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
