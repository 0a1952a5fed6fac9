// Package storage implements ports.ProfileStore over GORM and SQLite.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/flowwatch/flowwatch/internal/domain"
	"github.com/flowwatch/flowwatch/internal/ports"
)

// ProfileModel is the GORM model for a tracked endpoint.
type ProfileModel struct {
	ProfileId   string `gorm:"primaryKey"`
	LastTwId    string
	LastTwStart float64
}

// TimeWindowModel is the GORM model for one profile's time window.
type TimeWindowModel struct {
	ProfileId string  `gorm:"primaryKey;index:idx_tw_profile"`
	TwId      string  `gorm:"primaryKey"`
	StartTs   float64
}

// UnestablishedPortModel counts unestablished TCP connections to a
// destination port within a (profile, window).
type UnestablishedPortModel struct {
	ProfileId string `gorm:"primaryKey;index:idx_port_profile_tw"`
	TwId      string `gorm:"primaryKey"`
	Port      string `gorm:"primaryKey"`
	TotalPkts int
}

// EvidenceModel is the append-only (but idempotent-by-key) evidence
// table.
type EvidenceModel struct {
	TypeEvidence  string `gorm:"primaryKey"`
	DetectionInfo string `gorm:"primaryKey"`
	ProfileId     string `gorm:"primaryKey"`
	TwId          string `gorm:"primaryKey"`
	TypeDetection string
	ThreatLevel   float64
	Confidence    float64
	Description   string
	Ts            float64
	Uid           string
}

// FlowLogFileModel records a discovered log file name.
type FlowLogFileModel struct {
	Name string `gorm:"primaryKey"`
}

// IPDataModel is the shallow-merged per-ip enrichment blob.
type IPDataModel struct {
	Ip   string `gorm:"primaryKey"`
	Data string // JSON encoded map[string]any
}

// AsnCacheModel is one CIDR→organization cache row.
type AsnCacheModel struct {
	Cidr      string `gorm:"primaryKey"`
	Org       string
	UpdatedAt time.Time
}

// Adapter implements ports.ProfileStore using GORM and SQLite, in the
// same shape as the rest of this codebase's persistence layer: WAL
// mode, a busy-timeout pragma, and otel-traced queries.
type Adapter struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open initializes the database file at path and migrates schema.
func Open(path string, log *slog.Logger) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&ProfileModel{}, &TimeWindowModel{}, &UnestablishedPortModel{},
		&EvidenceModel{}, &FlowLogFileModel{}, &IPDataModel{}, &AsnCacheModel{},
	); err != nil {
		return nil, err
	}

	if err := db.Use(tracing.NewPlugin()); err != nil {
		return nil, err
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA busy_timeout=5000;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	db.Exec("CREATE INDEX IF NOT EXISTS idx_tw_profile ON time_window_models(profile_id)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_port_profile_tw ON unestablished_port_models(profile_id, tw_id)")

	return &Adapter{db: db, log: log}, nil
}

func (a *Adapter) GetAllFlowLogFiles(ctx context.Context) ([]string, error) {
	var rows []FlowLogFileModel
	if err := a.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	names := make([]string, len(rows))
	for i, r := range rows {
		names[i] = r.Name
	}
	return names, nil
}

func (a *Adapter) AddFlowLogFile(ctx context.Context, name string) error {
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&FlowLogFileModel{Name: name}).Error
}

func (a *Adapter) GetProfiles(ctx context.Context) ([]domain.ProfileId, error) {
	var rows []ProfileModel
	if err := a.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]domain.ProfileId, len(rows))
	for i, r := range rows {
		ids[i] = domain.ProfileId(r.ProfileId)
	}
	return ids, nil
}

func (a *Adapter) LastTimeWindow(ctx context.Context, profileID domain.ProfileId) (domain.TimeWindowId, float64, error) {
	var row ProfileModel
	err := a.db.WithContext(ctx).Where("profile_id = ?", string(profileID)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return domain.TimeWindowId(row.LastTwId), row.LastTwStart, nil
}

// EnsureTimeWindow records twID as the profile's current time window
// and inserts the window row if new.
func (a *Adapter) EnsureTimeWindow(ctx context.Context, profileID domain.ProfileId, twID domain.TimeWindowId, startTs float64) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "profile_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_tw_id", "last_tw_start"}),
		}).Create(&ProfileModel{
			ProfileId:   string(profileID),
			LastTwId:    string(twID),
			LastTwStart: startTs,
		}).Error; err != nil {
			return err
		}

		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&TimeWindowModel{
			ProfileId: string(profileID),
			TwId:      string(twID),
			StartTs:   startTs,
		}).Error
	})
}

func (a *Adapter) UnestablishedTCPDestPorts(ctx context.Context, profileID domain.ProfileId, twID domain.TimeWindowId) ([]domain.UnestablishedPortCount, error) {
	var rows []UnestablishedPortModel
	err := a.db.WithContext(ctx).
		Where("profile_id = ? AND tw_id = ?", string(profileID), string(twID)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.UnestablishedPortCount, len(rows))
	for i, r := range rows {
		out[i] = domain.UnestablishedPortCount{Port: r.Port, TotalPkts: r.TotalPkts}
	}
	return out, nil
}

func (a *Adapter) RecordUnestablishedTCP(ctx context.Context, profileID domain.ProfileId, twID domain.TimeWindowId, port string) error {
	return a.db.WithContext(ctx).Exec(
		`INSERT INTO unestablished_port_models (profile_id, tw_id, port, total_pkts)
		 VALUES (?, ?, ?, 1)
		 ON CONFLICT(profile_id, tw_id, port) DO UPDATE SET total_pkts = total_pkts + 1`,
		string(profileID), string(twID), port,
	).Error
}

// SetEvidence upserts by the (type_evidence, detection_info, profileid,
// twid) key, satisfying the idempotent-evidence invariant.
func (a *Adapter) SetEvidence(ctx context.Context, ev domain.EvidenceRecord) error {
	model := EvidenceModel{
		TypeEvidence:  ev.TypeEvidence,
		DetectionInfo: ev.DetectionInfo,
		ProfileId:     ev.ProfileId,
		TwId:          ev.TwId,
		TypeDetection: ev.TypeDetection,
		ThreatLevel:   ev.ThreatLevel,
		Confidence:    ev.Confidence,
		Description:   ev.Description,
		Ts:            ev.Ts,
		Uid:           ev.Uid,
	}
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "type_evidence"}, {Name: "detection_info"}, {Name: "profile_id"}, {Name: "tw_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"type_detection", "threat_level", "confidence", "description", "ts", "uid"}),
	}).Create(&model).Error
}

func (a *Adapter) GetIPData(ctx context.Context, ip string) (map[string]any, error) {
	var row IPDataModel
	err := a.db.WithContext(ctx).Where("ip = ?", ip).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if row.Data != "" {
		if err := json.Unmarshal([]byte(row.Data), &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SetIPData shallow-merges data into whatever is already stored for
// ip.
func (a *Adapter) SetIPData(ctx context.Context, ip string, data map[string]any) error {
	existing, err := a.GetIPData(ctx, ip)
	if err != nil {
		return err
	}
	for k, v := range data {
		existing[k] = v
	}
	encoded, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		DoUpdates: clause.AssignmentColumns([]string{"data"}),
	}).Create(&IPDataModel{Ip: ip, Data: string(encoded)}).Error
}

func (a *Adapter) GetASNCacheEntry(ctx context.Context, cidr string) (domain.AsnCacheEntry, bool, error) {
	var row AsnCacheModel
	err := a.db.WithContext(ctx).Where("cidr = ?", cidr).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.AsnCacheEntry{}, false, nil
	}
	if err != nil {
		return domain.AsnCacheEntry{}, false, err
	}
	return domain.AsnCacheEntry{Cidr: row.Cidr, Org: row.Org, UpdatedAt: row.UpdatedAt}, true, nil
}

func (a *Adapter) SetASNCache(ctx context.Context, org, cidr string) error {
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cidr"}},
		DoUpdates: clause.AssignmentColumns([]string{"org", "updated_at"}),
	}).Create(&AsnCacheModel{Cidr: cidr, Org: org, UpdatedAt: time.Now()}).Error
}

func (a *Adapter) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ ports.ProfileStore = (*Adapter)(nil)
