package data

import (
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LoginEvent records a successful login for offline analysis.
type LoginEvent struct {
	ID        uint64 `gorm:"primaryKey"`
	Username  string `gorm:"index"`
	Partition string
	UID       int64
	CreatedAt time.Time
}

// ServerStat is a named process counter that survives restarts.
type ServerStat struct {
	Name  string `gorm:"primaryKey"`
	Value int64
}

const startupCounterName = "startups"

// IncrementStartupCount bumps the persistent startup counter and returns the
// new value.
func IncrementStartupCount(db *gorm.DB) (int64, error) {
	stat := ServerStat{Name: startupCounterName, Value: 1}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"value": gorm.Expr("server_stats.value + 1")}),
	}).Create(&stat).Error
	if err != nil {
		return 0, err
	}

	var current ServerStat
	if err := db.First(&current, "name = ?", startupCounterName).Error; err != nil {
		return 0, err
	}
	return current.Value, nil
}

// Recorder exposes the fire-and-forget recording calls used by the protocol
// handlers. Failures are logged and swallowed; metrics must never affect the
// protocol flow. A Recorder with a nil DB discards everything, which is how
// the server runs when no database is configured.
type Recorder struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

// RecordLogin persists a login event.
func (r *Recorder) RecordLogin(username, partition string, uid int64) {
	if r == nil || r.DB == nil {
		return
	}

	event := &LoginEvent{Username: username, Partition: partition, UID: uid}
	if err := r.DB.Create(event).Error; err != nil {
		r.Logger.Warnf("error recording login for %s: %v", username, err)
	}
}

// RecordStartup bumps the persistent startup counter.
func (r *Recorder) RecordStartup() {
	if r == nil || r.DB == nil {
		return
	}

	if count, err := IncrementStartupCount(r.DB); err != nil {
		r.Logger.Warnf("error recording startup: %v", err)
	} else {
		r.Logger.Infof("server startup %d", count)
	}
}
