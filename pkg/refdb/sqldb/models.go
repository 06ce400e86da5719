package sqldb

import "time"

// Ref is one reference row. Target holds the hex id of a direct entry,
// Symbolic the name a symbolic entry points at.
type Ref struct {
	Name     string `gorm:"primaryKey;type:varchar(255)"`
	Kind     uint8  `gorm:"not null"`
	Target   string `gorm:"type:char(64)"`
	Symbolic string `gorm:"type:varchar(255)"`

	// Version is bumped on every update.
	Version int64 `gorm:"default:1"`

	UpdatedAt time.Time
}

func (Ref) TableName() string { return "refs" }

// Reflog marks that a reference has a log, even an empty one.
type Reflog struct {
	Name string `gorm:"primaryKey;type:varchar(255)"`
}

func (Reflog) TableName() string { return "reflogs" }

// ReflogEntry is one line of a reference log. Seq orders entries.
type ReflogEntry struct {
	Seq     uint64 `gorm:"primaryKey;autoIncrement"`
	Name    string `gorm:"index;type:varchar(255);not null"`
	Old     string `gorm:"column:old_id;type:char(64)"`
	New     string `gorm:"column:new_id;type:char(64)"`
	Who     string `gorm:"type:varchar(255)"`
	Email   string `gorm:"type:varchar(255)"`
	Unix    int64  `gorm:"column:unix_time"`
	Message string `gorm:"type:text"`
}

func (ReflogEntry) TableName() string { return "reflog_entries" }
