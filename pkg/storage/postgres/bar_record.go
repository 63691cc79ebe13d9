package postgres

import "time"

// BarRecord represents a finalized candlestick stored in the database.
type BarRecord struct {
	ID uint `gorm:"primaryKey"`

	// unique index
	Symbol   string    `gorm:"type:text;not null;index:idx_bar_symbol;index:idx_symbol_interval_start,unique"`
	Interval string    `gorm:"type:varchar(10);not null;index:idx_symbol_interval_start,unique"`
	Start    time.Time `gorm:"not null;index:idx_symbol_interval_start,unique"`

	End time.Time `gorm:"not null"`

	Open  float64 `gorm:"type:numeric;not null"`
	Close float64 `gorm:"type:numeric;not null"`
	High  float64 `gorm:"type:numeric;not null"`
	Low   float64 `gorm:"type:numeric;not null"`

	Volume   float64 `gorm:"type:numeric;not null"`
	Turnover float64 `gorm:"type:numeric;not null"`

	Timestamp time.Time `gorm:"not null;index:idx_bar_timestamp"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the default table name for GORM.
func (BarRecord) TableName() string {
	return "bar_record"
}

// SignalRecord is one emitted trading signal.
type SignalRecord struct {
	ID uint `gorm:"primaryKey"`

	TraderID string    `gorm:"type:text;not null;index:idx_signal_trader"`
	Symbol   string    `gorm:"type:text;not null"`
	Interval string    `gorm:"type:varchar(10);not null"`
	Action   string    `gorm:"type:varchar(10);not null"`
	Price    float64   `gorm:"type:numeric;not null"`
	At       time.Time `gorm:"not null;index:idx_signal_at"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

func (SignalRecord) TableName() string {
	return "signal_record"
}
