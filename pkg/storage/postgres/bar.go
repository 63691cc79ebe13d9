package postgres

import (
	"context"
	"time"

	"tradepipe/internal/market"
	"tradepipe/internal/trader"

	"gorm.io/gorm/clause"
)

// InsertBar stores a closed bar, silently skipping replays of an already
// archived (symbol, interval, start).
func (p *PostgresClient) InsertBar(ctx context.Context, record *BarRecord) error {
	return p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "symbol"},
			{Name: "interval"},
			{Name: "start"},
		},
		DoNothing: true,
	}).Create(record).Error
}

func (p *PostgresClient) InsertSignals(ctx context.Context, records []SignalRecord) error {
	if len(records) == 0 {
		return nil
	}
	return p.DB.WithContext(ctx).Create(&records).Error
}

func (p *PostgresClient) GetBar(ctx context.Context, symbol, interval string, start time.Time) (*BarRecord, error) {
	var bar BarRecord
	err := p.DB.WithContext(ctx).
		Where("symbol = ? AND interval = ? AND start = ?", symbol, interval, start).
		First(&bar).Error

	if err != nil {
		return nil, err
	}
	return &bar, nil
}

func (p *PostgresClient) DeleteOldBars(ctx context.Context, before time.Time) error {
	return p.DB.WithContext(ctx).
		Where("start < ?", before).
		Delete(&BarRecord{}).Error
}

// ToBarRecord converts a series key and bar into a BarRecord for DB insertion.
func ToBarRecord(key market.SeriesKey, b market.Bar) *BarRecord {
	return &BarRecord{
		Symbol:    key.Symbol,
		Interval:  string(key.Interval),
		Start:     time.UnixMilli(b.OpenTime),
		End:       time.UnixMilli(b.CloseTime),
		Open:      b.Open,
		Close:     b.Close,
		High:      b.High,
		Low:       b.Low,
		Volume:    b.Volume,
		Turnover:  b.Turnover,
		Timestamp: time.UnixMilli(b.Timestamp),
	}
}

// ToSignalRecords converts emitted signals into rows.
func ToSignalRecords(signals []trader.Signal) []SignalRecord {
	records := make([]SignalRecord, len(signals))
	for i, s := range signals {
		records[i] = SignalRecord{
			TraderID: s.TraderID,
			Symbol:   s.Key.Symbol,
			Interval: string(s.Key.Interval),
			Action:   s.Action,
			Price:    s.Price,
			At:       s.At,
		}
	}
	return records
}
