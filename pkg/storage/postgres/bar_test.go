package postgres_test

import (
	"testing"
	"time"

	"tradepipe/internal/market"
	"tradepipe/internal/trader"
	"tradepipe/pkg/storage/postgres"
)

func TestToBarRecord(t *testing.T) {
	key := market.SeriesKey{Symbol: "BTCUSDT", Interval: market.Interval1Min}
	bar := market.Bar{
		OpenTime:  1_700_000_000_000,
		CloseTime: 1_700_000_059_999,
		Open:      31400.0,
		High:      31600.0,
		Low:       31300.0,
		Close:     31500.0,
		Volume:    123.45,
		Turnover:  3890000.0,
		Confirmed: true,
		Timestamp: 1_700_000_060_100,
	}

	rec := postgres.ToBarRecord(key, bar)

	if rec.Symbol != "BTCUSDT" || rec.Interval != "1m" {
		t.Errorf("unexpected identity: %s/%s", rec.Symbol, rec.Interval)
	}
	if !rec.Start.Equal(time.UnixMilli(bar.OpenTime)) {
		t.Errorf("start mismatch: %v", rec.Start)
	}
	if !rec.End.Equal(time.UnixMilli(bar.CloseTime)) {
		t.Errorf("end mismatch: %v", rec.End)
	}
	if rec.Open != 31400.0 || rec.Close != 31500.0 || rec.High != 31600.0 || rec.Low != 31300.0 {
		t.Errorf("unexpected prices: %+v", rec)
	}
	if rec.Volume != 123.45 || rec.Turnover != 3890000.0 {
		t.Errorf("unexpected volume fields: %+v", rec)
	}
}

func TestToSignalRecords(t *testing.T) {
	at := time.Now()
	signals := []trader.Signal{
		{TraderID: "t1", Key: market.SeriesKey{Symbol: "ETHUSDT", Interval: market.Interval1Hour}, Action: "buy", Price: 1850.5, At: at},
		{TraderID: "t2", Key: market.SeriesKey{Symbol: "BTCUSDT", Interval: market.Interval1Min}, Action: "sell", Price: 31500.0, At: at},
	}

	records := postgres.ToSignalRecords(signals)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].TraderID != "t1" || records[0].Symbol != "ETHUSDT" || records[0].Interval != "1h" {
		t.Errorf("unexpected first record: %+v", records[0])
	}
	if records[1].Action != "sell" || records[1].Price != 31500.0 {
		t.Errorf("unexpected second record: %+v", records[1])
	}
}

// go test -v --run ^TestPostgresInvalidDSN$
func TestPostgresInvalidDSN(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping connection attempt in short mode")
	}
	invalidDSN := "host=invalid port=5432 user=fail password=fail dbname=fail sslmode=disable connect_timeout=2"

	_, err := postgres.NewClient(invalidDSN)
	if err == nil {
		t.Fatal("expected error for invalid DSN, got nil")
	}
}
