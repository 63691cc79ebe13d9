package config

import (
	"strings"
	"testing"
)

func TestDSN(t *testing.T) {
	cfg := PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "secret",
		DBName:   "tradepipe",
		SSLMode:  "disable",
		TimeZone: "UTC",
	}

	dsn := cfg.DSN("dev")
	for _, want := range []string{"host=localhost", "port=5432", "dbname=tradepipe", "sslmode=disable", "TimeZone=UTC"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn missing %q: %s", want, dsn)
		}
	}

	admin := cfg.AdminDSN("dev")
	if !strings.Contains(admin, "dbname=postgres") {
		t.Errorf("admin dsn must target the maintenance database: %s", admin)
	}
	if strings.Contains(admin, "dbname=tradepipe") {
		t.Errorf("admin dsn must not target the app database: %s", admin)
	}
}
