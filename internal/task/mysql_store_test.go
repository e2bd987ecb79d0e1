package task

import (
	"testing"
	"time"
)

func TestMySQLStoreConfigDefaults(t *testing.T) {
	cfg := MySQLStoreConfig{DSN: "user:pass@tcp(localhost:3306)/revenue"}.withDefaults()
	if cfg.MaxOpenConns != 20 {
		t.Fatalf("expected default max open conns 20, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 10 {
		t.Fatalf("expected default max idle conns 10, got %d", cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime != 10*time.Minute {
		t.Fatalf("expected default conn lifetime 10m, got %s", cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime != 0 {
		t.Fatalf("idle time should stay unset, got %s", cfg.ConnMaxIdleTime)
	}

	custom := MySQLStoreConfig{
		DSN:             "dsn",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: 30 * time.Second,
	}.withDefaults()
	if custom.MaxOpenConns != 5 || custom.MaxIdleConns != 2 {
		t.Fatalf("configured pool limits overridden: %+v", custom)
	}
	if custom.ConnMaxLifetime != time.Minute || custom.ConnMaxIdleTime != 30*time.Second {
		t.Fatalf("configured durations overridden: %+v", custom)
	}
}
