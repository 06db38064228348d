package core

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestConfig_DatabaseURL(t *testing.T) {
	cfg := &Config{}
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.Name = "testdb"
	cfg.Database.Username = "testuser"
	cfg.Database.Password = "testpassword"

	url := cfg.DatabaseURL()
	expected := "host=localhost port=5432 dbname=testdb user=testuser password=testpassword sslmode="
	if url != expected {
		t.Errorf("DatabaseURL() want = %s, got = %s", expected, url)
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	if cfg.Join.Attempts != 15 {
		t.Errorf("Join.Attempts = %d, expected the compatibility default 15", cfg.Join.Attempts)
	}
	if cfg.JoinWaitInterval() != time.Second {
		t.Errorf("JoinWaitInterval() = %v, expected 1s", cfg.JoinWaitInterval())
	}
	if cfg.MaxConnections == 0 {
		t.Error("MaxConnections default not applied")
	}
}

func TestConfig_AdvertisedHost(t *testing.T) {
	cfg := &Config{Hostname: "127.0.0.1"}
	if got := cfg.AdvertisedHost(); got != "127.0.0.1" {
		t.Errorf("AdvertisedHost() = %s, expected the hostname", got)
	}

	cfg.ExternalIP = "203.0.113.10"
	if got := cfg.AdvertisedHost(); got != "203.0.113.10" {
		t.Errorf("AdvertisedHost() = %s, expected the external IP", got)
	}
}

func TestIsConfigNotFound(t *testing.T) {
	if !isConfigNotFound(viper.ConfigFileNotFoundError{}) {
		t.Error("a missing config file error was not recognized")
	}
	if !isConfigNotFound(fmt.Errorf("reading config: %w", viper.ConfigFileNotFoundError{})) {
		t.Error("a wrapped missing config file error was not recognized")
	}
	if isConfigNotFound(errors.New("yaml: line 3: mapping values are not allowed")) {
		t.Error("a parse failure was misreported as a missing file")
	}
}
