package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AIRWATCH_"

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Variables that are already set win. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overlays AIRWATCH_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	c.DataDir = getenvDefault("DATA_DIR", c.DataDir)
	c.Database.Path = getenvDefault("DATABASE_PATH", c.Database.Path)
	c.Database.DDLDir = getenvDefault("DDL_DIR", c.Database.DDLDir)
	c.Database.MemoryLimit = getenvDefault("MEMORY_LIMIT", c.Database.MemoryLimit)
	c.Refresh.ResolveMode = getenvDefault("RESOLVE_MODE", c.Refresh.ResolveMode)
	c.Extract.SourceBasePath = getenvDefault("SOURCE_BASE_PATH", c.Extract.SourceBasePath)
	c.Extract.QueryTemplatePath = getenvDefault("QUERY_TEMPLATE_PATH", c.Extract.QueryTemplatePath)
	c.Extract.S3.Region = getenvDefault("S3_REGION", c.Extract.S3.Region)
	c.Extract.S3.AccessKeyID = getenvDefault("S3_ACCESS_KEY_ID", c.Extract.S3.AccessKeyID)
	c.Extract.S3.SecretAccessKey = getenvDefault("S3_SECRET_ACCESS_KEY", c.Extract.S3.SecretAccessKey)
	c.Catalog.LocationsFile = getenvDefault("LOCATIONS_FILE", c.Catalog.LocationsFile)
	c.API.Listen = getenvDefault("LISTEN", c.API.Listen)
	c.Logging.Level = getenvDefault("LOG_LEVEL", c.Logging.Level)

	var err error
	if c.Schedule.Interval, err = getenvDuration("SCHEDULE_INTERVAL", c.Schedule.Interval); err != nil {
		return err
	}
	if c.Refresh.Timeout, err = getenvDuration("REFRESH_TIMEOUT", c.Refresh.Timeout); err != nil {
		return err
	}
	if c.Schedule.Enabled, err = getenvBool("SCHEDULE_ENABLED", c.Schedule.Enabled); err != nil {
		return err
	}
	if c.Export.Enabled, err = getenvBool("EXPORT_ENABLED", c.Export.Enabled); err != nil {
		return err
	}
	if c.Logging.JSON, err = getenvBool("LOG_JSON", c.Logging.JSON); err != nil {
		return err
	}
	c.Database.InsertChunkSize = getenvInt("INSERT_CHUNK_SIZE", c.Database.InsertChunkSize)

	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
	return d, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
	return b, nil
}
