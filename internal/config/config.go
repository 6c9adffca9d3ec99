package config

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Port                  string        `env:"SPOOLD_PORT,default=9190"`
	SpoolDir              string        `env:"SPOOLD_SPOOL_DIR,default=/data/spool"`
	DBPath                string        `env:"SPOOLD_DB_PATH,default=/data/spoold.db"`
	LogLevel              string        `env:"SPOOLD_LOG_LEVEL,default=info"`
	QuotaMB               int           `env:"SPOOLD_QUOTA_MB,default=512"`
	SoftPct               int           `env:"SPOOLD_SOFT_PCT,default=90"`
	HardPct               int           `env:"SPOOLD_HARD_PCT,default=100"`
	QuotaPollInterval     time.Duration `env:"SPOOLD_QUOTA_POLL_INTERVAL,default=30s"`
	SoftFlushDelay        time.Duration `env:"SPOOLD_SOFT_FLUSH_DELAY,default=300ms"`
	OverflowBufferSize    int           `env:"SPOOLD_OVERFLOW_BUFFER_SIZE,default=1024"`
	SegmentMaxBytes       int64         `env:"SPOOLD_SEGMENT_MAX_BYTES,default=8388608"`
	ImportInterval        time.Duration `env:"SPOOLD_IMPORT_INTERVAL,default=1m"`
	WALCheckpointInterval time.Duration `env:"SPOOLD_WAL_CHECKPOINT_INTERVAL,default=10m"`
	WALRestartThresholdB  int64         `env:"SPOOLD_WAL_RESTART_THRESHOLD_BYTES,default=52428800"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.QuotaMB <= 0 {
		return fmt.Errorf("quota must be positive, got %dMB", c.QuotaMB)
	}
	if c.SoftPct <= 0 || c.SoftPct > c.HardPct {
		return fmt.Errorf("soft threshold %d%% must be positive and not above hard %d%%", c.SoftPct, c.HardPct)
	}
	if c.HardPct > 100 {
		return fmt.Errorf("hard threshold %d%% must not exceed 100", c.HardPct)
	}
	return nil
}

func WriteHelp(w io.Writer, version string) {
	fmt.Fprintf(w, "spoold %s\n\n", version)
	fmt.Fprintln(w, "Environment variables:")
	fmt.Fprintln(w, "  SPOOLD_PORT=9190")
	fmt.Fprintln(w, "  SPOOLD_SPOOL_DIR=/data/spool")
	fmt.Fprintln(w, "  SPOOLD_DB_PATH=/data/spoold.db")
	fmt.Fprintln(w, "  SPOOLD_LOG_LEVEL=info")
	fmt.Fprintln(w, "  SPOOLD_QUOTA_MB=512")
	fmt.Fprintln(w, "  SPOOLD_SOFT_PCT=90")
	fmt.Fprintln(w, "  SPOOLD_HARD_PCT=100")
	fmt.Fprintln(w, "  SPOOLD_QUOTA_POLL_INTERVAL=30s")
	fmt.Fprintln(w, "  SPOOLD_SOFT_FLUSH_DELAY=300ms")
	fmt.Fprintln(w, "  SPOOLD_OVERFLOW_BUFFER_SIZE=1024")
	fmt.Fprintln(w, "  SPOOLD_SEGMENT_MAX_BYTES=8388608")
	fmt.Fprintln(w, "  SPOOLD_IMPORT_INTERVAL=1m")
	fmt.Fprintln(w, "  SPOOLD_WAL_CHECKPOINT_INTERVAL=10m")
	fmt.Fprintln(w, "  SPOOLD_WAL_RESTART_THRESHOLD_BYTES=52428800")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  --help")
	fmt.Fprintln(w, "  --version")
}
