package jobs

import "time"

// Config is the environment configuration of the workloads
type Config struct {
	WebhookSigningSecret   string        `env:"WEBHOOK_SIGNING_SECRET"`
	WebhookTimeout         time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"25s"`
	WebhookCircuitFailures int           `env:"WEBHOOK_CIRCUIT_FAILURES" envDefault:"5"`
	WebhookCircuitRecovery time.Duration `env:"WEBHOOK_CIRCUIT_RECOVERY" envDefault:"1m"`

	Backup      BackupConfig
	Maintenance MaintenanceConfig
}

// BackupConfig configures the database-backup job
type BackupConfig struct {
	Schemas       []string `env:"BACKUP_SCHEMAS" envSeparator:"," envDefault:"public"`
	ExcludeTables []string `env:"BACKUP_EXCLUDE_TABLES" envSeparator:","`
	TempDir       string   `env:"BACKUP_TEMP_DIR"` // os.TempDir when empty
	Schedules     bool     `env:"BACKUP_SCHEDULES" envDefault:"true"`
}

// MaintenanceConfig configures the daily-cleanup job
type MaintenanceConfig struct {
	CompletedGrace time.Duration `env:"CLEANUP_COMPLETED_GRACE" envDefault:"24h"`
	FailedGrace    time.Duration `env:"CLEANUP_FAILED_GRACE" envDefault:"168h"`
	CleanLimit     int           `env:"CLEANUP_LIMIT" envDefault:"1000"`
}
