package ledgerbox

import (
	"path/filepath"
)

type RemoteKind string

const (
	RemoteNone RemoteKind = ""
	RemoteS3   RemoteKind = "s3"
	RemoteHTTP RemoteKind = "http"
)

type RemoteConfig struct {
	Kind      RemoteKind `mapstructure:"kind"`
	Endpoint  string     `mapstructure:"endpoint"`
	Region    string     `mapstructure:"region"`
	Bucket    string     `mapstructure:"bucket"`
	Prefix    string     `mapstructure:"prefix"`
	AccessKey string     `mapstructure:"access_key"`
	SecretKey string     `mapstructure:"secret_key"`
	UseSSL    bool       `mapstructure:"use_ssl"`
	BaseURL   string     `mapstructure:"base_url"`
	Token     string     `mapstructure:"token"`
}

type ServerConfig struct {
	DataDir       string       `mapstructure:"data_dir"`
	BackupDir     string       `mapstructure:"backup_dir"`
	TmpDir        string       `mapstructure:"tmp_dir"`
	ShareDir      string       `mapstructure:"share_dir"`
	LedgerPath    string       `mapstructure:"ledger_path"`
	AttachmentDir string       `mapstructure:"attachment_dir"`
	Compression   string       `mapstructure:"compression"`
	MinFreeBytes  uint64       `mapstructure:"min_free_bytes"`
	Remote        RemoteConfig `mapstructure:"remote"`
	Bind          string       `mapstructure:"bind"`
	Port          int          `mapstructure:"port"`
	ShareSecret   string       `mapstructure:"share_secret"`
	LogLevel      string       `mapstructure:"log_level"`
	LogFile       string       `mapstructure:"log_file"`
	DevMode       bool         `mapstructure:"dev_mode"`
}

// WithDefaults fills every empty path from DataDir.
func (c ServerConfig) WithDefaults() ServerConfig {
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.BackupDir == "" {
		c.BackupDir = filepath.Join(c.DataDir, "backups")
	}
	if c.TmpDir == "" {
		c.TmpDir = filepath.Join(c.DataDir, "tmp")
	}
	if c.ShareDir == "" {
		c.ShareDir = filepath.Join(c.DataDir, "share")
	}
	if c.LedgerPath == "" {
		c.LedgerPath = filepath.Join(c.DataDir, "ledger.db")
	}
	if c.AttachmentDir == "" {
		c.AttachmentDir = filepath.Join(c.DataDir, "attachments")
	}
	if c.Port == 0 {
		c.Port = 8090
	}
	return c
}

func (c ServerConfig) StateDBPath() string {
	return filepath.Join(c.DataDir, "ledgerbox-state.db")
}
