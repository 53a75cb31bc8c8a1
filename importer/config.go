package importer

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ColumnAlias maps one staged-row field to the spreadsheet headers that may carry it.
type ColumnAlias struct {
	Field   string   `yaml:"field"`
	Aliases []string `yaml:"aliases"`
}

// ColumnsConfig accepts either:
//  1. mapping form (preferred):
//     columns:
//     unit_code: Subject Code
//     staff_name: [Tutor, Staff Name]
//  2. list form:
//     columns:
//     - field: unit_code
//     aliases: [Subject Code]
type ColumnsConfig struct {
	Items []ColumnAlias
}

func (c *ColumnsConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.MappingNode:
		items := make([]ColumnAlias, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			k := value.Content[i]
			v := value.Content[i+1]
			field := strings.TrimSpace(k.Value)
			if field == "" {
				continue
			}
			switch v.Kind {
			case yaml.ScalarNode:
				alias := strings.TrimSpace(v.Value)
				if alias == "" {
					continue
				}
				items = append(items, ColumnAlias{Field: field, Aliases: []string{alias}})
			case yaml.SequenceNode:
				var aliases []string
				if err := v.Decode(&aliases); err != nil {
					return err
				}
				kept := aliases[:0]
				for _, a := range aliases {
					if a = strings.TrimSpace(a); a != "" {
						kept = append(kept, a)
					}
				}
				if len(kept) == 0 {
					continue
				}
				items = append(items, ColumnAlias{Field: field, Aliases: kept})
			default:
				continue
			}
		}
		c.Items = items
		return nil
	case yaml.SequenceNode:
		var items []ColumnAlias
		if err := value.Decode(&items); err != nil {
			return err
		}
		c.Items = items
		return nil
	default:
		return nil
	}
}

// Aliases returns field -> header aliases for the sheet readers.
func (c ColumnsConfig) Aliases() map[string][]string {
	out := make(map[string][]string, len(c.Items))
	for _, it := range c.Items {
		f := strings.TrimSpace(it.Field)
		if f == "" {
			continue
		}
		out[f] = append(out[f], it.Aliases...)
	}
	return out
}

type DatabaseConfig struct {
	// Driver is sqlite (default) or postgres.
	Driver string `yaml:"driver" env:"TIMETABLE_DB_DRIVER"`
	DSN    string `yaml:"dsn" env:"TIMETABLE_DB_DSN"`
}

type HTTPConfig struct {
	Addr        string   `yaml:"addr" env:"TIMETABLE_HTTP_ADDR"`
	CORSOrigins []string `yaml:"cors_origins" env:"TIMETABLE_CORS_ORIGINS" envSeparator:","`
	MetricsPath string   `yaml:"metrics_path" env:"TIMETABLE_METRICS_PATH"`
	// MaxUploadBytes bounds multipart uploads on the stage endpoint.
	MaxUploadBytes int64 `yaml:"max_upload_bytes" env:"TIMETABLE_MAX_UPLOAD_BYTES"`
}

type ReviewConfig struct {
	// RequireApproval stages every allocation as draft instead of active.
	RequireApproval bool `yaml:"require_approval" env:"TIMETABLE_REQUIRE_APPROVAL"`
}

type FileConfig struct {
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	Review   ReviewConfig   `yaml:"review"`

	Debug    bool   `yaml:"debug" env:"TIMETABLE_DEBUG"`
	LogLevel string `yaml:"log_level" env:"TIMETABLE_LOG_LEVEL"`

	PreviewLimit int `yaml:"preview_limit" env:"TIMETABLE_PREVIEW_LIMIT"`
	HistoryLimit int `yaml:"history_limit" env:"TIMETABLE_HISTORY_LIMIT"`

	// RejectDuplicateUploads refuses to stage content identical to a live batch.
	RejectDuplicateUploads bool `yaml:"reject_duplicate_uploads" env:"TIMETABLE_REJECT_DUPLICATE_UPLOADS"`

	// Timeout bounds one CLI operation. Zero means no deadline.
	Timeout time.Duration `yaml:"timeout" env:"TIMETABLE_TIMEOUT"`

	Columns ColumnsConfig `yaml:"columns" env:"-"`
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadEnv reads the first existing .env files and applies TIMETABLE_* variables
// on top of cfg. Variables that are not set leave cfg untouched.
func LoadEnv(cfg *FileConfig, envFiles ...string) error {
	existing := make([]string, 0, len(envFiles))
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return err
		}
	}
	return env.Parse(cfg)
}

// ApplyDefaults fills zero values after file, env and flag layers are merged.
func (c *FileConfig) ApplyDefaults() {
	if strings.TrimSpace(c.Database.Driver) == "" {
		c.Database.Driver = DriverSQLite
	}
	if strings.TrimSpace(c.Database.DSN) == "" && c.Database.Driver == DriverSQLite {
		c.Database.DSN = "timetable-import.db"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.MetricsPath == "" {
		c.HTTP.MetricsPath = "/debug/prometheus"
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		c.HTTP.MaxUploadBytes = 32 << 20
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.PreviewLimit <= 0 {
		c.PreviewLimit = 50
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
}
