// Package config loads application configuration from file and environment
// and initializes the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Base       BaseConfig       `yaml:"base" mapstructure:"base"`
	History    HistoryConfig    `yaml:"history" mapstructure:"history"`
	Contextual ContextualConfig `yaml:"contextual" mapstructure:"contextual"`
	Link       LinkConfig       `yaml:"link" mapstructure:"link"`
	RunLog     RunLogConfig     `yaml:"runlog" mapstructure:"runlog"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// BaseConfig describes the base respondent table.
type BaseConfig struct {
	Path     string `yaml:"path" mapstructure:"path"`
	IDCol    string `yaml:"id_col" mapstructure:"id_col"`
	DateCol  string `yaml:"date_col" mapstructure:"date_col"`
	Encoding string `yaml:"encoding" mapstructure:"encoding"`
}

// HistoryConfig describes the residential history table. An empty path means
// no move history: static resolution from per-year area columns.
type HistoryConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	IDCol      string `yaml:"id_col" mapstructure:"id_col"`
	MoveCol    string `yaml:"move_col" mapstructure:"move_col"`
	MoveYear   string `yaml:"move_year_col" mapstructure:"move_year_col"`
	MoveMonth  string `yaml:"move_month_col" mapstructure:"move_month_col"`
	AreaCol    string `yaml:"area_col" mapstructure:"area_col"`
	SurveyYear string `yaml:"survey_year_col" mapstructure:"survey_year_col"`
	FirstMark  string `yaml:"first_mark" mapstructure:"first_mark"`
	MovedMark  string `yaml:"moved_mark" mapstructure:"moved_mark"`
}

// ContextualConfig describes where the daily measurement data lives: a
// directory of year-partitioned files, or a Postgres table when DatabaseURL
// is set.
type ContextualConfig struct {
	Dir         string   `yaml:"dir" mapstructure:"dir"`
	DatabaseURL string   `yaml:"database_url" mapstructure:"database_url"`
	Table       string   `yaml:"table" mapstructure:"table"`
	Measure     string   `yaml:"measure" mapstructure:"measure"`
	DateCol     string   `yaml:"date_col" mapstructure:"date_col"`
	AreaCol     string   `yaml:"area_col" mapstructure:"area_col"`
	MeasureCols []string `yaml:"measure_cols" mapstructure:"measure_cols"`
	Extension   string   `yaml:"extension" mapstructure:"extension"`
}

// LinkConfig configures the linkage run itself.
type LinkConfig struct {
	NLags           int    `yaml:"n_lags" mapstructure:"n_lags"`
	AreaPrefix      string `yaml:"area_prefix" mapstructure:"area_prefix"`
	Strategy        string `yaml:"strategy" mapstructure:"strategy"`
	Workers         int    `yaml:"workers" mapstructure:"workers"`
	ScratchDir      string `yaml:"scratch_dir" mapstructure:"scratch_dir"`
	ScratchExt      string `yaml:"scratch_ext" mapstructure:"scratch_ext"`
	Output          string `yaml:"output" mapstructure:"output"`
	IncludeLagDate  bool   `yaml:"include_lag_date" mapstructure:"include_lag_date"`
	EmitUnknownLags bool   `yaml:"emit_unknown_lags" mapstructure:"emit_unknown_lags"`
	KeepScratch     bool   `yaml:"keep_scratch" mapstructure:"keep_scratch"`
}

// RunLogConfig configures the SQLite run log.
type RunLogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the run-status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LINKDATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("runlog.path", "linkdata_runs.db")
	v.SetDefault("base.id_col", "hhidpn")
	v.SetDefault("base.date_col", "iwdate")
	v.SetDefault("history.id_col", "hhidpn")
	v.SetDefault("history.move_col", "trmove_tr")
	v.SetDefault("history.move_year_col", "mvyear")
	v.SetDefault("history.move_month_col", "mvmonth")
	v.SetDefault("history.area_col", "LINKCEN2010")
	v.SetDefault("history.survey_year_col", "year")
	v.SetDefault("history.first_mark", "999")
	v.SetDefault("history.moved_mark", "1. move")
	v.SetDefault("contextual.date_col", "Date")
	v.SetDefault("contextual.area_col", "GEOID10")
	v.SetDefault("link.n_lags", 365)
	v.SetDefault("link.area_prefix", "LINKCEN")
	v.SetDefault("link.strategy", "batched")
	v.SetDefault("link.workers", 4)
	v.SetDefault("link.scratch_ext", ".csv.gz")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
