// Package config is the typed configuration layer shared by all four
// cmd/ binaries: a YAML file (github.com/caio-sobreiro/dicomstack's
// generalization of flatmapit-crgodicom's internal/config) layered under
// environment-variable overrides, with github.com/joho/godotenv loading a
// local .env file first so those overrides can be kept out of the YAML file
// in development — the same two-tier approach
// OtchereDev-ris-dicom-connector's go.mod pulls in godotenv for.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StorageConfig selects and configures one storage.Backend.
type StorageConfig struct {
	Backend string   `yaml:"backend"` // "filesystem" or "s3"
	OutDir  string   `yaml:"out_dir"`
	S3      S3Config `yaml:"s3"`
}

// S3Config names the bucket/region/prefix an S3Backend is constructed
// against, plus the static credentials it authenticates with. Per spec
// §4.4 ("Credentials are provided at backend construction; there is no
// ambient credential discovery"), these fields are the only source of AWS
// credentials storage.NewS3Backend uses — no environment, shared config
// file, or instance-role fallback.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// StoreSCPConfig configures the cmd/storescp listener.
type StoreSCPConfig struct {
	Port              int           `yaml:"port"`
	CallingAETitle    string        `yaml:"calling_ae_title"`
	Storage           StorageConfig `yaml:"storage"`
	StoreWithFileMeta bool          `yaml:"store_with_file_meta"`
	Strict            bool          `yaml:"strict"`
	MaxPDULength      uint32        `yaml:"max_pdu_length"`
	ExtractTags       []string      `yaml:"extract_tags"`
	ExtractCustomTags []string      `yaml:"extract_custom_tags"`
	StudyTimeoutSecs  int           `yaml:"study_timeout_seconds"`

	// AbstractSyntaxMode is one of "AllStorage", "All", "Custom"; AbstractSyntaxes
	// is only consulted when it's "Custom". TransferSyntaxMode/TransferSyntaxes
	// mirror pdu.NegotiationPolicy the same way.
	AbstractSyntaxMode string   `yaml:"abstract_syntax_mode"`
	AbstractSyntaxes   []string `yaml:"abstract_syntaxes"`
	TransferSyntaxMode string   `yaml:"transfer_syntax_mode"`
	TransferSyntaxes   []string `yaml:"transfer_syntaxes"`

	Verbose bool `yaml:"verbose"`
}

// StoreSCUConfig configures the cmd/storescu dispatcher.
type StoreSCUConfig struct {
	Addr           string `yaml:"addr"`
	CallingAETitle string `yaml:"calling_ae_title"`
	CalledAETitle  string `yaml:"called_ae_title"`
	MaxPDULength   uint32 `yaml:"max_pdu_length"`
	Concurrency    int    `yaml:"concurrency"`
	TransferSyntax string `yaml:"transfer_syntax"`
	Verbose        bool   `yaml:"verbose"`
}

// FeatureFlags mirrors wadors.FeatureFlags as plain config data, kept
// independent of the wadors package so config has no HTTP-layer dependency.
type FeatureFlags struct {
	EnableMetadata  bool `yaml:"enable_metadata"`
	EnableFrames    bool `yaml:"enable_frames"`
	EnableRendered  bool `yaml:"enable_rendered"`
	EnableThumbnail bool `yaml:"enable_thumbnail"`
	EnableBulkdata  bool `yaml:"enable_bulkdata"`
}

// ThumbnailOptions sets the fixed viewport wadors' /thumbnail endpoint
// renders into.
type ThumbnailOptions struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// WADOConfig configures the cmd/wadors HTTP server.
type WADOConfig struct {
	Port               int              `yaml:"port"`
	Storage            StorageConfig    `yaml:"storage"`
	Features           FeatureFlags     `yaml:"features"`
	Thumbnail          ThumbnailOptions `yaml:"thumbnail"`
	EnableCORS         bool             `yaml:"enable_cors"`
	CORSAllowedOrigins []string         `yaml:"cors_allowed_origins"`
	Verbose            bool             `yaml:"verbose"`
}

// QIDOConfig configures the cmd/qidors HTTP server. It shares the same
// storage location as StoreSCP so it can rebuild its in-memory index by
// scanning existing instances at startup (there is no persisted metadata
// store, per spec §6 — "Study aggregates are in-memory only").
type QIDOConfig struct {
	Port               int           `yaml:"port"`
	Storage            StorageConfig `yaml:"storage"`
	EnableCORS         bool          `yaml:"enable_cors"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins"`
	Verbose            bool          `yaml:"verbose"`
}

// LoggingConfig controls the shared zerolog setup every binary applies.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the top-level document every cmd/ binary loads a slice of.
type Config struct {
	StoreSCP StoreSCPConfig `yaml:"store_scp"`
	StoreSCU StoreSCUConfig `yaml:"store_scu"`
	WADO     WADOConfig     `yaml:"wado"`
	QIDO     QIDOConfig     `yaml:"qido"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Default returns a Config with the spec's stated defaults: callingAeTitle
// STORE-SCP, maxPduLength 16384, studyTimeout 30s.
func Default() *Config {
	return &Config{
		StoreSCP: StoreSCPConfig{
			Port:               11112,
			CallingAETitle:     "STORE-SCP",
			Storage:            StorageConfig{Backend: "filesystem", OutDir: "studies"},
			MaxPDULength:       16384,
			StudyTimeoutSecs:   30,
			AbstractSyntaxMode: "AllStorage",
			TransferSyntaxMode: "All",
		},
		StoreSCU: StoreSCUConfig{
			CallingAETitle: "STORE-SCU",
			MaxPDULength:   16384,
			Concurrency:    1,
		},
		WADO: WADOConfig{
			Port:    8081,
			Storage: StorageConfig{Backend: "filesystem", OutDir: "studies"},
			Features: FeatureFlags{
				EnableMetadata:  true,
				EnableFrames:    true,
				EnableRendered:  true,
				EnableThumbnail: true,
				EnableBulkdata:  true,
			},
			Thumbnail: ThumbnailOptions{Width: 128, Height: 128},
		},
		QIDO: QIDOConfig{
			Port:    8082,
			Storage: StorageConfig{Backend: "filesystem", OutDir: "studies"},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load first loads a .env file from the current working directory (if
// present — godotenv.Load returns an error that is ignored when none exists)
// into the process environment, then reads configPath as YAML over
// Default()'s values, then applies a fixed set of DICOMSTACK_-prefixed
// environment overrides. configPath may be
// empty, in which case only defaults and environment overrides apply.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides layers a small set of environment variables over cfg,
// letting a deployment override the most commonly-templated fields (ports,
// AE titles, storage location, verbosity) without touching the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt("DICOMSTACK_STORESCP_PORT"); ok {
		cfg.StoreSCP.Port = v
	}
	if v, ok := os.LookupEnv("DICOMSTACK_STORESCP_AE_TITLE"); ok {
		cfg.StoreSCP.CallingAETitle = v
	}
	if v, ok := os.LookupEnv("DICOMSTACK_STORAGE_OUT_DIR"); ok {
		cfg.StoreSCP.Storage.OutDir = v
		cfg.WADO.Storage.OutDir = v
		cfg.QIDO.Storage.OutDir = v
	}
	if v, ok := os.LookupEnv("DICOMSTACK_STORAGE_BACKEND"); ok {
		cfg.StoreSCP.Storage.Backend = v
		cfg.WADO.Storage.Backend = v
		cfg.QIDO.Storage.Backend = v
	}
	if v, ok := os.LookupEnv("DICOMSTACK_S3_BUCKET"); ok {
		cfg.StoreSCP.Storage.S3.Bucket = v
		cfg.WADO.Storage.S3.Bucket = v
		cfg.QIDO.Storage.S3.Bucket = v
	}
	if v, ok := os.LookupEnv("DICOMSTACK_S3_ACCESS_KEY_ID"); ok {
		cfg.StoreSCP.Storage.S3.AccessKeyID = v
		cfg.WADO.Storage.S3.AccessKeyID = v
		cfg.QIDO.Storage.S3.AccessKeyID = v
	}
	if v, ok := os.LookupEnv("DICOMSTACK_S3_SECRET_ACCESS_KEY"); ok {
		cfg.StoreSCP.Storage.S3.SecretAccessKey = v
		cfg.WADO.Storage.S3.SecretAccessKey = v
		cfg.QIDO.Storage.S3.SecretAccessKey = v
	}
	if v, ok := envInt("DICOMSTACK_WADO_PORT"); ok {
		cfg.WADO.Port = v
	}
	if v, ok := envInt("DICOMSTACK_QIDO_PORT"); ok {
		cfg.QIDO.Port = v
	}
	if v, ok := os.LookupEnv("DICOMSTACK_STORESCU_ADDR"); ok {
		cfg.StoreSCU.Addr = v
	}
	if v, ok := os.LookupEnv("DICOMSTACK_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := envBool("DICOMSTACK_VERBOSE"); ok {
		cfg.StoreSCP.Verbose = v
		cfg.StoreSCU.Verbose = v
		cfg.WADO.Verbose = v
		cfg.QIDO.Verbose = v
	}
}

func envInt(name string) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, false
	}
	return b, true
}
