package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultRegion              = "us-east-1"
	DefaultListenAddr          = "[::]:3000"
	DefaultLogFormat           = "text"
	DefaultMaxHeaderBytes      = 1 << 20 // 1 MiB
	DefaultPublicGateway       = "https://dweb.link"
	DefaultMode                = "auto"
	DefaultIPExtraction        = "peer"
	DefaultFolderPrefix        = "buckets"
	DefaultConcurrentMultipart = 10
	DefaultRPCTimeoutSeconds   = 30
)

var allowedModes = map[string]struct{}{
	"auto":     {},
	"proxy":    {},
	"redirect": {},
}

var allowedIPExtraction = map[string]struct{}{
	"peer":                  {},
	"rightmost_xff":         {},
	"leftmost_trusted_xff":  {},
}

// Config mirrors the recognized environment-variable/CLI-flag set of §6:
// listen_address, database_url, rpc_address, mode, public_gateway,
// auth_access_key/auth_secret_key, region, ip_extraction, and the two
// experimental flags.
type Config struct {
	ListenAddress string `yaml:"listen_address"`
	DatabaseURL   string `yaml:"database_url"`
	RPCAddress    string `yaml:"rpc_address"`
	Mode          string `yaml:"mode"`
	PublicGateway string `yaml:"public_gateway"`
	Region        string `yaml:"region"`
	IPExtraction  string `yaml:"ip_extraction"`

	Auth AuthConfig `yaml:"auth"`

	Experimental ExperimentalConfig `yaml:"experimental"`

	FolderPrefix           string `yaml:"folder_prefix"`
	ConcurrentMultipart    int    `yaml:"concurrent_multipart_upload"`
	RPCTimeoutSeconds      int    `yaml:"rpc_timeout_seconds"`
	LogFormat              string `yaml:"log_format"`
}

// AuthConfig holds the single static credential pair. Auth is enforced
// only when both fields are set; an empty pair means anonymous access.
type AuthConfig struct {
	AccessKey string `yaml:"auth_access_key"`
	SecretKey string `yaml:"auth_secret_key"`
}

func (a AuthConfig) Enabled() bool {
	return a.AccessKey != "" && a.SecretKey != ""
}

type ExperimentalConfig struct {
	TrimEmptyFolders bool `yaml:"trim_empty_folders"`
	AutoMime         bool `yaml:"auto_mime"`
}

func Default() Config {
	return Config{
		ListenAddress: DefaultListenAddr,
		RPCAddress:    "http://localhost:5001/api/v0",
		Mode:          DefaultMode,
		PublicGateway: DefaultPublicGateway,
		Region:        DefaultRegion,
		IPExtraction:  DefaultIPExtraction,
		Experimental: ExperimentalConfig{
			TrimEmptyFolders: true,
			AutoMime:         true,
		},
		FolderPrefix:        DefaultFolderPrefix,
		ConcurrentMultipart: DefaultConcurrentMultipart,
		RPCTimeoutSeconds:   DefaultRPCTimeoutSeconds,
		LogFormat:           DefaultLogFormat,
	}
}

func LoadFile(path string) (Config, error) {
	cfg := Default()

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}

	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.ListenAddress == "" {
		errs = append(errs, errors.New("config validation: listen_address is required"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("config validation: database_url is required"))
	}
	if c.RPCAddress == "" {
		errs = append(errs, errors.New("config validation: rpc_address is required"))
	}
	if _, ok := allowedModes[c.Mode]; !ok {
		errs = append(errs, fmt.Errorf("config validation: mode must be one of [auto proxy redirect], got %q", c.Mode))
	}
	if c.PublicGateway == "" {
		errs = append(errs, errors.New("config validation: public_gateway is required"))
	}
	if c.Region == "" {
		errs = append(errs, errors.New("config validation: region is required"))
	}
	if _, ok := allowedIPExtraction[c.IPExtraction]; !ok {
		errs = append(errs, fmt.Errorf("config validation: ip_extraction must be one of [peer rightmost_xff leftmost_trusted_xff], got %q", c.IPExtraction))
	}
	if (c.Auth.AccessKey == "") != (c.Auth.SecretKey == "") {
		errs = append(errs, errors.New("config validation: auth_access_key and auth_secret_key must both be set or both be empty"))
	}
	if strings.TrimSpace(c.FolderPrefix) == "" {
		errs = append(errs, errors.New("config validation: folder_prefix is required"))
	}
	if c.ConcurrentMultipart <= 0 {
		errs = append(errs, errors.New("config validation: concurrent_multipart_upload must be > 0"))
	}
	if c.RPCTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("config validation: rpc_timeout_seconds must be > 0"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("config validation: log_format must be one of [text json], got %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
