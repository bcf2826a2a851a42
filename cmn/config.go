// Package cmn provides common constants, types, and utilities shared by the
// cloud-sync daemon's components.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"crypto/md5"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	defaultItemsChunk   = 1000
	defaultWorkers      = 10
	defaultPollInterval = 5 * time.Second
	defaultSwiftURL     = "http://127.0.0.1:8080"
)

type (
	// Config is the daemon's top-level configuration, loaded once at startup.
	Config struct {
		LogFile      string             `json:"log_file"`
		LogLevel     string             `json:"log_level"`
		StatusDir    string             `json:"status_dir"`
		SwiftURL     string             `json:"swift_url"`
		MetricsAddr  string             `json:"metrics_addr"`
		Workers      int                `json:"workers"`
		ItemsChunk   int                `json:"items_chunk"`
		PollInterval int                `json:"poll_interval"` // seconds
		Containers   []*SyncConfig      `json:"containers"`
		Migrations   []*MigrationConfig `json:"migrations"`
	}

	// SyncConfig maps one local container (or the `/*` wildcard) onto a
	// remote bucket.
	SyncConfig struct {
		Account       string  `json:"account"`
		Container     string  `json:"container"`
		AwsBucket     string  `json:"aws_bucket"`
		AwsIdentity   string  `json:"aws_identity"`
		AwsSecret     string  `json:"aws_secret"`
		AwsEndpoint   string  `json:"aws_endpoint"`
		Protocol      string  `json:"protocol"`
		CustomPrefix  *string `json:"custom_prefix"`
		RemoteAccount string  `json:"remote_account"`
		MaxConns      int     `json:"max_conns"`
	}

	// MigrationConfig describes one inbound reconciliation entry. The
	// credential historically travels under `aws_credential`; `aws_secret`
	// is accepted as an alias.
	MigrationConfig struct {
		SyncConfig
		AwsAccount    string `json:"aws_account"`
		AwsCredential string `json:"aws_credential"`
	}
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// LoadConfig reads and validates the daemon configuration. Any failure here
// is fatal at startup.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read configuration")
	}
	config := &Config{}
	if err := jsonAPI.Unmarshal(data, config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration %q", path)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.StatusDir == "" {
		return errors.New("status_dir must be set")
	}
	if c.SwiftURL == "" {
		c.SwiftURL = defaultSwiftURL
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.ItemsChunk <= 0 {
		c.ItemsChunk = defaultItemsChunk
	}
	for _, sync := range c.Containers {
		if err := sync.Validate(); err != nil {
			return err
		}
	}
	for _, migration := range c.Migrations {
		if migration.AwsSecret == "" {
			migration.AwsSecret = migration.AwsCredential
		} else if migration.AwsCredential == "" {
			migration.AwsCredential = migration.AwsSecret
		}
		if err := migration.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Poll() time.Duration {
	if c.PollInterval <= 0 {
		return defaultPollInterval
	}
	return time.Duration(c.PollInterval) * time.Second
}

func (sc *SyncConfig) Validate() error {
	if sc.Account == "" || sc.Container == "" {
		return errors.New("account and container must be set")
	}
	if sc.AwsBucket == "" {
		return errors.Errorf("%s/%s: aws_bucket must be set", sc.Account, sc.Container)
	}
	if sc.AwsIdentity == "" || sc.AwsSecret == "" {
		return errors.Errorf("%s/%s: aws_identity and aws_secret must be set", sc.Account, sc.Container)
	}
	switch sc.Protocol {
	case "":
		sc.Protocol = ProtocolS3
	case ProtocolS3, ProtocolSwift:
	default:
		return errors.Errorf("%s/%s: unsupported protocol %q", sc.Account, sc.Container, sc.Protocol)
	}
	if sc.MaxConns <= 0 {
		sc.MaxConns = DefaultMaxConns
	}
	return nil
}

// Google reports whether the remote endpoint requires the GCS quirks.
func (sc *SyncConfig) Google() bool { return sc.AwsEndpoint == GoogleEndpoint }

func (sc *SyncConfig) String() string {
	return fmt.Sprintf("%s/%s => %s", sc.Account, sc.Container, sc.AwsBucket)
}

// KeyPrefix is the hashed prefix distributing remote keys across the
// keyspace: md5("account/container") as an integer taken modulo 16^6 (its
// last six hex digits), zero-padded to six lowercase hex digits.
func KeyPrefix(account, container string) string {
	sum := md5.Sum([]byte(account + "/" + container))
	n := new(big.Int).SetBytes(sum[:])
	n.Mod(n, big.NewInt(PrefixSpace))
	return fmt.Sprintf("%06x", n)
}

// RemoteKey derives the destination object name on the cloud side:
// `hex6/account/container/object`, or `custom_prefix/object` when a custom
// prefix (possibly empty) is configured.
func (sc *SyncConfig) RemoteKey(container, object string) string {
	if sc.CustomPrefix != nil {
		prefix := strings.Trim(*sc.CustomPrefix, "/")
		if prefix == "" {
			return object
		}
		return prefix + "/" + object
	}
	return fmt.Sprintf("%s/%s/%s/%s",
		KeyPrefix(sc.Account, container), sc.Account, container, object)
}

// FullName identifies an object for logging.
func (sc *SyncConfig) FullName(container, object string) string {
	return fmt.Sprintf("%s/%s/%s", sc.Account, container, object)
}

// MustMarshal is a convenience wrapper for the shared jsoniter config.
func MustMarshal(v interface{}) []byte {
	b, err := jsonAPI.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func Marshal(v interface{}) ([]byte, error)   { return jsonAPI.Marshal(v) }
func Unmarshal(b []byte, v interface{}) error { return jsonAPI.Unmarshal(b, v) }
