// Package config owns the cluster configuration document: a mapping of
// cluster id to cluster settings, loaded from JSON or YAML, validated, and
// optionally watched for changes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Read preferences.
const (
	ReadReplica = "replica"
	ReadPrimary = "primary"
	ReadAny     = "any"
)

// Consistency levels.
const (
	ConsistencyEventual = "eventual"
	ConsistencyStrong   = "strong"
)

// Cache strategies.
const (
	CacheAggressive   = "aggressive"
	CacheConservative = "conservative"
	CacheNone         = "none"
)

// Document maps cluster id to its configuration.
type Document map[string]*ClusterConfig

// ClusterConfig describes one logical cluster: a primary, optional replicas,
// and the schemas it serves.
type ClusterConfig struct {
	Schemas          []string             `json:"schemas" yaml:"schemas"`
	Priority         int                  `json:"priority,omitempty" yaml:"priority,omitempty"`
	ReadPreference   string               `json:"read_preference,omitempty" yaml:"read_preference,omitempty"`
	ConsistencyLevel string               `json:"consistency_level,omitempty" yaml:"consistency_level,omitempty"`
	Primary          *Connection          `json:"primary" yaml:"primary"`
	Replicas         []*Connection        `json:"replicas,omitempty" yaml:"replicas,omitempty"`
	Sharding         *ShardingConfig      `json:"sharding,omitempty" yaml:"sharding,omitempty"`
	LoadBalancing    *LoadBalancingConfig `json:"load_balancing,omitempty" yaml:"load_balancing,omitempty"`
	ConnectionPool   *PoolConfig          `json:"connection_pool,omitempty" yaml:"connection_pool,omitempty"`
	ShardKey         string               `json:"shard_key,omitempty" yaml:"shard_key,omitempty"`
	CacheStrategy    string               `json:"cache_strategy,omitempty" yaml:"cache_strategy,omitempty"`
}

// Connection describes one PostgreSQL endpoint.
type Connection struct {
	Host                    string `json:"host" yaml:"host" validate:"required"`
	Port                    int    `json:"port" yaml:"port" validate:"required,min=1,max=65535"`
	Database                string `json:"database" yaml:"database" validate:"required"`
	User                    string `json:"user" yaml:"user" validate:"required"`
	Password                string `json:"password" yaml:"password" validate:"required"`
	MaxConnections          int    `json:"max_connections,omitempty" yaml:"max_connections,omitempty" validate:"omitempty,min=1"`
	MinConnections          int    `json:"min_connections,omitempty" yaml:"min_connections,omitempty" validate:"omitempty,min=0"`
	SSL                     *SSL   `json:"ssl,omitempty" yaml:"ssl,omitempty"`
	ConnectionTimeoutMillis int    `json:"connection_timeout_millis,omitempty" yaml:"connection_timeout_millis,omitempty"`
	IdleTimeoutMillis       int    `json:"idle_timeout_millis,omitempty" yaml:"idle_timeout_millis,omitempty"`
	SearchPath              string `json:"search_path,omitempty" yaml:"search_path,omitempty"`
}

// SSL accepts either a bare boolean or a full settings object in the
// configuration document.
type SSL struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	RejectUnauthorized bool   `json:"reject_unauthorized" yaml:"reject_unauthorized"`
	Cert               string `json:"cert,omitempty" yaml:"cert,omitempty"`
	Key                string `json:"key,omitempty" yaml:"key,omitempty"`
	CA                 string `json:"ca,omitempty" yaml:"ca,omitempty"`
}

func (s *SSL) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*s = SSL{Enabled: b, RejectUnauthorized: b}
		return nil
	}
	type raw SSL
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*s = SSL(r)
	return nil
}

func (s *SSL) UnmarshalYAML(value *yaml.Node) error {
	var b bool
	if err := value.Decode(&b); err == nil {
		*s = SSL{Enabled: b, RejectUnauthorized: b}
		return nil
	}
	type raw SSL
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	*s = SSL(r)
	return nil
}

// Sharding strategies.
const (
	ShardHash          = "hash"
	ShardRangeStrategy = "range"
	ShardDirectory     = "directory"
)

type ShardingConfig struct {
	Strategy   string            `json:"strategy" yaml:"strategy"`
	Key        string            `json:"key" yaml:"key"`
	Partitions int               `json:"partitions,omitempty" yaml:"partitions,omitempty"`
	Ranges     []ShardRange      `json:"ranges,omitempty" yaml:"ranges,omitempty"`
	Directory  map[string]string `json:"directory,omitempty" yaml:"directory,omitempty"`
}

type ShardRange struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Load-balancing strategies mirror the balancer package.
var validBalancerStrategies = map[string]bool{
	"round_robin":       true,
	"weighted":          true,
	"least_connections": true,
	"response_time":     true,
	"health_aware":      true,
}

type LoadBalancingConfig struct {
	Strategy        string             `json:"strategy" yaml:"strategy"`
	Weights         map[string]float64 `json:"weights,omitempty" yaml:"weights,omitempty"`
	HealthThreshold float64            `json:"health_threshold,omitempty" yaml:"health_threshold,omitempty"`
}

type PoolConfig struct {
	Min                  int `json:"min,omitempty" yaml:"min,omitempty"`
	Max                  int `json:"max,omitempty" yaml:"max,omitempty"`
	AcquireTimeoutMillis int `json:"acquire_timeout_millis,omitempty" yaml:"acquire_timeout_millis,omitempty"`
	WarmupConnections    int `json:"warmup_connections,omitempty" yaml:"warmup_connections,omitempty"`
}

// ConnectTimeout returns the connection timeout as a duration.
func (c *Connection) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutMillis) * time.Millisecond
}

// IdleTimeout returns the idle timeout as a duration.
func (c *Connection) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMillis) * time.Millisecond
}

// ParseDocument decodes a document from raw bytes. JSON is tried first, then
// YAML, matching the on-disk formats Load accepts.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	jsonErr := json.Unmarshal(data, &doc)
	if jsonErr == nil {
		return doc, nil
	}
	if yamlErr := yaml.Unmarshal(data, &doc); yamlErr == nil {
		return doc, nil
	}
	return nil, fmt.Errorf("parse config document: %w", jsonErr)
}

// ReadDocument loads and parses a document file.
func ReadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.New("config document is empty")
	}
	return doc, nil
}
