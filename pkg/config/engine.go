package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pinus-go/pinus/pkg/models/pinuserror"
	"github.com/pkg/errors"
)

type ShardingSource string

const (
	LocalScan   = ShardingSource("local_scan")
	RemoteStore = ShardingSource("remote_store")
)

type SchemaSyncPolicy string

const (
	SyncNone           = SchemaSyncPolicy("none")
	SyncCreate         = SchemaSyncPolicy("create")
	SyncCreateOrUpdate = SchemaSyncPolicy("create_or_update")
)

type CoordinatorType string

const (
	EtcdCoordinator = CoordinatorType("etcd")
	MemCoordinator  = CoordinatorType("mem")
)

const (
	DefaultRootPath           = "/pinus"
	DefaultIdBlockSize        = 100
	DefaultIdMaxAttempts      = 8
	DefaultLockTimeout        = 10 * time.Second
	DefaultDialTimeout        = 5 * time.Second
	DefaultSessionTTL         = 10
	DefaultConnectRetries     = 3
	DefaultCacheMaxCost int64 = 64 * 1024 * 1024
)

// Engine is the full configuration of one process embedding the sharding engine.
type Engine struct {
	LogLevel      string `json:"log_level" toml:"log_level" yaml:"log_level"`
	LogFile       string `json:"log_file" toml:"log_file" yaml:"log_file"`
	PrettyLogging bool   `json:"pretty_logging" toml:"pretty_logging" yaml:"pretty_logging"`
	MetricsAddr   string `json:"metrics_addr" toml:"metrics_addr" yaml:"metrics_addr"`

	CoordinatorType  CoordinatorType  `json:"coordinator_type" toml:"coordinator_type" yaml:"coordinator_type"`
	CoordinatorAddrs []string         `json:"coordinator_addrs" toml:"coordinator_addrs" yaml:"coordinator_addrs"`
	CoordinatorTLS   *TLSConfig       `json:"coordinator_tls" toml:"coordinator_tls" yaml:"coordinator_tls"`
	MemqdbBackupPath string           `json:"memqdb_backup_path" toml:"memqdb_backup_path" yaml:"memqdb_backup_path"`
	DialTimeout      time.Duration    `json:"coordinator_dial_timeout" toml:"coordinator_dial_timeout" yaml:"coordinator_dial_timeout"`
	SessionTTL       int64            `json:"coordinator_session_ttl" toml:"coordinator_session_ttl" yaml:"coordinator_session_ttl"`
	ConnectRetries   uint64           `json:"coordinator_connect_retries" toml:"coordinator_connect_retries" yaml:"coordinator_connect_retries"`
	SlowOpThreshold  time.Duration    `json:"slow_op_threshold" toml:"slow_op_threshold" yaml:"slow_op_threshold"`
	RootPath         string           `json:"root_path" toml:"root_path" yaml:"root_path"`
	ShardingSource   ShardingSource   `json:"sharding_source" toml:"sharding_source" yaml:"sharding_source"`
	HashAlgorithm    string           `json:"hash_algorithm" toml:"hash_algorithm" yaml:"hash_algorithm"`
	IdBlockSize      int64            `json:"id_block_size" toml:"id_block_size" yaml:"id_block_size"`
	IdMaxAttempts    uint64           `json:"id_max_attempts" toml:"id_max_attempts" yaml:"id_max_attempts"`
	SchemaSync       SchemaSyncPolicy `json:"schema_sync" toml:"schema_sync" yaml:"schema_sync"`
	LockTimeout      time.Duration    `json:"lock_timeout" toml:"lock_timeout" yaml:"lock_timeout"`

	Clusters []*DBCluster `json:"clusters" toml:"clusters" yaml:"clusters"`
	Tables   []*Table     `json:"tables" toml:"tables" yaml:"tables"`
	Cache    CacheCfg     `json:"cache" toml:"cache" yaml:"cache"`
}

// Endpoint describes one physical database. The DSN is passed through to
// the pool factory untouched.
type Endpoint struct {
	Name            string        `json:"name" toml:"name" yaml:"name"`
	Driver          string        `json:"driver" toml:"driver" yaml:"driver"`
	DSN             string        `json:"dsn" toml:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns" toml:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" toml:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" toml:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// Region is the half-open shard key range [Start, End) served by a set of
// masters and zero or more slave tiers.
type Region struct {
	Start   uint64        `json:"start" toml:"start" yaml:"start"`
	End     uint64        `json:"end" toml:"end" yaml:"end"`
	Masters []*Endpoint   `json:"masters" toml:"masters" yaml:"masters"`
	Slaves  [][]*Endpoint `json:"slaves" toml:"slaves" yaml:"slaves"`
}

type DBCluster struct {
	Name         string      `json:"name" toml:"name" yaml:"name"`
	GlobalMaster *Endpoint   `json:"global_master" toml:"global_master" yaml:"global_master"`
	GlobalSlaves []*Endpoint `json:"global_slaves" toml:"global_slaves" yaml:"global_slaves"`
	Regions      []*Region   `json:"regions" toml:"regions" yaml:"regions"`
}

// Table is a static table registration.
// Partitions == 0 declares a global (unsharded) table.
type Table struct {
	Name       string `json:"name" toml:"name" yaml:"name"`
	Cluster    string `json:"cluster" toml:"cluster" yaml:"cluster"`
	Partitions int    `json:"partitions" toml:"partitions" yaml:"partitions"`
	DDL        string `json:"ddl" toml:"ddl" yaml:"ddl"`
}

type CacheCfg struct {
	Enabled       bool          `json:"enabled" toml:"enabled" yaml:"enabled"`
	PrimaryExpiry time.Duration `json:"primary_expiry" toml:"primary_expiry" yaml:"primary_expiry"`
	SecondExpiry  time.Duration `json:"second_expiry" toml:"second_expiry" yaml:"second_expiry"`
	MaxCost       int64         `json:"max_cost" toml:"max_cost" yaml:"max_cost"`
}

// LoadEngineCfg loads the engine configuration from the specified file path
// and applies defaults.
//
// Parameters:
//   - cfgPath (string): The path of the configuration file.
//
// Returns:
//   - *Engine: the loaded configuration.
//   - error: An error if any occurred during the loading process.
func LoadEngineCfg(cfgPath string) (*Engine, error) {
	file, err := os.Open(cfgPath)
	if err != nil {
		return nil, pinuserror.Wrap(pinuserror.PINUS_CONFIGURATION, err, "open config")
	}
	defer func() {
		_ = file.Close()
	}()

	var cfg Engine
	if err := initConfig(file, &cfg); err != nil {
		return nil, pinuserror.Wrap(pinuserror.PINUS_CONFIGURATION, err, "decode config "+cfgPath)
	}
	cfg.SetDefaults()

	return &cfg, nil
}

// SetDefaults fills zero-valued options with their defaults.
func (e *Engine) SetDefaults() {
	if e.CoordinatorType == "" {
		e.CoordinatorType = EtcdCoordinator
	}
	if e.RootPath == "" {
		e.RootPath = DefaultRootPath
	}
	if e.ShardingSource == "" {
		e.ShardingSource = LocalScan
	}
	if e.HashAlgorithm == "" {
		e.HashAlgorithm = "simple"
	}
	if e.IdBlockSize == 0 {
		e.IdBlockSize = DefaultIdBlockSize
	}
	if e.IdMaxAttempts == 0 {
		e.IdMaxAttempts = DefaultIdMaxAttempts
	}
	if e.SchemaSync == "" {
		e.SchemaSync = SyncNone
	}
	if e.LockTimeout == 0 {
		e.LockTimeout = DefaultLockTimeout
	}
	if e.DialTimeout == 0 {
		e.DialTimeout = DefaultDialTimeout
	}
	if e.SessionTTL == 0 {
		e.SessionTTL = DefaultSessionTTL
	}
	if e.ConnectRetries == 0 {
		e.ConnectRetries = DefaultConnectRetries
	}
	if e.Cache.MaxCost == 0 {
		e.Cache.MaxCost = DefaultCacheMaxCost
	}
}

// Validate checks option values. It does not validate region geometry, which
// is the topology loader's job.
func (e *Engine) Validate() error {
	switch e.CoordinatorType {
	case EtcdCoordinator:
		if len(e.CoordinatorAddrs) == 0 {
			return pinuserror.New(pinuserror.PINUS_CONFIGURATION, "coordinator_addrs is empty")
		}
	case MemCoordinator:
	default:
		return pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "unknown coordinator type %q", e.CoordinatorType)
	}

	if e.RootPath == "" || e.RootPath[0] != '/' || (len(e.RootPath) > 1 && e.RootPath[len(e.RootPath)-1] == '/') {
		return pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "invalid root path %q", e.RootPath)
	}

	switch e.ShardingSource {
	case LocalScan, RemoteStore:
	default:
		return pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "unknown sharding source %q", e.ShardingSource)
	}

	switch e.SchemaSync {
	case SyncNone, SyncCreate, SyncCreateOrUpdate:
	default:
		return pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "unknown schema sync policy %q", e.SchemaSync)
	}

	if e.IdBlockSize <= 0 {
		return pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "id_block_size must be positive, got %d", e.IdBlockSize)
	}
	if e.LockTimeout < 0 {
		return pinuserror.New(pinuserror.PINUS_CONFIGURATION, "lock_timeout must not be negative")
	}
	if len(e.Clusters) == 0 {
		return pinuserror.New(pinuserror.PINUS_CONFIGURATION, "no clusters configured")
	}

	seen := map[string]struct{}{}
	for _, c := range e.Clusters {
		if c == nil || c.Name == "" {
			return pinuserror.New(pinuserror.PINUS_CONFIGURATION, "cluster without a name")
		}
		if _, ok := seen[c.Name]; ok {
			return pinuserror.Newf(pinuserror.PINUS_CONFIGURATION, "duplicate cluster %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

const redactedDSN = "********"

func redactEndpoint(ep *Endpoint) *Endpoint {
	if ep == nil {
		return nil
	}
	c := *ep
	if c.DSN != "" {
		c.DSN = redactedDSN
	}
	return &c
}

func redactEndpoints(eps []*Endpoint) []*Endpoint {
	if eps == nil {
		return nil
	}
	res := make([]*Endpoint, len(eps))
	for i, ep := range eps {
		res[i] = redactEndpoint(ep)
	}
	return res
}

// Redacted returns a copy of the configuration with every endpoint DSN
// masked. The receiver is left untouched.
func (e *Engine) Redacted() *Engine {
	c := *e
	c.Clusters = make([]*DBCluster, len(e.Clusters))
	for i, cl := range e.Clusters {
		if cl == nil {
			continue
		}
		rc := *cl
		rc.GlobalMaster = redactEndpoint(cl.GlobalMaster)
		rc.GlobalSlaves = redactEndpoints(cl.GlobalSlaves)
		rc.Regions = make([]*Region, len(cl.Regions))
		for j, r := range cl.Regions {
			if r == nil {
				continue
			}
			rr := *r
			rr.Masters = redactEndpoints(r.Masters)
			rr.Slaves = make([][]*Endpoint, len(r.Slaves))
			for k, tier := range r.Slaves {
				rr.Slaves[k] = redactEndpoints(tier)
			}
			rc.Regions[j] = &rr
		}
		c.Clusters[i] = &rc
	}
	return &c
}

// PrettyJSON renders the configuration for the startup log. Endpoint DSNs
// carry credentials and are masked.
func (e *Engine) PrettyJSON() (string, error) {
	configBytes, err := json.MarshalIndent(e.Redacted(), "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "marshal config")
	}
	return string(configBytes), nil
}
