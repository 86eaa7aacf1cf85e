package vrift

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// Environment variable names consumed across the system.
const (
	EnvProjectRoot             = "VRIFT_PROJECT_ROOT"
	EnvVFSPrefix               = "VRIFT_VFS_PREFIX"
	EnvSocketPath              = "VRIFT_SOCKET_PATH"
	EnvVDirMmap                = "VRIFT_VDIR_MMAP"
	EnvCASRoot                 = "VR_THE_SOURCE"
	EnvInception               = "VRIFT_INCEPTION"
	EnvDebug                   = "VRIFT_DEBUG"
	EnvLogLevel                = "VRIFT_LOG_LEVEL"
	EnvCircuitBreakerThreshold = "VRIFT_CIRCUIT_BREAKER_THRESHOLD"
)

// RedisConfig carries the optional L2 cache connection parameters.
type RedisConfig struct {
	Address                  string `json:"address"`
	Password                 string `json:"password"`
	DB                       int    `json:"db"`
	DefaultDurationInSeconds int    `json:"default_duration_in_seconds"`
}

// PolicyConfig carries the daemon's CEL policy expressions. Empty expressions
// disable the corresponding policy.
type PolicyConfig struct {
	// IngestFilter gates commits; it evaluates against path, size and mode and
	// must yield a bool. Paths failing the filter are rejected at commit time.
	IngestFilter string `json:"ingest_filter"`
	// MetadataPolicy decides whether a chmod-class request on a project path
	// is translated into an index update (true) or rejected (false, default).
	MetadataPolicy string `json:"metadata_policy"`
}

// APIConfig carries the daemon's admin REST endpoint parameters.
type APIConfig struct {
	// Listen address for the admin API; empty disables it.
	Listen string `json:"listen"`
	// OktaDomain enables bearer-token verification on the admin API when set.
	OktaDomain   string `json:"okta_domain"`
	OktaClientID string `json:"okta_client_id"`
}

// ErasureConfig selects the erasure-coded CAS variant when DataShards > 0.
type ErasureConfig struct {
	DataShards   int `json:"data_shards"`
	ParityShards int `json:"parity_shards"`
	// Roots are the base folders across drives holding the shard files.
	Roots        []string `json:"roots"`
	RepairShards bool     `json:"repair_shards"`
}

// Configuration is the daemon-side configuration, loaded from a JSON file with
// environment variable overrides applied on top.
type Configuration struct {
	SocketPath   string        `json:"socket_path"`
	CASRoot      string        `json:"cas_root"`
	VDirRoot     string        `json:"vdir_root"`
	RegistryPath string        `json:"registry_path"`
	WorkerCount  int           `json:"worker_count"`
	GCDelete     bool          `json:"gc_delete"`
	Redis        RedisConfig   `json:"redis"`
	Policy       PolicyConfig  `json:"policy"`
	API          APIConfig     `json:"api"`
	Erasure      ErasureConfig `json:"erasure"`
}

// DefaultSocketPath returns the platform default daemon socket path.
func DefaultSocketPath() string {
	if runtime.GOOS == "darwin" {
		return "/tmp/vrift.sock"
	}
	return "/run/vrift/daemon.sock"
}

// HomeDir resolves the directory holding the machine-wide vrift state.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".vrift")
}

// DefaultConfiguration returns a Configuration with all defaults applied.
func DefaultConfiguration() Configuration {
	return Configuration{
		SocketPath:   DefaultSocketPath(),
		CASRoot:      filepath.Join(HomeDir(), "the_source"),
		VDirRoot:     filepath.Join(HomeDir(), "vdir"),
		RegistryPath: filepath.Join(HomeDir(), "registry", "manifests.json"),
		WorkerCount:  runtime.NumCPU(),
		Redis: RedisConfig{
			Address:                  "",
			DefaultDurationInSeconds: 24 * 60 * 60,
		},
	}
}

// LoadConfiguration reads a JSON configuration file, fills unset fields with
// defaults and applies environment overrides. filename may be empty.
func LoadConfiguration(filename string) (Configuration, error) {
	c := DefaultConfiguration()
	if filename != "" {
		bytes, err := os.ReadFile(filename)
		if err != nil {
			return c, err
		}
		if err := json.Unmarshal(bytes, &c); err != nil {
			return c, err
		}
		if c.SocketPath == "" {
			c.SocketPath = DefaultSocketPath()
		}
		if c.WorkerCount <= 0 {
			c.WorkerCount = runtime.NumCPU()
		}
	}
	c.applyEnv()
	return c, nil
}

func (c *Configuration) applyEnv() {
	if v := os.Getenv(EnvSocketPath); v != "" {
		c.SocketPath = v
	}
	if v := os.Getenv(EnvCASRoot); v != "" {
		c.CASRoot = v
	}
	if v := os.Getenv(EnvVDirMmap); v != "" {
		c.VDirRoot = filepath.Dir(v)
	}
}

// CircuitBreakerThreshold reads the consecutive-failure count before the
// client layer degrades to passthrough. Defaults to 3.
func CircuitBreakerThreshold() int {
	if v := os.Getenv(EnvCircuitBreakerThreshold); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 3
}
