package drip

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config for the Session.
type Config struct {
	// Database file to save session state.
	Database string `yaml:"database"`
	// DataDir is where files are downloaded.
	// Destination paths given to AddDownload must resolve under this directory.
	DataDir string `yaml:"data_dir"`

	// Enable RPC server.
	RPCEnabled bool `yaml:"rpc_enabled"`
	// Host to listen for RPC server.
	RPCHost string `yaml:"rpc_host"`
	// Listen port for RPC server.
	RPCPort int `yaml:"rpc_port"`
	// Time to wait for ongoing requests before shutting down RPC HTTP server.
	RPCShutdownTimeout time.Duration `yaml:"rpc_shutdown_timeout"`

	// Size of the in-memory buffer the transfer loop reads into before
	// flushing to disk. A crash loses at most one buffer of transfer work.
	ReadBufferSize int `yaml:"read_buffer_size"`
	// Number of times a failing metadata probe is attempted before the
	// download fails.
	MaxProbeAttempts int `yaml:"max_probe_attempts"`
	// Initial wait between probe attempts. Doubles after every failure.
	ProbeBackoffBase time.Duration `yaml:"probe_backoff_base"`
	// Upper bound for the wait between probe attempts.
	ProbeBackoffMax time.Duration `yaml:"probe_backoff_max"`
	// Timeout for a single read from the source body.
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// Timeout for metadata probe requests.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// Download speed limit in KB/s. Zero means unlimited.
	SpeedLimitDownload int64 `yaml:"speed_limit_download"`
}

// DefaultConfig for Session.
var DefaultConfig = Config{
	Database: "~/.drip/session.db",
	DataDir:  "~/drip-downloads",

	RPCEnabled:         true,
	RPCHost:            "127.0.0.1",
	RPCPort:            7357,
	RPCShutdownTimeout: 5 * time.Second,

	ReadBufferSize:   4 << 20,
	MaxProbeAttempts: 5,
	ProbeBackoffBase: time.Second,
	ProbeBackoffMax:  30 * time.Second,
	ReadTimeout:      30 * time.Second,
	ProbeTimeout:     10 * time.Second,
}

// LoadConfig reads a yaml config file.
// A missing file is not an error; defaults are returned.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
