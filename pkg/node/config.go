package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/dtp/pkg/client"
	"github.com/skycoin/dtp/pkg/scheduler"
	"github.com/skycoin/dtp/pkg/server"
	"github.com/skycoin/dtp/pkg/transferlog"
	"github.com/skycoin/dtp/pkg/transport"
	"github.com/skycoin/dtp/pkg/unit"
	"github.com/skycoin/dtp/pkg/util/pathutil"
)

// Transfer log store types.
const (
	LogStoreMemory = "memory"
	LogStoreBoltDB = "boltdb"
)

// Config defines configuration parameters for Node.
type Config struct {
	Version string `json:"version"`

	Transport transport.UDPConfig `json:"transport"`
	Scheduler scheduler.Config    `json:"scheduler"`

	Server struct {
		ReceivedDir        string   `json:"received_dir"`
		RetransmitInterval Duration `json:"retransmit_interval"`
		IdleTimeout        Duration `json:"idle_timeout"`
		SweepInterval      Duration `json:"sweep_interval"`
	} `json:"server"`

	Client struct {
		ChunkSize int      `json:"chunk_size"`
		Linger    Duration `json:"linger"` // how long to keep answering retransmit requests after End
	} `json:"client"`

	TransferLog struct {
		Type     string `json:"type"`
		Location string `json:"location"`
	} `json:"transfer_log"`

	Interfaces InterfaceConfig `json:"interfaces"`

	LogLevel        string   `json:"log_level"`
	ShutdownTimeout Duration `json:"shutdown_timeout"` // time value, examples: 10s, 1m, etc
}

// InterfaceConfig defines listening interfaces for dtp-node.
type InterfaceConfig struct {
	HTTPAddress string `json:"http"` // HTTP status API address (leave blank to disable).
}

// DefaultConfig returns a Config usable as is on a single host.
func DefaultConfig() *Config {
	c := new(Config)
	c.Version = "1.0"
	c.Transport.LocalAddr = ":7000"
	c.Scheduler = scheduler.DefaultConfig()
	c.Server.ReceivedDir = "./received"
	c.Server.RetransmitInterval = Duration(server.DefaultConfig().RetransmitInterval)
	c.Server.IdleTimeout = Duration(server.DefaultConfig().IdleTimeout)
	c.Server.SweepInterval = Duration(server.DefaultSweepInterval)
	c.Client.ChunkSize = client.DefaultChunkSize
	c.Client.Linger = Duration(3 * time.Second)
	c.TransferLog.Type = LogStoreMemory
	c.LogLevel = "info"
	c.ShutdownTimeout = Duration(10 * time.Second)
	return c
}

// ReadConfig decodes a Config from a JSON file. Absent fields keep their defaults.
func ReadConfig(path string) (*Config, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open config")
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.WithError(err).Warn("Failed to close config file")
		}
	}()

	conf := DefaultConfig()
	if err := json.NewDecoder(f).Decode(conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to decode %s", path)
	}
	return conf, nil
}

// Validate checks the configuration for values the node cannot run with.
func (c *Config) Validate() error {
	if _, err := logging.LevelFromString(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %s", err)
	}
	if c.Client.ChunkSize < 0 || c.Client.ChunkSize > unit.MaxPayloadLen {
		return client.ErrInvalidChunkSize
	}
	if c.Client.ChunkSize > transport.MaxUDPPayload {
		return fmt.Errorf("chunk_size %d exceeds the %d bytes one UDP datagram can carry", c.Client.ChunkSize, transport.MaxUDPPayload)
	}
	if c.Scheduler.MaxWorkers < c.Scheduler.MinWorkers {
		return errors.New("scheduler max_workers is below min_workers")
	}
	for name, d := range map[string]Duration{
		"retransmit_interval": c.Server.RetransmitInterval,
		"idle_timeout":        c.Server.IdleTimeout,
		"sweep_interval":      c.Server.SweepInterval,
		"linger":              c.Client.Linger,
		"shutdown_timeout":    c.ShutdownTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	switch c.TransferLog.Type {
	case LogStoreMemory, "":
	case LogStoreBoltDB:
		if c.TransferLog.Location == "" {
			return errors.New("transfer_log location is required for boltdb")
		}
	default:
		return fmt.Errorf("unknown transfer_log type %q", c.TransferLog.Type)
	}
	return nil
}

// ServerConfig returns the server engine configuration.
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		RetransmitInterval: time.Duration(c.Server.RetransmitInterval),
		IdleTimeout:        time.Duration(c.Server.IdleTimeout),
		SweepInterval:      time.Duration(c.Server.SweepInterval),
	}
}

// ClientConfig returns the client engine configuration.
func (c *Config) ClientConfig() client.Config {
	return client.Config{ChunkSize: c.Client.ChunkSize}
}

// TransferLogStore returns the configured transferlog.LogStore.
func (c *Config) TransferLogStore() (transferlog.LogStore, error) {
	if c.TransferLog.Type == LogStoreBoltDB {
		path, err := pathutil.ExpandPath(c.TransferLog.Location)
		if err != nil {
			return nil, err
		}
		if _, err := pathutil.EnsureDir(filepath.Dir(path)); err != nil {
			return nil, err
		}
		return transferlog.BoltDBLogStore(path)
	}

	return transferlog.InMemoryLogStore(), nil
}

// ReceivedDir returns the absolute path of the directory received files are
// written to. The directory is created if necessary.
func (c *Config) ReceivedDir() (string, error) {
	if c.Server.ReceivedDir == "" {
		return "", errors.New("empty received_dir")
	}

	return pathutil.EnsureDir(c.Server.ReceivedDir)
}

// Duration wraps around time.Duration to allow parsing from and to JSON
type Duration time.Duration

// MarshalJSON implements json marshaling
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements unmarshal from json
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(tmp)
		return nil
	default:
		return errors.New("invalid duration")
	}
}
