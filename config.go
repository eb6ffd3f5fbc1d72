package tcprelay

import (
	"io/ioutil"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	defReadBufferSize    = 512
	defBacklog           = 128
	defPeerHistorySize   = 1024
	defPeerHistoryTTLSec = 300
	defLogLevel          = "info"
)

type Global struct {
	LogLevel string `yaml:"log_level" toml:"log_level"`
}

type RelayConfig struct {
	PollTimeoutMs     int  `yaml:"poll_timeout_ms" toml:"poll_timeout_ms"`
	EventBufferSize   int  `yaml:"event_buffer_size" toml:"event_buffer_size"`
	ReadBufferSize    int  `yaml:"read_buffer_size" toml:"read_buffer_size"`
	Backlog           int  `yaml:"backlog" toml:"backlog"`
	SocketRcvBuf      int  `yaml:"socket_rcv_buf" toml:"socket_rcv_buf"`
	SocketSndBuf      int  `yaml:"socket_snd_buf" toml:"socket_snd_buf"`
	LockOSThread      bool `yaml:"lock_os_thread" toml:"lock_os_thread"`
	MaxOpenFiles      int  `yaml:"max_open_files" toml:"max_open_files"`
	PeerHistorySize   int  `yaml:"peer_history_size" toml:"peer_history_size"`
	PeerHistoryTTLSec int  `yaml:"peer_history_ttl_sec" toml:"peer_history_ttl_sec"`
}

type Config struct {
	Global Global      `yaml:"global" toml:"global"`
	Relay  RelayConfig `yaml:"relay" toml:"relay"`
}

func DefaultConfig() *Config {
	config := &Config{}
	applyDefaults(config)
	return config
}

func LoadConfig(filePath string) (*Config, error) {
	file, err := ioutil.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "can't read config")
	}
	config := &Config{}
	switch {
	case strings.HasSuffix(filePath, ".toml"):
		err = toml.Unmarshal(file, config)
	case strings.HasSuffix(filePath, ".yaml"), strings.HasSuffix(filePath, ".yml"):
		err = yaml.Unmarshal(file, config)
	default:
		return nil, errors.Errorf("unsupported config format: %s", filePath)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "can't parse config %s", filePath)
	}
	applyDefaults(config)
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Global.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func (c *RelayConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMs) * time.Millisecond
}

func (c *RelayConfig) PeerHistoryTTL() time.Duration {
	return time.Duration(c.PeerHistoryTTLSec) * time.Second
}

func applyDefaults(config *Config) {
	if config.Global.LogLevel == "" {
		config.Global.LogLevel = defLogLevel
	}
	relay := &config.Relay
	if relay.PollTimeoutMs == 0 {
		relay.PollTimeoutMs = int(defPollTimeout / time.Millisecond)
	}
	if relay.EventBufferSize == 0 {
		relay.EventBufferSize = defEventsBufferSize
	}
	if relay.ReadBufferSize == 0 {
		relay.ReadBufferSize = defReadBufferSize
	}
	if relay.Backlog == 0 {
		relay.Backlog = defBacklog
	}
	if relay.PeerHistorySize == 0 {
		relay.PeerHistorySize = defPeerHistorySize
	}
	if relay.PeerHistoryTTLSec == 0 {
		relay.PeerHistoryTTLSec = defPeerHistoryTTLSec
	}
}

func validateConfig(config *Config) error {
	if _, err := zerolog.ParseLevel(config.Global.LogLevel); err != nil {
		return errors.Wrapf(err, "invalid log_level %q", config.Global.LogLevel)
	}
	relay := config.Relay
	switch {
	case relay.PollTimeoutMs < 0:
		return errors.Errorf("poll_timeout_ms must not be negative: %d", relay.PollTimeoutMs)
	case relay.EventBufferSize < 0:
		return errors.Errorf("event_buffer_size must not be negative: %d", relay.EventBufferSize)
	case relay.ReadBufferSize < 0:
		return errors.Errorf("read_buffer_size must not be negative: %d", relay.ReadBufferSize)
	case relay.Backlog < 0:
		return errors.Errorf("backlog must not be negative: %d", relay.Backlog)
	case relay.SocketRcvBuf < 0 || relay.SocketSndBuf < 0:
		return errors.New("socket buffer sizes must not be negative")
	case relay.MaxOpenFiles < 0:
		return errors.Errorf("max_open_files must not be negative: %d", relay.MaxOpenFiles)
	case relay.PeerHistorySize < 0:
		return errors.Errorf("peer_history_size must not be negative: %d", relay.PeerHistorySize)
	}
	return nil
}
