package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ikenchina/octopus-tcc/common/idgenerator"
	logutil "github.com/ikenchina/octopus-tcc/common/log"
	"github.com/ikenchina/octopus-tcc/define"
	"github.com/ikenchina/octopus-tcc/tc/app/publisher"
	"github.com/ikenchina/octopus-tcc/tc/app/recovery"
	"github.com/ikenchina/octopus-tcc/tc/app/rmclient"
	"github.com/ikenchina/octopus-tcc/tc/app/store"
)

const (
	envStoreScheme  = "OCTOPUS_TCC_STORE_SCHEME"
	envStoreDsn     = "OCTOPUS_TCC_STORE_DSN"
	envSerializer   = "OCTOPUS_TCC_SERIALIZER"
	envNodeId       = "OCTOPUS_TCC_NODE_ID"
	envDataCenterId = "OCTOPUS_TCC_DATACENTER_ID"

	IdGeneratorSnowflake = "snowflake"
	IdGeneratorUUID      = "uuid"
)

type NodeConfig struct {
	NodeId       int `json:"node_id" yaml:"node_id"`
	DataCenterId int `json:"datacenter_id" yaml:"datacenter_id"`
}

type Config struct {
	Node        NodeConfig       `json:"node" yaml:"node"`
	HttpListen  string           `json:"http_listen" yaml:"http_listen"`
	IdGenerator string           `json:"id_generator" yaml:"id_generator"`
	Serializer  string           `json:"serializer" yaml:"serializer"`
	Store       store.Config     `json:"store" yaml:"store"`
	Publisher   publisher.Config `json:"publisher" yaml:"publisher"`
	Recovery    recovery.Config  `json:"recovery" yaml:"recovery"`
	Client      rmclient.Config  `json:"client" yaml:"client"`
	Log         zap.Config       `json:"log" yaml:"log"`
}

var (
	cfg = Default()
)

func Get() *Config {
	return cfg
}

// Default is the configuration a file is decoded over.
func Default() *Config {
	log := zap.NewProductionConfig()
	log.OutputPaths = []string{"stdout"}
	log.ErrorOutputPaths = []string{"stderr"}
	return &Config{
		HttpListen:  ":18080",
		IdGenerator: IdGeneratorSnowflake,
		Serializer:  define.CodecJSON,
		Store:       store.Config{Scheme: define.StoreDB, Driver: "postgres"},
		Log:         log,
	}
}

// InitConfig loads the process configuration and installs its logger.
func InitConfig(configPath string) error {
	c, err := Load(configPath)
	if err != nil {
		return err
	}
	if err = InitLog(&c.Log); err != nil {
		return fmt.Errorf("%w: log : %v", define.ErrConfiguration, err)
	}
	cfg = c
	return nil
}

// Load decodes a json or yaml file, chosen by extension, applies environment
// overrides and validates the result.
func Load(configPath string) (*Config, error) {
	c := Default()
	if len(configPath) > 0 {
		dd, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", define.ErrConfiguration, err)
		}
		switch strings.ToLower(filepath.Ext(configPath)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(dd, c)
		default:
			err = json.Unmarshal(dd, c)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s : %v", define.ErrConfiguration, configPath, err)
		}
	}

	if err := c.loadEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadEnv() error {
	if v := os.Getenv(envStoreScheme); len(v) > 0 {
		c.Store.Scheme = v
	}
	if v := os.Getenv(envStoreDsn); len(v) > 0 {
		c.Store.Dsn = v
	}
	if v := os.Getenv(envSerializer); len(v) > 0 {
		c.Serializer = v
	}

	for env, field := range map[string]*int{envNodeId: &c.Node.NodeId, envDataCenterId: &c.Node.DataCenterId} {
		v := os.Getenv(env)
		if len(v) == 0 {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s : %v", define.ErrConfiguration, env, err)
		}
		*field = n
	}
	return nil
}

// Validate rejects values that cannot be defaulted.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", define.ErrConfiguration, fmt.Sprintf(format, args...))
	}

	switch c.IdGenerator {
	case IdGeneratorSnowflake:
		if c.Node.NodeId < 0 || c.Node.NodeId > idgenerator.MaxNodeId {
			return invalid("node id %d out of range [0, %d]", c.Node.NodeId, idgenerator.MaxNodeId)
		}
		if c.Node.DataCenterId < 0 || c.Node.DataCenterId > idgenerator.MaxDataCenterId {
			return invalid("datacenter id %d out of range [0, %d]", c.Node.DataCenterId, idgenerator.MaxDataCenterId)
		}
	case IdGeneratorUUID:
	default:
		return invalid("unknown id generator %q", c.IdGenerator)
	}

	if len(c.HttpListen) == 0 {
		return invalid("http listen address is empty")
	}
	if c.Publisher.BufferSize < 0 || c.Publisher.Workers < 0 || c.Publisher.PublishTimeout < 0 {
		return invalid("negative publisher setting")
	}
	if c.Recovery.Interval < 0 || c.Recovery.GraceWindow < 0 || c.Recovery.Retention < 0 {
		return invalid("negative recovery duration")
	}
	if c.Recovery.MaxRetry < 0 || c.Recovery.BatchLimit < 0 {
		return invalid("negative recovery limit")
	}
	if c.Client.Timeout < 0 || c.Client.QPS < 0 {
		return invalid("negative client setting")
	}
	if c.Store.Scheme == define.StoreFile && len(c.Store.Path) == 0 {
		return invalid("file store needs a path")
	}
	return nil
}

func (c *Config) NewIdGenerator() (idgenerator.IdGenerator, error) {
	if c.IdGenerator == IdGeneratorUUID {
		return idgenerator.NewUUID(), nil
	}
	return idgenerator.NewSnowflake(int64(c.Node.NodeId), int64(c.Node.DataCenterId))
}

func InitLog(cfg *zap.Config) error {
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncoderConfig.StacktraceKey = "stacktrace"
	cfg.EncoderConfig.LineEnding = zapcore.DefaultLineEnding
	cfg.EncoderConfig.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	logutil.SetLogger(logger)
	return nil
}
