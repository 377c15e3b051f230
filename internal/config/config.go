// Package config loads pool engine configuration from environment
// variables, optionally overridden by a YAML file whose unknown keys are
// rejected rather than silently ignored.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of options a manager process reads at startup.
type Config struct {
	// ResourceKind selects which single adapter the demo façade wires up:
	// "worker", "process", "container", or "pod". One manager instance
	// manages exactly one resource kind.
	ResourceKind string `yaml:"resourceKind"`

	Pool      PoolConfig      `yaml:"pool"`
	Worker    WorkerConfig    `yaml:"worker"`
	Process   ProcessConfig   `yaml:"process"`
	Container ContainerConfig `yaml:"container"`
	Pod       PodConfig       `yaml:"pod"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// PoolConfig mirrors pool.Config's tunables, expressed in ms-friendly
// duration strings for the YAML layer.
type PoolConfig struct {
	MaxPoolSize       int           `yaml:"maxPoolSize"`
	MinPoolSize       int           `yaml:"minPoolSize"`
	PoolCheckInterval time.Duration `yaml:"poolCheckInterval"`
	MonitorInterval   time.Duration `yaml:"monitorInterval"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

// WorkerConfig holds the worker adapter's script inputs.
type WorkerConfig struct {
	ScriptDirPath   string        `yaml:"scriptDirPath"`
	ScriptFiles     []string      `yaml:"scriptFiles"`
	CreationTimeout time.Duration `yaml:"creationTimeout"`
}

// ProcessConfig holds the process adapter's script inputs.
type ProcessConfig struct {
	Interpreter     string        `yaml:"interpreter"`
	ScriptDirPath   string        `yaml:"scriptDirPath"`
	ScriptFiles     []string      `yaml:"scriptFiles"`
	CreationTimeout time.Duration `yaml:"creationTimeout"`
}

// ContainerConfig holds the container adapter's naming and timing inputs.
type ContainerConfig struct {
	DefaultImageName     string        `yaml:"defaultImageName"`
	DefaultContainerName string        `yaml:"defaultContainerName"`
	NetworkName          string        `yaml:"networkName"`
	ScriptDirPath        string        `yaml:"scriptDirPath"`
	ScriptFiles          []string      `yaml:"scriptFiles"`
	CreationTimeout      time.Duration `yaml:"creationTimeout"`
	ShutdownTimeout      time.Duration `yaml:"shutdownTimeout"`
}

// PodConfig holds the pod adapter's cluster-targeting inputs.
type PodConfig struct {
	Namespace       string        `yaml:"namespace"`
	DefaultPodName  string        `yaml:"defaultPodName"`
	DefaultPodPort  int           `yaml:"defaultPodPort"`
	KubeconfigPath  string        `yaml:"kubeconfigPath"`
	CreationTimeout time.Duration `yaml:"creationTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// ServerConfig is the demo HTTP façade's listen address.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// LogConfig controls slog's handler selection and level.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load builds a Config from environment variables, then applies a YAML
// override file when path is non-empty. Env vars are the base layer so a
// YAML file only needs to specify the values it wants to change.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		ResourceKind: getEnv("RESOURCE_KIND", "worker"),
		Pool: PoolConfig{
			MaxPoolSize:       getIntEnv("POOL_MAX_SIZE", 3),
			MinPoolSize:       getIntEnv("POOL_MIN_SIZE", 0),
			PoolCheckInterval: getDurationEnv("POOL_CHECK_INTERVAL", 10*time.Second),
			MonitorInterval:   getDurationEnv("POOL_MONITOR_INTERVAL", 5*time.Second),
			ShutdownTimeout:   getDurationEnv("POOL_SHUTDOWN_TIMEOUT", 5*time.Second),
		},
		Worker: WorkerConfig{
			ScriptDirPath:   getEnv("WORKER_SCRIPT_DIR", "./scripts/worker"),
			CreationTimeout: getDurationEnv("WORKER_CREATION_TIMEOUT", 30*time.Second),
		},
		Process: ProcessConfig{
			Interpreter:     getEnv("PROCESS_INTERPRETER", "node"),
			ScriptDirPath:   getEnv("PROCESS_SCRIPT_DIR", "./scripts/process"),
			CreationTimeout: getDurationEnv("PROCESS_CREATION_TIMEOUT", 30*time.Second),
		},
		Container: ContainerConfig{
			DefaultImageName:     getEnv("CONTAINER_IMAGE", "serverlesspool-runtime:latest"),
			DefaultContainerName: getEnv("CONTAINER_NAME_PREFIX", "serverlesspool"),
			NetworkName:          getEnv("CONTAINER_NETWORK_NAME", "serverlesspool-net"),
			ScriptDirPath:        getEnv("CONTAINER_SCRIPT_DIR", "./scripts/container"),
			CreationTimeout:      getDurationEnv("CONTAINER_CREATION_TIMEOUT", 30*time.Second),
			ShutdownTimeout:      getDurationEnv("CONTAINER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Pod: PodConfig{
			Namespace:       getEnv("POD_NAMESPACE", "default"),
			DefaultPodName:  getEnv("POD_DEFAULT_NAME", "serverlesspool-runner"),
			DefaultPodPort:  getIntEnv("POD_DEFAULT_PORT", 9000),
			KubeconfigPath:  getEnv("POD_KUBECONFIG", ""),
			CreationTimeout: getDurationEnv("POD_CREATION_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationEnv("POD_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Server: ServerConfig{
			Addr:         getEnv("SERVER_ADDR", ":8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if yamlPath != "" {
		if err := applyYAMLOverride(cfg, yamlPath); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// applyYAMLOverride decodes path into cfg using strict (KnownFields) mode,
// so a typo'd or stale key in the override file is a startup-time BadConfig
// rather than a silently ignored no-op.
func applyYAMLOverride(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open override file %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("config: decode override file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		switch val {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultVal
}
