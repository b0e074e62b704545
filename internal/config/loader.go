package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Application identity used for env vars, config file and data dir names.
const (
	AppName   = "listwatch"
	EnvPrefix = "LISTWATCH"
)

var (
	configMu  sync.RWMutex
	appConfig *Config
	appViper  *viper.Viper

	// configFile is an explicit config path set by --config.
	configFile string
)

// SetConfigFile makes Load read path instead of searching for listwatch.yaml.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// EnvSpec maps a short environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

// getEnvSpecs lists the short aliases. Every key is also reachable through
// its full name, e.g. LISTWATCH_REMOTE_BASE_URL.
func getEnvSpecs() []EnvSpec {
	return []EnvSpec{
		{Name: EnvPrefix + "_EMAIL", Path: "remote.email"},
		{Name: EnvPrefix + "_PASSWORD", Path: "remote.password"},
		{Name: EnvPrefix + "_BASE_URL", Path: "remote.base_url"},
		{Name: EnvPrefix + "_COMPANY_ID", Path: "remote.company_id"},
		{Name: EnvPrefix + "_WATCH_DIR", Path: "watch.dir"},
		{Name: EnvPrefix + "_OUTPUT_DIR", Path: "output.dir"},
		{Name: EnvPrefix + "_STORE_PATH", Path: "store.path"},
		{Name: EnvPrefix + "_REDIS_URL", Path: "store.redis_url"},
		{Name: EnvPrefix + "_NATS_URL", Path: "notify.nats_url"},
		{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "_HOST", Path: "server.host"},
		{Name: EnvPrefix + "_PORT", Path: "server.port"},
	}
}

// setDefaults registers every key so environment variables can reach it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("watch.dir", "./inbox")
	v.SetDefault("watch.patterns", []string{"*.csv"})
	v.SetDefault("watch.markers", []string{".enviado", ".processed"})
	v.SetDefault("watch.interval", "30s")
	v.SetDefault("watch.notify", false)
	v.SetDefault("watch.debounce", "2s")

	v.SetDefault("output.dir", "")
	v.SetDefault("output.format", "csv")
	v.SetDefault("output.s3.bucket", "")
	v.SetDefault("output.s3.prefix", "")
	v.SetDefault("output.s3.region", "")
	v.SetDefault("output.s3.endpoint", "")
	v.SetDefault("output.s3.profile", "")
	v.SetDefault("output.s3.force_path_style", false)

	v.SetDefault("store.backend", "json")
	v.SetDefault("store.path", "")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.redis_key", "listwatch:jobs")

	v.SetDefault("remote.base_url", "https://uno-portal-api.contactvoice.com.br")
	v.SetDefault("remote.login_path", "/Login/login")
	v.SetDefault("remote.submit_path", "/Uno/IncluirAcaoEnvio")
	v.SetDefault("remote.poll_path", "/Uno/GetAcaoEnvioRetorno")
	v.SetDefault("remote.email", "")
	v.SetDefault("remote.password", "")
	v.SetDefault("remote.company_id", 90)
	v.SetDefault("remote.timezone", "America/Sao_Paulo")
	v.SetDefault("remote.submit_timeout", "60s")
	v.SetDefault("remote.poll_timeout", "30s")
	v.SetDefault("remote.retry.max_attempts", 3)
	v.SetDefault("remote.retry.backoff", "1s")
	v.SetDefault("remote.rate_limit", 0)

	v.SetDefault("credential.lifetime", "1h")
	v.SetDefault("credential.refresh_margin", "5m")

	v.SetDefault("poll.max_attempts", 0)
	v.SetDefault("poll.concurrency", 1)
	v.SetDefault("poll.dead_letter_dir", "")

	v.SetDefault("notify.nats_url", "")
	v.SetDefault("notify.subject", "listwatch.jobs")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load builds the configuration and makes it the current one. Overrides are
// nested maps (e.g. {"server": {"port": 9000}}) that win over every other
// source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A missing .env is normal.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name, envName(spec.Path)); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	appViper = v
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Settings returns the merged raw settings of the last Load with secrets
// redacted, for display.
func Settings() map[string]any {
	configMu.RLock()
	v := appViper
	configMu.RUnlock()
	if v == nil {
		return nil
	}
	all := v.AllSettings()
	if remote, ok := all["remote"].(map[string]any); ok {
		if s, _ := remote["password"].(string); s != "" {
			remote["password"] = "********"
		}
	}
	return all
}

// DataDir is the default location for the job store and dead letters.
func DataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

func (c *Config) applyDerived() {
	if c.Output.Dir == "" && c.Watch.Dir != "" {
		c.Output.Dir = filepath.Join(c.Watch.Dir, "FINAL")
	}
	if c.Store.Path == "" {
		name := "jobs.json"
		if strings.EqualFold(c.Store.Backend, "sqlite") {
			name = "jobs.db"
		}
		c.Store.Path = filepath.Join(DataDir(), name)
	}
	if c.Poll.DeadLetterDir == "" && c.Poll.MaxAttempts > 0 {
		c.Poll.DeadLetterDir = filepath.Join(DataDir(), "dead-letter")
	}
	c.Output.Format = strings.ToLower(strings.TrimSpace(c.Output.Format))
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
}

func readConfigFile(v *viper.Viper) error {
	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	v.SetConfigName(AppName)
	v.SetConfigType("yaml")
	for _, dir := range getUserConfigPaths() {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// getUserConfigPaths lists the directories searched for listwatch.yaml.
func getUserConfigPaths() []string {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, AppName))
	}
	return paths
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
