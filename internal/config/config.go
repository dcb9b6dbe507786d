package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the resolved configuration of the agent host.
type Config struct {
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Client    ClientConfig    `json:"client" yaml:"client"`
	Resources ResourcesConfig `json:"resources" yaml:"resources"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Theme     ThemeConfig     `json:"theme" yaml:"theme"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

// AgentConfig describes how to start the agent process.
type AgentConfig struct {
	Command             []string          `json:"command" yaml:"command" validate:"required,min=1,dive,required"`
	Env                 map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir                 string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	StartAttempts       int               `json:"startAttempts" yaml:"startAttempts" validate:"min=1"`
	InitializeTimeoutMs int               `json:"initializeTimeoutMs" yaml:"initializeTimeoutMs" validate:"min=1"`
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (c AgentConfig) EnvList() []string {
	out := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// ClientConfig is what the host reports about itself on initialize.
type ClientConfig struct {
	Name    string `json:"name" yaml:"name" validate:"required"`
	Version string `json:"version" yaml:"version"`
}

// ResourcesConfig configures the resource server.
type ResourcesConfig struct {
	Root         string `json:"root" yaml:"root" validate:"required"`
	BufferSize   int    `json:"bufferSize" yaml:"bufferSize" validate:"min=512"`
	CreateWaitMs int    `json:"createWaitMs" yaml:"createWaitMs" validate:"min=1"`
}

// ServerConfig configures the HTTP pseudo-origin.
type ServerConfig struct {
	Host           string   `json:"host" yaml:"host" validate:"required"`
	Port           int      `json:"port" yaml:"port" validate:"min=0,max=65535"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`
}

// ThemeConfig seeds the webview theme and optionally watches a file for
// changes.
type ThemeConfig struct {
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
	IsDark bool   `json:"isDark" yaml:"isDark"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
	File   bool   `json:"file" yaml:"file"`
	Dir    string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			StartAttempts:       3,
			InitializeTimeoutMs: 10000,
		},
		Client: ClientConfig{
			Name: "agenthost",
		},
		Resources: ResourcesConfig{
			BufferSize:   32 * 1024,
			CreateWaitMs: 30000,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

var validate = validator.New()

// Validate checks the configuration for values the host cannot run with.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

var configNames = []string{"agenthost.json", "agenthost.jsonc", "agenthost.yaml", "agenthost.yml"}

// Load resolves the configuration from, in increasing priority:
//  1. built-in defaults
//  2. global config (~/.config/agenthost/)
//  3. project config (<directory>/.agenthost/)
//  4. AGENTHOST_CONFIG file
//  5. AGENTHOST_CONFIG_CONTENT inline JSON
//  6. AGENTHOST_* environment variables
//
// A .env file in directory is loaded first; it never overrides variables
// already set. The result is not validated.
func Load(directory string) (*Config, error) {
	cfg := Default()

	if directory != "" {
		if err := godotenv.Load(filepath.Join(directory, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	loaded := make(map[string]bool)
	loadOnce := func(path string) error {
		abs, err := filepath.Abs(path)
		if err != nil || loaded[abs] {
			return nil
		}
		err = loadConfigFile(abs, cfg)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		loaded[abs] = true
		return nil
	}

	var candidates []string
	for _, name := range configNames {
		candidates = append(candidates, filepath.Join(GetPaths().Config, name))
	}
	if directory != "" {
		for _, name := range configNames {
			candidates = append(candidates, filepath.Join(directory, ".agenthost", name))
		}
	}
	if path := os.Getenv("AGENTHOST_CONFIG"); path != "" {
		candidates = append(candidates, path)
	}
	for _, path := range candidates {
		if err := loadOnce(path); err != nil {
			return nil, err
		}
	}

	if content := os.Getenv("AGENTHOST_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err != nil {
			return nil, fmt.Errorf("parse AGENTHOST_CONFIG_CONTENT: %w", err)
		}
		mergeConfig(cfg, &inline)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFile merges one JSON, JSONC or YAML file into cfg.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	baseDir := filepath.Dir(path)

	var file Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data = interpolate(data, baseDir, func(s string) string { return s })
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		data = interpolate(jsonc.ToJSON(data), baseDir, escapeJSON)
		if err := json.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	mergeConfig(cfg, &file)
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate replaces {env:VAR} and {file:path} placeholders. File paths
// are relative to baseDir; a missing file leaves the placeholder in place.
func interpolate(data []byte, baseDir string, escape func(string) string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return escape(os.Getenv(envPattern.FindStringSubmatch(match)[1]))
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		path := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(path, "~/") {
			path = filepath.Join(os.Getenv("HOME"), path[2:])
		} else if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return match
		}
		return escape(strings.TrimRight(string(content), "\r\n"))
	})

	return []byte(str)
}

func escapeJSON(s string) string {
	quoted, _ := json.Marshal(s)
	return string(quoted[1 : len(quoted)-1])
}

// mergeConfig merges the non-zero fields of source into target.
func mergeConfig(target, source *Config) {
	if len(source.Agent.Command) > 0 {
		target.Agent.Command = source.Agent.Command
	}
	if source.Agent.Env != nil {
		if target.Agent.Env == nil {
			target.Agent.Env = make(map[string]string)
		}
		for k, v := range source.Agent.Env {
			target.Agent.Env[k] = v
		}
	}
	if source.Agent.Dir != "" {
		target.Agent.Dir = source.Agent.Dir
	}
	if source.Agent.StartAttempts != 0 {
		target.Agent.StartAttempts = source.Agent.StartAttempts
	}
	if source.Agent.InitializeTimeoutMs != 0 {
		target.Agent.InitializeTimeoutMs = source.Agent.InitializeTimeoutMs
	}

	if source.Client.Name != "" {
		target.Client.Name = source.Client.Name
	}
	if source.Client.Version != "" {
		target.Client.Version = source.Client.Version
	}

	if source.Resources.Root != "" {
		target.Resources.Root = source.Resources.Root
	}
	if source.Resources.BufferSize != 0 {
		target.Resources.BufferSize = source.Resources.BufferSize
	}
	if source.Resources.CreateWaitMs != 0 {
		target.Resources.CreateWaitMs = source.Resources.CreateWaitMs
	}

	if source.Server.Host != "" {
		target.Server.Host = source.Server.Host
	}
	if source.Server.Port != 0 {
		target.Server.Port = source.Server.Port
	}
	if len(source.Server.AllowedOrigins) > 0 {
		target.Server.AllowedOrigins = source.Server.AllowedOrigins
	}

	if source.Theme.File != "" {
		target.Theme.File = source.Theme.File
	}
	if source.Theme.Name != "" {
		target.Theme.Name = source.Theme.Name
		target.Theme.IsDark = source.Theme.IsDark
	}

	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.Pretty {
		target.Log.Pretty = true
	}
	if source.Log.File {
		target.Log.File = true
	}
	if source.Log.Dir != "" {
		target.Log.Dir = source.Log.Dir
	}
}

// applyEnvOverrides applies AGENTHOST_* variables.
func applyEnvOverrides(cfg *Config) error {
	if cmd := os.Getenv("AGENTHOST_AGENT_COMMAND"); cmd != "" {
		cfg.Agent.Command = strings.Fields(cmd)
	}
	if root := os.Getenv("AGENTHOST_RESOURCE_ROOT"); root != "" {
		cfg.Resources.Root = root
	}
	if port := os.Getenv("AGENTHOST_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("AGENTHOST_PORT: %w", err)
		}
		cfg.Server.Port = n
	}
	if level := os.Getenv("AGENTHOST_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if file := os.Getenv("AGENTHOST_THEME_FILE"); file != "" {
		cfg.Theme.File = file
	}
	return nil
}

// Save writes cfg to path, as YAML for .yaml/.yml and JSON otherwise.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
