package config

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "tutord.toml"

	TokenRoleAdmin    = "admin"
	TokenRoleInferrer = "inferrer"

	ShapeChat       = "chat"
	ShapeCompletion = "completion"
)

type EndpointConfig struct {
	Name           string `toml:"name" json:"name"`
	DisplayName    string `toml:"display_name,omitempty" json:"display_name,omitempty"`
	URL            string `toml:"url" json:"url"`
	Model          string `toml:"model" json:"model"`
	Shape          string `toml:"shape" json:"shape"`
	Priority       int    `toml:"priority" json:"priority"`
	APIKey         string `toml:"api_key,omitempty" json:"-"`
	Disabled       bool   `toml:"disabled,omitempty" json:"disabled,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

type AssistantConfig struct {
	Name               string `toml:"name"`
	FallbackMessage    string `toml:"fallback_message"`
	ExhaustedMessage   string `toml:"exhausted_message"`
	PromptLimitMessage string `toml:"prompt_limit_message"`
	TokenLimitMessage  string `toml:"token_limit_message"`
	MinContentLength   int    `toml:"min_content_length"`
}

type BreakerConfig struct {
	FailureThreshold int `toml:"failure_threshold"`
	CooldownSeconds  int `toml:"cooldown_seconds"`
}

type BudgetConfig struct {
	BaseTokens             int `toml:"base_tokens"`
	MinTokens              int `toml:"min_tokens"`
	MaxTokens              int `toml:"max_tokens"`
	BaseTimeoutSeconds     int `toml:"base_timeout_seconds"`
	ExtendedTimeoutSeconds int `toml:"extended_timeout_seconds"`
	LargeTimeoutSeconds    int `toml:"large_timeout_seconds"`
	MaxTimeoutSeconds      int `toml:"max_timeout_seconds"`
}

type RetryConfig struct {
	MaxAttempts int `toml:"max_attempts"`
	BaseDelayMS int `toml:"base_delay_ms"`
}

// PreferenceDefaults fill every AI preference a user or lecture leaves unset.
type PreferenceDefaults struct {
	Model                string  `toml:"model,omitempty"`
	Temperature          float64 `toml:"temperature"`
	MaxTokens            int     `toml:"max_tokens"`
	NumPrompts           int     `toml:"num_prompts"`
	TokenPredictionLimit int     `toml:"token_prediction_limit"`
	SystemPrompt         string  `toml:"system_prompt"`
}

type StoreConfig struct {
	Path             string `toml:"path"`
	OpTimeoutSeconds int    `toml:"op_timeout_seconds"`
}

type UsageConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type LogsConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// MaxLines bounds the in-memory buffer behind /admin/api/logs.
	MaxLines int `toml:"max_lines,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

type IncomingAPIToken struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	Role      string `toml:"role,omitempty"`
	Key       string `toml:"key"`
	ExpiresAt string `toml:"expires_at,omitempty"`
}

type ServerConfig struct {
	ListenAddr           string             `toml:"listen_addr"`
	IncomingTokens       []IncomingAPIToken `toml:"incoming_tokens"`
	AllowLocalhostNoAuth bool               `toml:"allow_localhost_no_auth"`
	Assistant            AssistantConfig    `toml:"assistant"`
	Endpoints            []EndpointConfig   `toml:"endpoints"`
	Breaker              BreakerConfig      `toml:"breaker"`
	Budget               BudgetConfig       `toml:"budget"`
	Retry                RetryConfig        `toml:"retry"`
	Defaults             PreferenceDefaults `toml:"defaults"`
	Store                StoreConfig        `toml:"store"`
	Usage                UsageConfig        `toml:"usage"`
	Logs                 LogsConfig         `toml:"logs"`
	TLS                  TLSConfig          `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "tutorrouter", defaultConfigFileName)
}

func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tutorrouter.db"
	}
	return filepath.Join(home, ".local", "share", "tutorrouter", "tutorrouter.db")
}

func DefaultUsageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "usage-db"
	}
	return filepath.Join(home, ".cache", "tutorrouter", "usage-db")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "tutorrouter", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:           "127.0.0.1:8080",
		IncomingTokens:       []IncomingAPIToken{},
		AllowLocalhostNoAuth: true,
		Assistant: AssistantConfig{
			Name:               "Tutor",
			FallbackMessage:    "Hello! I'm Tutor, your AI learning assistant. How can I help you with your studies today?",
			ExhaustedMessage:   "I'm having trouble reaching my knowledge service right now. While I reconnect, try restating the key idea of your question in your own words, then ask me again in a moment.",
			PromptLimitMessage: "You have reached the prompt limit for this chat session. Start a new session or ask your instructor to raise the limit.",
			TokenLimitMessage:  "You have reached the token limit for this chat session. Start a new session or ask your instructor to raise the limit.",
			MinContentLength:   10,
		},
		Endpoints: []EndpointConfig{},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			CooldownSeconds:  30,
		},
		Budget: BudgetConfig{
			BaseTokens:             800,
			MinTokens:              200,
			MaxTokens:              4000,
			BaseTimeoutSeconds:     30,
			ExtendedTimeoutSeconds: 60,
			LargeTimeoutSeconds:    120,
			MaxTimeoutSeconds:      180,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMS: 1000,
		},
		Defaults: PreferenceDefaults{
			Temperature:          0.7,
			MaxTokens:            4000,
			NumPrompts:           50,
			TokenPredictionLimit: 100000,
			SystemPrompt:         "You are Tutor, a patient educational assistant. Explain concepts clearly, check understanding, and encourage students to reason through problems.",
		},
		Store: StoreConfig{
			Path:             DefaultStorePath(),
			OpTimeoutSeconds: 5,
		},
		Usage: UsageConfig{
			Enabled: true,
			Dir:     DefaultUsageDir(),
		},
		Logs: LogsConfig{
			Level:    "info",
			Format:   "text",
			MaxLines: 2000,
		},
		TLS: TLSConfig{
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

// LoadServerConfig reads path on top of the defaults. ${VAR} references are
// expanded from the environment before parsing.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(b))
	if err := toml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	defaults := NewDefaultServerConfig()
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}

	c.Assistant.Name = strings.TrimSpace(c.Assistant.Name)
	if c.Assistant.Name == "" {
		c.Assistant.Name = defaults.Assistant.Name
	}
	c.Assistant.FallbackMessage = strings.TrimSpace(c.Assistant.FallbackMessage)
	if c.Assistant.FallbackMessage == "" {
		c.Assistant.FallbackMessage = defaults.Assistant.FallbackMessage
	}
	c.Assistant.ExhaustedMessage = strings.TrimSpace(c.Assistant.ExhaustedMessage)
	if c.Assistant.ExhaustedMessage == "" {
		c.Assistant.ExhaustedMessage = defaults.Assistant.ExhaustedMessage
	}
	c.Assistant.PromptLimitMessage = strings.TrimSpace(c.Assistant.PromptLimitMessage)
	if c.Assistant.PromptLimitMessage == "" {
		c.Assistant.PromptLimitMessage = defaults.Assistant.PromptLimitMessage
	}
	c.Assistant.TokenLimitMessage = strings.TrimSpace(c.Assistant.TokenLimitMessage)
	if c.Assistant.TokenLimitMessage == "" {
		c.Assistant.TokenLimitMessage = defaults.Assistant.TokenLimitMessage
	}
	if c.Assistant.MinContentLength <= 0 {
		c.Assistant.MinContentLength = defaults.Assistant.MinContentLength
	}

	for i := range c.Endpoints {
		e := &c.Endpoints[i]
		e.Name = strings.TrimSpace(e.Name)
		e.DisplayName = strings.TrimSpace(e.DisplayName)
		e.URL = strings.TrimSpace(e.URL)
		e.Model = strings.TrimSpace(e.Model)
		e.Shape = strings.ToLower(strings.TrimSpace(e.Shape))
		e.APIKey = strings.TrimSpace(e.APIKey)
		if e.Shape == "" {
			e.Shape = ShapeChat
		}
		if e.DisplayName == "" {
			e.DisplayName = e.Name
		}
		if e.TimeoutSeconds < 0 {
			e.TimeoutSeconds = 0
		}
	}

	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = defaults.Breaker.FailureThreshold
	}
	if c.Breaker.CooldownSeconds <= 0 {
		c.Breaker.CooldownSeconds = defaults.Breaker.CooldownSeconds
	}

	b := &c.Budget
	if b.BaseTokens <= 0 {
		b.BaseTokens = defaults.Budget.BaseTokens
	}
	if b.MinTokens <= 0 {
		b.MinTokens = defaults.Budget.MinTokens
	}
	if b.MaxTokens <= 0 {
		b.MaxTokens = defaults.Budget.MaxTokens
	}
	if b.BaseTimeoutSeconds <= 0 {
		b.BaseTimeoutSeconds = defaults.Budget.BaseTimeoutSeconds
	}
	if b.ExtendedTimeoutSeconds <= 0 {
		b.ExtendedTimeoutSeconds = defaults.Budget.ExtendedTimeoutSeconds
	}
	if b.LargeTimeoutSeconds <= 0 {
		b.LargeTimeoutSeconds = defaults.Budget.LargeTimeoutSeconds
	}
	if b.MaxTimeoutSeconds <= 0 {
		b.MaxTimeoutSeconds = defaults.Budget.MaxTimeoutSeconds
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = defaults.Retry.MaxAttempts
	}
	if c.Retry.BaseDelayMS < 0 {
		c.Retry.BaseDelayMS = 0
	}

	c.Defaults.Model = strings.TrimSpace(c.Defaults.Model)
	c.Defaults.SystemPrompt = strings.TrimSpace(c.Defaults.SystemPrompt)
	if c.Defaults.Temperature <= 0 {
		c.Defaults.Temperature = defaults.Defaults.Temperature
	}
	if c.Defaults.MaxTokens <= 0 {
		c.Defaults.MaxTokens = c.Budget.MaxTokens
	}
	if c.Defaults.NumPrompts <= 0 {
		c.Defaults.NumPrompts = defaults.Defaults.NumPrompts
	}
	if c.Defaults.TokenPredictionLimit <= 0 {
		c.Defaults.TokenPredictionLimit = defaults.Defaults.TokenPredictionLimit
	}

	c.Store.Path = strings.TrimSpace(c.Store.Path)
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath()
	}
	if c.Store.OpTimeoutSeconds <= 0 {
		c.Store.OpTimeoutSeconds = defaults.Store.OpTimeoutSeconds
	}
	c.Usage.Dir = strings.TrimSpace(c.Usage.Dir)
	if c.Usage.Dir == "" {
		c.Usage.Dir = DefaultUsageDir()
	}
	c.Logs.Level = strings.ToLower(strings.TrimSpace(c.Logs.Level))
	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
	c.Logs.Format = strings.ToLower(strings.TrimSpace(c.Logs.Format))
	if c.Logs.Format == "" {
		c.Logs.Format = "text"
	}
	if c.Logs.MaxLines <= 0 {
		c.Logs.MaxLines = 2000
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}

	tokenSeen := map[string]struct{}{}
	tokens := make([]IncomingAPIToken, 0, len(c.IncomingTokens))
	for i, t := range c.IncomingTokens {
		t.ID = strings.TrimSpace(t.ID)
		t.Name = strings.TrimSpace(t.Name)
		t.Role = NormalizeIncomingTokenRole(t.Role)
		t.Key = strings.TrimSpace(t.Key)
		t.ExpiresAt = strings.TrimSpace(t.ExpiresAt)
		if t.Key == "" {
			continue
		}
		if _, ok := tokenSeen[t.Key]; ok {
			continue
		}
		tokenSeen[t.Key] = struct{}{}
		if t.ID == "" {
			t.ID = tokenID(t.Key, i)
		}
		if t.Name == "" {
			t.Name = fmt.Sprintf("Token %d", len(tokens)+1)
		}
		tokens = append(tokens, t)
	}
	c.IncomingTokens = tokens
}

func (c *ServerConfig) Validate() error {
	idSeen := map[string]struct{}{}
	for _, t := range c.IncomingTokens {
		if _, ok := idSeen[t.ID]; ok {
			return fmt.Errorf("duplicate incoming token id %q", t.ID)
		}
		idSeen[t.ID] = struct{}{}
		if t.Role == "" {
			return fmt.Errorf("incoming token %q has invalid role", t.ID)
		}
		if t.ExpiresAt != "" {
			if _, err := time.Parse(time.RFC3339, t.ExpiresAt); err != nil {
				return fmt.Errorf("incoming token %q has invalid expires_at (RFC3339 required)", t.ID)
			}
		}
	}
	nameSeen := map[string]struct{}{}
	for _, e := range c.Endpoints {
		if e.Name == "" {
			return errors.New("endpoint name cannot be empty")
		}
		if _, ok := nameSeen[e.Name]; ok {
			return fmt.Errorf("duplicate endpoint name %q", e.Name)
		}
		nameSeen[e.Name] = struct{}{}
		if e.URL == "" {
			return fmt.Errorf("endpoint %q url cannot be empty", e.Name)
		}
		if e.Model == "" {
			return fmt.Errorf("endpoint %q model cannot be empty", e.Name)
		}
		if e.Shape != ShapeChat && e.Shape != ShapeCompletion {
			return fmt.Errorf("endpoint %q shape must be one of %s, %s", e.Name, ShapeChat, ShapeCompletion)
		}
	}
	if c.Budget.MinTokens > c.Budget.MaxTokens {
		return errors.New("budget.min_tokens must be <= budget.max_tokens")
	}
	if c.Budget.BaseTimeoutSeconds > c.Budget.ExtendedTimeoutSeconds ||
		c.Budget.ExtendedTimeoutSeconds > c.Budget.LargeTimeoutSeconds ||
		c.Budget.LargeTimeoutSeconds > c.Budget.MaxTimeoutSeconds {
		return errors.New("budget timeouts must be non-decreasing: base <= extended <= large <= max")
	}
	if c.Retry.MaxAttempts > 10 {
		return errors.New("retry.max_attempts must be <= 10")
	}
	if c.Defaults.Temperature > 2 {
		return errors.New("defaults.temperature must be <= 2")
	}
	switch c.Logs.Format {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("logs.format must be one of text, json, logfmt")
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}

// ServerConfigStore hands out copies so request handlers never observe a
// half-applied update.
type ServerConfigStore struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewServerConfigStore(path string, cfg *ServerConfig) *ServerConfigStore {
	return &ServerConfigStore{path: path, cfg: cfg}
}

func (s *ServerConfigStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneServerConfig(s.cfg)
}

func (s *ServerConfigStore) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneServerConfig(s.cfg)
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, &cp); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}

func cloneServerConfig(in *ServerConfig) ServerConfig {
	cp := *in
	cp.IncomingTokens = append([]IncomingAPIToken(nil), in.IncomingTokens...)
	cp.Endpoints = append([]EndpointConfig(nil), in.Endpoints...)
	return cp
}

func tokenID(key string, idx int) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("tok-%d-%x", idx+1, h.Sum64())
}

func NormalizeIncomingTokenRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "", TokenRoleInferrer:
		return TokenRoleInferrer
	case TokenRoleAdmin:
		return TokenRoleAdmin
	default:
		return ""
	}
}
