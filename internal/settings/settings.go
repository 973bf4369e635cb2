package settings

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"orcascore/engine/internal/envutil"
)

const schemaVersion = 1

const (
	ProviderAnthropic = "anthropic"
	ProviderLiteLLM   = "litellm"
	ProviderOpenAI    = "openai"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Duration is a time.Duration written as "5m" in the settings file.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

type ProviderSettings struct {
	BaseURL      string `toml:"base_url,omitempty"`
	DefaultModel string `toml:"default_model,omitempty"`
}

type ChatSettings struct {
	MaxOutputTokens    int  `toml:"max_output_tokens"`
	MaxResponseChars   int  `toml:"max_response_chars"`
	MaxToolRounds      int  `toml:"max_tool_rounds"`
	MaxHistoryMessages int  `toml:"max_history_messages"`
	MaxHistoryChars    int  `toml:"max_history_chars"`
	WebSearchMaxUses   int  `toml:"web_search_max_uses"`
	AbortInFlight      bool `toml:"abort_in_flight"`
}

type RetrySettings struct {
	MaxRetries int      `toml:"max_retries"`
	BaseDelay  Duration `toml:"base_delay"`
}

type LockSettings struct {
	SweepInterval Duration `toml:"sweep_interval"`
	MaxAge        Duration `toml:"max_age"`
}

type StoreSettings struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn,omitempty"`
}

type ObserverSettings struct {
	ListenAddr string `toml:"listen_addr,omitempty"`
	JWTSecret  string `toml:"jwt_secret,omitempty"`
}

type Settings struct {
	SchemaVersion int                         `toml:"schema_version"`
	Provider      string                      `toml:"provider"`
	Providers     map[string]ProviderSettings `toml:"providers"`
	Chat          ChatSettings                `toml:"chat"`
	Retry         RetrySettings               `toml:"retry"`
	Locks         LockSettings                `toml:"locks"`
	Store         StoreSettings               `toml:"store"`
	Observers     ObserverSettings            `toml:"observers"`
}

// ActiveProvider returns the selected provider's section.
func (s *Settings) ActiveProvider() ProviderSettings {
	return s.Providers[s.Provider]
}

type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the file (defaults when absent), backfills missing values and
// applies environment overrides. Overrides are never written back by Save.
func (s *Store) Load() (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, err := s.readFile()
	if err != nil {
		return nil, err
	}
	ApplyEnvOverrides(settings)
	if err := Validate(settings); err != nil {
		return nil, fmt.Errorf("validate settings: %w", err)
	}
	return settings, nil
}

func (s *Store) Save(settings *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeFile(settings)
}

// Update applies fn to the persisted settings (without env overrides) and
// saves the result.
func (s *Store) Update(fn func(*Settings)) (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, err := s.readFile()
	if err != nil {
		return nil, err
	}
	fn(settings)
	if err := Validate(settings); err != nil {
		return nil, fmt.Errorf("validate settings: %w", err)
	}
	if err := s.writeFile(settings); err != nil {
		return nil, err
	}
	ApplyEnvOverrides(settings)
	return settings, nil
}

func (s *Store) readFile() (*Settings, error) {
	settings := defaultSettings()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if _, err := toml.Decode(string(data), settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	backfillSettings(settings)
	return settings, nil
}

func (s *Store) writeFile(settings *Settings) error {
	backfillSettings(settings)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(settings); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return os.WriteFile(s.path, buf.Bytes(), 0o600)
}

func defaultSettings() *Settings {
	settings := &Settings{
		SchemaVersion: schemaVersion,
		Provider:      ProviderAnthropic,
	}
	backfillSettings(settings)
	return settings
}

func defaultProviderSettings(providerID string) ProviderSettings {
	switch providerID {
	case ProviderAnthropic:
		return ProviderSettings{DefaultModel: "claude-sonnet-4-20250514"}
	case ProviderLiteLLM:
		return ProviderSettings{BaseURL: "http://localhost:4000", DefaultModel: "claude-sonnet-4-20250514"}
	case ProviderOpenAI:
		return ProviderSettings{DefaultModel: "gpt-4.1"}
	}
	return ProviderSettings{}
}

func backfillSettings(settings *Settings) {
	if settings.SchemaVersion == 0 {
		settings.SchemaVersion = schemaVersion
	}
	settings.Provider = strings.ToLower(strings.TrimSpace(settings.Provider))
	if settings.Provider == "" {
		settings.Provider = ProviderAnthropic
	}
	if settings.Providers == nil {
		settings.Providers = map[string]ProviderSettings{}
	}
	for _, id := range []string{ProviderAnthropic, ProviderLiteLLM, ProviderOpenAI} {
		entry, ok := settings.Providers[id]
		def := defaultProviderSettings(id)
		if !ok {
			settings.Providers[id] = def
			continue
		}
		if entry.DefaultModel == "" {
			entry.DefaultModel = def.DefaultModel
		}
		settings.Providers[id] = entry
	}

	chat := &settings.Chat
	if chat.MaxOutputTokens <= 0 {
		chat.MaxOutputTokens = 4096
	}
	if chat.MaxResponseChars <= 0 {
		chat.MaxResponseChars = 10000
	}
	if chat.MaxToolRounds <= 0 {
		chat.MaxToolRounds = 20
	}
	if chat.MaxHistoryMessages <= 0 {
		chat.MaxHistoryMessages = 20
	}
	if chat.MaxHistoryChars <= 0 {
		chat.MaxHistoryChars = 40000
	}
	if chat.WebSearchMaxUses <= 0 {
		chat.WebSearchMaxUses = 5
	}
	if settings.Retry.MaxRetries <= 0 {
		settings.Retry.MaxRetries = 3
	}
	if settings.Retry.BaseDelay.Duration <= 0 {
		settings.Retry.BaseDelay.Duration = time.Second
	}
	if settings.Locks.SweepInterval.Duration <= 0 {
		settings.Locks.SweepInterval.Duration = time.Minute
	}
	if settings.Locks.MaxAge.Duration <= 0 {
		settings.Locks.MaxAge.Duration = 5 * time.Minute
	}
	settings.Store.Driver = strings.ToLower(strings.TrimSpace(settings.Store.Driver))
	if settings.Store.Driver == "" {
		settings.Store.Driver = DriverSQLite
	}
}

// ApplyEnvOverrides lets ORCASCORE_* variables take precedence over the file.
func ApplyEnvOverrides(settings *Settings) {
	if v, ok := envutil.String("ORCASCORE_PROVIDER"); ok {
		settings.Provider = strings.ToLower(v)
	}
	if v, ok := envutil.String("ORCASCORE_MODEL"); ok {
		entry := settings.Providers[settings.Provider]
		entry.DefaultModel = v
		settings.Providers[settings.Provider] = entry
	}
	if v, ok := envutil.String("LITELLM_BASE_URL"); ok {
		entry := settings.Providers[ProviderLiteLLM]
		entry.BaseURL = v
		settings.Providers[ProviderLiteLLM] = entry
	}
	if v, ok := envutil.Int("ORCASCORE_MAX_RETRIES"); ok && v > 0 {
		settings.Retry.MaxRetries = v
	}
	if v, ok := envutil.Duration("ORCASCORE_RETRY_BASE_DELAY"); ok && v > 0 {
		settings.Retry.BaseDelay.Duration = v
	}
	if v, ok := envutil.Duration("ORCASCORE_LOCK_MAX_AGE"); ok && v > 0 {
		settings.Locks.MaxAge.Duration = v
	}
	if v, ok := envutil.String("ORCASCORE_STORE_DRIVER"); ok {
		settings.Store.Driver = strings.ToLower(v)
	}
	if v, ok := envutil.String("ORCASCORE_STORE_DSN"); ok {
		settings.Store.DSN = v
	}
	if v, ok := envutil.String("ORCASCORE_OBSERVERS_ADDR"); ok {
		settings.Observers.ListenAddr = v
	}
	if v, ok := envutil.String("ORCASCORE_OBSERVERS_JWT_SECRET"); ok {
		settings.Observers.JWTSecret = v
	}
}

func Validate(settings *Settings) error {
	switch settings.Provider {
	case ProviderAnthropic, ProviderLiteLLM, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown provider: %s", settings.Provider)
	}
	if gateway := settings.Providers[ProviderLiteLLM].BaseURL; gateway != "" {
		parsed, err := url.Parse(gateway)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("invalid litellm base URL %q", gateway)
		}
	}
	switch settings.Store.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if settings.Store.DSN == "" {
			return fmt.Errorf("store driver %s requires a dsn", settings.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver: %s", settings.Store.Driver)
	}
	if secret := settings.Observers.JWTSecret; secret != "" && len(secret) < 16 {
		return fmt.Errorf("observers.jwt_secret must be at least 16 characters")
	}
	return nil
}
