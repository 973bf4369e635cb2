package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"orcascore/engine/internal/appdirs"
	"orcascore/engine/internal/chat"
	"orcascore/engine/internal/errinfo"
	"orcascore/engine/internal/locks"
	"orcascore/engine/internal/logging"
	"orcascore/engine/internal/review"
	"orcascore/engine/internal/rpc"
	"orcascore/engine/internal/secrets"
	"orcascore/engine/internal/settings"
	"orcascore/engine/internal/store"
	"orcascore/engine/internal/tools"
)

const (
	EngineVersion = "0.1.0"
	APIVersion    = "1"
)

// Notification methods emitted besides the review ones.
const (
	NotifyLockStateChanged = "LockStateChanged"
	NotifyChatEvent        = "ChatEvent"
	NotifyChatStreamUpdate = "ChatStreamUpdate"
	NotifySettingsReloaded = "SettingsReloaded"
)

type Notifier func(method string, params any)

// Publisher is an additional notification sink, such as the observer hub.
type Publisher interface {
	Publish(method string, params any)
}

type Engine struct {
	dataDir      string
	settings     *settings.Store
	secrets      *secrets.Store
	db           *store.DB
	ownsDB       bool
	locks        *locks.Manager
	tools        *tools.Executor
	review       *review.Controller
	newProvider  ProviderFactory
	notify       Notifier
	observers    Publisher
	logger       *slog.Logger
	sleep        chat.Sleeper
	now          func() time.Time
	settingsPath string

	cfgMu sync.RWMutex
	cfg   *settings.Settings

	chatMu sync.Mutex
	chats  map[int64]*chatEntry
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDataDir overrides the application data directory.
func WithDataDir(dir string) Option {
	return func(e *Engine) {
		e.dataDir = dir
	}
}

// WithSettingsPath overrides <data>/settings.toml.
func WithSettingsPath(path string) Option {
	return func(e *Engine) {
		e.settingsPath = path
	}
}

// WithStore uses an already opened database. The engine does not close it.
func WithStore(db *store.DB) Option {
	return func(e *Engine) {
		e.db = db
	}
}

func WithProviderFactory(factory ProviderFactory) Option {
	return func(e *Engine) {
		if factory != nil {
			e.newProvider = factory
		}
	}
}

// WithObservers adds a second notification sink next to the RPC notifier.
func WithObservers(p Publisher) Option {
	return func(e *Engine) {
		e.observers = p
	}
}

// WithSleeper replaces the retry backoff wait.
func WithSleeper(sleep chat.Sleeper) Option {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(opts ...Option) (*Engine, error) {
	engine := &Engine{
		logger:      logging.Nop(),
		newProvider: defaultProviderFactory,
		now:         func() time.Time { return time.Now().UTC() },
		chats:       make(map[int64]*chatEntry),
	}
	for _, opt := range opts {
		opt(engine)
	}
	if engine.dataDir == "" {
		dataDir, err := appdirs.DataDir()
		if err != nil {
			return nil, err
		}
		engine.dataDir = dataDir
	}
	if err := appdirs.Ensure(engine.dataDir); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if engine.settingsPath == "" {
		engine.settingsPath = appdirs.SettingsPath(engine.dataDir)
	}
	engine.settings = settings.NewStore(engine.settingsPath)
	cfg, err := engine.settings.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	engine.cfg = cfg
	engine.secrets = secrets.NewStore(appdirs.SecretsPath(engine.dataDir), appdirs.MasterKeyPath(engine.dataDir))

	if engine.db == nil {
		dsn := cfg.Store.DSN
		if cfg.Store.Driver == settings.DriverSQLite && dsn == "" {
			dsn = appdirs.DatabasePath(engine.dataDir)
		}
		db, err := store.Open(context.Background(), cfg.Store.Driver, dsn,
			store.WithLogger(engine.logger.With("component", "store")),
			store.WithClock(engine.now))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		engine.db = db
		engine.ownsDB = true
	}

	engine.locks = locks.NewManager(engine.db,
		locks.WithLogger(engine.logger.With("component", "locks")),
		locks.WithClock(engine.now),
		locks.WithListener(engine.onLockEvent))
	executor, err := tools.NewExecutor(engine.db,
		tools.WithLogger(engine.logger.With("component", "tools")),
		tools.WithClock(engine.now))
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("tool executor: %w", err)
	}
	engine.tools = executor
	engine.review = review.NewController(engine.db, engine.locks,
		review.WithLogger(engine.logger.With("component", "review")),
		review.WithNotifier(engine.emit),
		review.WithClock(engine.now))

	engine.logger.Debug("engine.init",
		"data_dir", engine.dataDir,
		"settings_path", engine.settingsPath,
		"provider", cfg.Provider,
		"store_driver", engine.db.Driver())
	return engine, nil
}

func (e *Engine) SetNotifier(notify Notifier) {
	e.notify = notify
}

func (e *Engine) SetObservers(p Publisher) {
	e.observers = p
}

// Settings returns the settings in effect.
func (e *Engine) Settings() *settings.Settings {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// ObserverSecret is observers.jwt_secret when configured, otherwise the
// secret generated and kept in the secrets store.
func (e *Engine) ObserverSecret() (string, error) {
	if secret := e.Settings().Observers.JWTSecret; secret != "" {
		return secret, nil
	}
	return e.secrets.ObserverSecret()
}

// ApplySettings swaps the settings in effect. Turns already running keep the
// provider they started with; the next turn uses the new one.
func (e *Engine) ApplySettings(next *settings.Settings) {
	if next == nil {
		return
	}
	e.cfgMu.Lock()
	prev := e.cfg
	e.cfg = next
	e.cfgMu.Unlock()
	if prev == nil || prev.Provider != next.Provider {
		e.logger.Info("engine.provider_switched", "provider", next.Provider)
	}
	e.emit(NotifySettingsReloaded, map[string]any{"provider": next.Provider})
}

// Run starts the background work: the stale-lock sweeper (which sweeps
// once immediately) and the settings watcher. It blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	cfg := e.Settings()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.locks.RunSweeper(ctx, cfg.Locks.SweepInterval.Duration, cfg.Locks.MaxAge.Duration)
	}()
	go func() {
		defer wg.Done()
		if err := e.settings.Watch(ctx, e.logger.With("component", "settings"), e.ApplySettings); err != nil {
			e.logger.Warn("settings.watch_failed", "error", err)
		}
	}()
	wg.Wait()
}

func (e *Engine) Close() error {
	if e.ownsDB && e.db != nil {
		return e.db.Close()
	}
	return nil
}

func (e *Engine) emit(method string, params any) {
	if e.notify != nil {
		e.notify(method, params)
	}
	if e.observers != nil {
		e.observers.Publish(method, params)
	}
}

// onLockEvent runs under the lock manager's per-document mutex and must not
// call back into it.
func (e *Engine) onLockEvent(event locks.Event) {
	e.emit(NotifyLockStateChanged, event)
	if event.Reason == locks.ReasonExpired {
		e.review.Reset(event.DocumentID)
	}
}

// Register exposes every engine method on the RPC server.
func (e *Engine) Register(server *rpc.Server) {
	methods := map[string]rpc.InfoHandler{
		"EngineGetInfo": e.EngineGetInfo,

		"ProvidersGetStatus":      e.ProvidersGetStatus,
		"ProvidersSetApiKey":      e.ProvidersSetApiKey,
		"ProvidersClearApiKey":    e.ProvidersClearApiKey,
		"ProvidersSetActive":      e.ProvidersSetActive,
		"ProvidersTestConnection": e.ProvidersTestConnection,

		"LocksAcquire":            e.LocksAcquire,
		"LocksRelease":            e.LocksRelease,
		"LocksCheck":              e.LocksCheck,
		"LocksGetOriginalContent": e.LocksGetOriginalContent,
		"LocksForceReleaseAll":    e.LocksForceReleaseAll,

		"ChatSendMessage": e.ChatSendMessage,
		"ChatCancel":      e.ChatCancel,
		"ChatGetState":    e.ChatGetState,

		"ReviewGetState":    e.ReviewGetState,
		"ReviewGetDiff":     e.ReviewGetDiff,
		"ReviewAccept":      e.ReviewAccept,
		"ReviewRevert":      e.ReviewRevert,
		"ReviewForceUnlock": e.ReviewForceUnlock,

		"DocumentsRead":  e.DocumentsRead,
		"DocumentsWrite": e.DocumentsWrite,
	}
	for method, handler := range methods {
		server.RegisterInfo(method, handler)
	}
}

func (e *Engine) EngineGetInfo(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	return map[string]any{
		"engine_version": EngineVersion,
		"api_version":    APIVersion,
		"provider":       e.Settings().Provider,
		"store_driver":   e.db.Driver(),
	}, nil
}

// decodeParams unmarshals params, treating absent params as an empty object.
func decodeParams(params json.RawMessage, phase string, v any) *errinfo.ErrorInfo {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return errinfo.ValidationFailed(phase, "invalid params")
	}
	return nil
}

func storageError(phase string, err error) *errinfo.ErrorInfo {
	if errors.Is(err, store.ErrNotFound) {
		return errinfo.NotFound(phase, err.Error())
	}
	return errinfo.StorageFailed(phase, err.Error())
}
