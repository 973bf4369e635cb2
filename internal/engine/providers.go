package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"orcascore/engine/internal/anthropic"
	"orcascore/engine/internal/envutil"
	"orcascore/engine/internal/errinfo"
	"orcascore/engine/internal/llm"
	"orcascore/engine/internal/logging"
	"orcascore/engine/internal/openai"
	"orcascore/engine/internal/secrets"
	"orcascore/engine/internal/settings"
)

const connectionTestTimeout = 30 * time.Second

// ProviderFactory builds the client for a provider from its settings and
// resolved API key.
type ProviderFactory func(providerID string, cfg settings.ProviderSettings, apiKey string) (llm.Provider, error)

func defaultProviderFactory(providerID string, cfg settings.ProviderSettings, apiKey string) (llm.Provider, error) {
	if envutil.Bool("ORCASCORE_FAKE_PROVIDER") {
		return newFakeProvider(), nil
	}
	switch providerID {
	case settings.ProviderAnthropic:
		return anthropic.NewClient(apiKey)
	case settings.ProviderLiteLLM:
		return anthropic.NewGatewayClient(cfg.BaseURL, apiKey)
	case settings.ProviderOpenAI:
		return openai.NewClient(apiKey)
	}
	return nil, fmt.Errorf("unsupported provider %q", providerID)
}

type providerInfo struct {
	id       string
	name     string
	envKey   string
	needsURL bool
}

var providerList = []providerInfo{
	{settings.ProviderAnthropic, "Anthropic", "ANTHROPIC_API_KEY", false},
	{settings.ProviderLiteLLM, "LiteLLM Gateway", "LITELLM_API_KEY", true},
	{settings.ProviderOpenAI, "OpenAI", "OPENAI_API_KEY", false},
}

func lookupProvider(providerID string) (providerInfo, bool) {
	for _, p := range providerList {
		if p.id == providerID {
			return p, true
		}
	}
	return providerInfo{}, false
}

func withProviderID(info *errinfo.ErrorInfo, providerID string) *errinfo.ErrorInfo {
	if info == nil {
		return nil
	}
	copied := *info
	copied.ProviderID = providerID
	return &copied
}

// providerKey prefers the stored key and falls back to the environment.
func (e *Engine) providerKey(providerID string) (string, *errinfo.ErrorInfo) {
	info, ok := lookupProvider(providerID)
	if !ok {
		return "", withProviderID(errinfo.ValidationFailed(errinfo.PhaseSettings, "unsupported provider"), providerID)
	}
	key, err := e.secrets.GetProviderKey(providerID)
	if err != nil {
		return "", withProviderID(errinfo.StorageFailed(errinfo.PhaseSettings, err.Error()), providerID)
	}
	if strings.TrimSpace(key) != "" {
		return key, nil
	}
	if env, ok := envutil.String(info.envKey); ok {
		return env, nil
	}
	return "", nil
}

// providerFor builds the client for providerID under the current settings.
func (e *Engine) providerFor(providerID string) (llm.Provider, *errinfo.ErrorInfo) {
	key, errInfo := e.providerKey(providerID)
	if errInfo != nil {
		return nil, errInfo
	}
	if strings.TrimSpace(key) == "" && !envutil.Bool("ORCASCORE_FAKE_PROVIDER") {
		e.logger.Warn("providers.ready_failed", "provider_id", providerID, "reason", "credential_empty")
		return nil, withProviderID(errinfo.ProviderNotConfigured(errinfo.PhaseSettings), providerID)
	}
	cfg := e.Settings().Providers[providerID]
	provider, err := e.newProvider(providerID, cfg, key)
	if err != nil {
		if errors.Is(err, llm.ErrNotConfigured) {
			return nil, withProviderID(errinfo.ProviderNotConfigured(errinfo.PhaseSettings), providerID)
		}
		return nil, withProviderID(errinfo.ValidationFailed(errinfo.PhaseSettings, err.Error()), providerID)
	}
	e.logger.Debug("providers.ready", "provider_id", providerID)
	return provider, nil
}

func (e *Engine) ProvidersGetStatus(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	cfg := e.Settings()
	status := []map[string]any{}
	for _, provider := range providerList {
		key, errInfo := e.providerKey(provider.id)
		if errInfo != nil {
			return nil, errInfo
		}
		entry := cfg.Providers[provider.id]
		item := map[string]any{
			"provider_id":   provider.id,
			"display_name":  provider.name,
			"active":        cfg.Provider == provider.id,
			"configured":    strings.TrimSpace(key) != "",
			"default_model": entry.DefaultModel,
			"model_name":    llm.FriendlyModelName(entry.DefaultModel),
		}
		if provider.needsURL {
			item["base_url"] = entry.BaseURL
		}
		status = append(status, item)
	}
	return map[string]any{"providers": status}, nil
}

func (e *Engine) ProvidersSetApiKey(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		ProviderID string `json:"provider_id"`
		APIKey     string `json:"api_key"`
	}
	if errInfo := decodeParams(params, errinfo.PhaseSettings, &req); errInfo != nil {
		return nil, errInfo
	}
	e.logger.Debug("providers.set_api_key", "provider_id", req.ProviderID, "api_key", logging.RedactValue(req.APIKey))
	if err := e.secrets.SetProviderKey(req.ProviderID, strings.TrimSpace(req.APIKey)); err != nil {
		if errors.Is(err, secrets.ErrUnsupportedProvider) {
			return nil, withProviderID(errinfo.ValidationFailed(errinfo.PhaseSettings, "unsupported provider"), req.ProviderID)
		}
		return nil, withProviderID(errinfo.StorageFailed(errinfo.PhaseSettings, err.Error()), req.ProviderID)
	}
	return map[string]any{}, nil
}

func (e *Engine) ProvidersClearApiKey(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		ProviderID string `json:"provider_id"`
	}
	if errInfo := decodeParams(params, errinfo.PhaseSettings, &req); errInfo != nil {
		return nil, errInfo
	}
	if err := e.secrets.ClearProviderKey(req.ProviderID); err != nil {
		if errors.Is(err, secrets.ErrUnsupportedProvider) {
			return nil, withProviderID(errinfo.ValidationFailed(errinfo.PhaseSettings, "unsupported provider"), req.ProviderID)
		}
		return nil, withProviderID(errinfo.StorageFailed(errinfo.PhaseSettings, err.Error()), req.ProviderID)
	}
	return map[string]any{}, nil
}

// ProvidersSetActive persists the provider selection and, optionally, its
// default model and gateway URL.
func (e *Engine) ProvidersSetActive(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		ProviderID   string  `json:"provider_id"`
		DefaultModel *string `json:"default_model"`
		BaseURL      *string `json:"base_url"`
	}
	if errInfo := decodeParams(params, errinfo.PhaseSettings, &req); errInfo != nil {
		return nil, errInfo
	}
	if _, ok := lookupProvider(req.ProviderID); !ok {
		return nil, withProviderID(errinfo.ValidationFailed(errinfo.PhaseSettings, "unsupported provider"), req.ProviderID)
	}
	e.logger.Info("providers.set_active", "provider_id", req.ProviderID)
	next, err := e.settings.Update(func(s *settings.Settings) {
		s.Provider = req.ProviderID
		entry := s.Providers[req.ProviderID]
		if req.DefaultModel != nil {
			entry.DefaultModel = strings.TrimSpace(*req.DefaultModel)
		}
		if req.BaseURL != nil {
			entry.BaseURL = strings.TrimSpace(*req.BaseURL)
		}
		s.Providers[req.ProviderID] = entry
	})
	if err != nil {
		return nil, withProviderID(errinfo.ValidationFailed(errinfo.PhaseSettings, err.Error()), req.ProviderID)
	}
	e.ApplySettings(next)
	return map[string]any{"provider": next.Provider}, nil
}

// ProvidersTestConnection sends a minimal request and reports the outcome
// as {ok, message} rather than an RPC error.
func (e *Engine) ProvidersTestConnection(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		ProviderID string `json:"provider_id"`
		Model      string `json:"model"`
	}
	if errInfo := decodeParams(params, errinfo.PhaseSettings, &req); errInfo != nil {
		return nil, errInfo
	}
	cfg := e.Settings()
	if req.ProviderID == "" {
		req.ProviderID = cfg.Provider
	}
	if _, ok := lookupProvider(req.ProviderID); !ok {
		return nil, withProviderID(errinfo.ValidationFailed(errinfo.PhaseSettings, "unsupported provider"), req.ProviderID)
	}
	if req.Model == "" {
		req.Model = cfg.Providers[req.ProviderID].DefaultModel
	}
	provider, errInfo := e.providerFor(req.ProviderID)
	if errInfo != nil {
		if errInfo.ErrorCode == errinfo.CodeProviderNotConfigured {
			return map[string]any{"ok": false, "message": errinfo.ConnectionMessage(llm.ErrNotConfigured)}, nil
		}
		return nil, errInfo
	}
	tester, ok := provider.(llm.ConnectionTester)
	if !ok {
		return map[string]any{"ok": true, "message": "Connection test not supported; provider configured."}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, connectionTestTimeout)
	defer cancel()
	if err := tester.TestConnection(ctx, req.Model); err != nil {
		e.logger.Warn("providers.test_connection_failed", "provider_id", req.ProviderID, "model", req.Model, "error", err)
		return map[string]any{
			"ok":       false,
			"message":  errinfo.ConnectionMessage(err),
			"category": string(llm.Classify(err)),
		}, nil
	}
	e.logger.Info("providers.test_connection_ok", "provider_id", req.ProviderID, "model", req.Model)
	return map[string]any{"ok": true, "message": "Connection successful."}, nil
}
