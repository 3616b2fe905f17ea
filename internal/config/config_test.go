package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/standup-recorder/internal/failure"
)

var azureEnv = []string{
	"AZURE_SPEECH_KEY",
	"AZURE_SPEECH_REGION",
	"AZURE_OPENAI_ENDPOINT",
	"AZURE_OPENAI_KEY",
	"AZURE_OPENAI_DEPLOYMENT",
	"AZURE_OPENAI_API_VERSION",
}

// clearAzureEnv blanks vendor variables the host may export; empty values are ignored by Load.
func clearAzureEnv(t *testing.T) {
	t.Helper()
	for _, key := range azureEnv {
		t.Setenv(key, "")
	}
}

func useMockBackends(t *testing.T) {
	t.Helper()
	clearAzureEnv(t)
	t.Setenv("STANDUP_SPEECH_MODE", "mock")
	t.Setenv("STANDUP_ANALYSIS_MODE", "mock")
}

func setAzureCredentials(t *testing.T) {
	t.Helper()
	t.Setenv("AZURE_SPEECH_KEY", "speech-key")
	t.Setenv("AZURE_SPEECH_REGION", "westeurope")
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://example.openai.azure.com")
	t.Setenv("AZURE_OPENAI_KEY", "key")
	t.Setenv("AZURE_OPENAI_DEPLOYMENT", "gpt-4o")
}

func TestLoadDefaults(t *testing.T) {
	clearAzureEnv(t)
	setAzureCredentials(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Speech.Mode != "azure" || cfg.Analysis.Mode != "azure" {
		t.Fatalf("expected azure backends by default, got speech=%q analysis=%q", cfg.Speech.Mode, cfg.Analysis.Mode)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Recorder.CapSeconds != 120 {
		t.Fatalf("expected 120 second cap, got %d", cfg.Recorder.CapSeconds)
	}
	if cfg.Analysis.APIVersion != DefaultAzureAPIVersion {
		t.Fatalf("expected default api version, got %q", cfg.Analysis.APIVersion)
	}
}

func TestDefaultsRequireAzureCredentials(t *testing.T) {
	clearAzureEnv(t)
	_, err := Load("")
	if !errors.Is(err, failure.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if !strings.Contains(err.Error(), "AZURE_SPEECH_KEY") {
		t.Fatalf("expected missing variable to be named, got %v", err)
	}
}

func TestMockIsExplicitOptIn(t *testing.T) {
	useMockBackends(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Speech.Mode != "mock" || cfg.Analysis.Mode != "mock" {
		t.Fatalf("expected mock backends, got speech=%q analysis=%q", cfg.Speech.Mode, cfg.Analysis.Mode)
	}
}

func TestEnvOverrides(t *testing.T) {
	useMockBackends(t)
	t.Setenv("STANDUP_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("STANDUP_BUS_USERNAME", "alice")
	t.Setenv("STANDUP_BUS_PASSWORD", "secret")
	t.Setenv("STANDUP_BUS_TLS_INSECURE", "true")
	t.Setenv("STANDUP_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("STANDUP_STORE_PATH", "./tmp.db")
	t.Setenv("STANDUP_STORE_VACUUM_ON_START", "true")
	t.Setenv("STANDUP_RECORDER_CAP_SECONDS", "60")
	t.Setenv("STANDUP_ANALYSIS_TEMPERATURE", "0.5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Store.Path != "./tmp.db" {
		t.Fatalf("expected store path override")
	}
	if !cfg.Store.VacuumOnStart {
		t.Fatalf("expected store vacuum flag override")
	}
	if cfg.Recorder.CapSeconds != 60 {
		t.Fatalf("expected cap override, got %d", cfg.Recorder.CapSeconds)
	}
	if cfg.Analysis.Temperature != 0.5 {
		t.Fatalf("expected temperature override, got %v", cfg.Analysis.Temperature)
	}
}

func TestAzureAnalysisRequiresCredentials(t *testing.T) {
	useMockBackends(t)
	t.Setenv("STANDUP_ANALYSIS_MODE", "azure")
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://example.openai.azure.com")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected missing credentials to fail")
	}
	if !errors.Is(err, failure.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestAzureAliases(t *testing.T) {
	clearAzureEnv(t)
	t.Setenv("STANDUP_ANALYSIS_MODE", "azure")
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://example.openai.azure.com")
	t.Setenv("AZURE_OPENAI_KEY", "key")
	t.Setenv("AZURE_OPENAI_DEPLOYMENT", "gpt-4o")
	t.Setenv("STANDUP_SPEECH_MODE", "azure")
	t.Setenv("AZURE_SPEECH_KEY", "speech-key")
	t.Setenv("AZURE_SPEECH_REGION", "westeurope")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Analysis.Deployment != "gpt-4o" || cfg.Analysis.APIKey != "key" {
		t.Fatalf("expected azure aliases to apply, got %+v", cfg.Analysis)
	}
	if cfg.Speech.Region != "westeurope" || cfg.Speech.Key != "speech-key" {
		t.Fatalf("expected speech aliases to apply, got %+v", cfg.Speech)
	}
}

func TestStandupKeysWinOverAzureAliases(t *testing.T) {
	clearAzureEnv(t)
	setAzureCredentials(t)
	t.Setenv("STANDUP_SPEECH_REGION", "eastus")
	t.Setenv("STANDUP_ANALYSIS_DEPLOYMENT", "standup-gpt")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Speech.Region != "eastus" {
		t.Fatalf("expected STANDUP_SPEECH_REGION to win, got %q", cfg.Speech.Region)
	}
	if cfg.Analysis.Deployment != "standup-gpt" {
		t.Fatalf("expected STANDUP_ANALYSIS_DEPLOYMENT to win, got %q", cfg.Analysis.Deployment)
	}
	if cfg.Speech.Key != "speech-key" {
		t.Fatalf("expected alias to fill unset key, got %q", cfg.Speech.Key)
	}
}

func TestAzureAliasesIgnoredOutsideAzureMode(t *testing.T) {
	useMockBackends(t)
	setAzureCredentials(t)
	t.Setenv("STANDUP_ANALYSIS_MODE", "ollama")
	t.Setenv("STANDUP_ANALYSIS_ENDPOINT", "http://localhost:11434")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Analysis.Endpoint != "http://localhost:11434" {
		t.Fatalf("expected ollama endpoint to survive, got %q", cfg.Analysis.Endpoint)
	}
	if cfg.Analysis.APIKey != "" || cfg.Analysis.Deployment != "" {
		t.Fatalf("expected azure aliases to be ignored, got %+v", cfg.Analysis)
	}
	if cfg.Speech.Key != "" || cfg.Speech.Region != "" {
		t.Fatalf("expected speech aliases to be ignored in mock mode, got %+v", cfg.Speech)
	}
}

func TestOllamaWithoutEndpointIgnoresAzureEndpoint(t *testing.T) {
	useMockBackends(t)
	t.Setenv("STANDUP_ANALYSIS_MODE", "ollama")
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://example.openai.azure.com")

	_, err := Load("")
	if !errors.Is(err, failure.ErrConfiguration) {
		t.Fatalf("expected missing ollama endpoint to fail, got %v", err)
	}
}

func TestCapSecondsCeiling(t *testing.T) {
	useMockBackends(t)
	t.Setenv("STANDUP_RECORDER_CAP_SECONDS", "121")

	_, err := Load("")
	if !errors.Is(err, failure.ErrConfiguration) {
		t.Fatalf("expected cap above %d to be rejected, got %v", MaxCapSeconds, err)
	}

	t.Setenv("STANDUP_RECORDER_CAP_SECONDS", "120")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Recorder.CapSeconds != MaxCapSeconds {
		t.Fatalf("expected cap %d, got %d", MaxCapSeconds, cfg.Recorder.CapSeconds)
	}
}

func TestLoadFile(t *testing.T) {
	clearAzureEnv(t)
	path := filepath.Join(t.TempDir(), "standup.yaml")
	data := []byte("http:\n  port: 9090\nstore:\n  mode: ephemeral\nrecorder:\n  cap_seconds: 30\nspeech:\n  mode: mock\nanalysis:\n  mode: mock\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9090 || cfg.Store.Mode != "ephemeral" || cfg.Recorder.CapSeconds != 30 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Recorder.TickMS != 1000 {
		t.Fatalf("expected defaults to survive partial file, got %d", cfg.Recorder.TickMS)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, failure.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
