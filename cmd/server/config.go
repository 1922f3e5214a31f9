package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/MegaGrindStone/chat-web-ui/internal/grid"
	"github.com/MegaGrindStone/chat-web-ui/internal/handlers"
	"github.com/MegaGrindStone/chat-web-ui/internal/services"
	"github.com/MegaGrindStone/chat-web-ui/internal/session"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error)
	titleGen(logger *slog.Logger) (handlers.TitleGenerator, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider" toml:"provider"`
	Model      string                 `yaml:"model" toml:"model"`
	Parameters services.LLMParameters `yaml:"parameters" toml:"parameters"`
}

type config struct {
	Port            string                    `yaml:"port" toml:"port"`
	LogLevel        string                    `yaml:"logLevel" toml:"logLevel"`
	DBPath          string                    `yaml:"dbPath" toml:"dbPath"`
	SystemPrompt    string                    `yaml:"systemPrompt" toml:"systemPrompt"`
	Placeholder     string                    `yaml:"placeholder" toml:"placeholder"`
	ScrollThreshold int                       `yaml:"scrollThreshold" toml:"scrollThreshold"`
	SubmitRate      float64                   `yaml:"submitRate" toml:"submitRate"`
	SubmitBurst     int                       `yaml:"submitBurst" toml:"submitBurst"`
	CodeStyle       string                    `yaml:"codeStyle" toml:"codeStyle"`
	ErrorMode       string                    `yaml:"errorMode" toml:"errorMode"`
	TokenLimits     tokenLimitsConfig         `yaml:"tokenLimits" toml:"tokenLimits"`
	DataGrids       map[string]dataGridConfig `yaml:"dataGrids" toml:"dataGrids"`
	LLM             llmConfig                 `yaml:"-" toml:"-"`
}

// tokenLimitsConfig bounds the history sent to the model. A zero max disables trimming.
type tokenLimitsConfig struct {
	Max     int `yaml:"max" toml:"max"`
	Reserve int `yaml:"reserve" toml:"reserve"`
}

// dataGridConfig seeds an editable data-grid output served under /outputs/{id}.
type dataGridConfig struct {
	Columns []string `yaml:"columns" toml:"columns"`
	Rows    [][]any  `yaml:"rows" toml:"rows"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host" toml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey" toml:"apiKey"`
	BaseURL       string `yaml:"baseURL" toml:"baseURL"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey" toml:"apiKey"`
	Endpoint      string `yaml:"endpoint" toml:"endpoint"`
	MaxTokens     int    `yaml:"maxTokens" toml:"maxTokens"`
}

const openRouterBaseURL = "https://openrouter.ai/api/v1"

func newLLMConfig(provider string) (llmConfig, error) {
	switch provider {
	case "ollama":
		return &ollamaConfig{}, nil
	case "openai":
		return &openAIConfig{}, nil
	case "openrouter":
		return &openAIConfig{BaseURL: openRouterBaseURL}, nil
	case "anthropic":
		return &anthropicConfig{}, nil
	case "":
		return nil, fmt.Errorf("llm provider is required")
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", provider)
	}
}

// loadConfig reads the config file at path. Files ending in .toml are decoded as TOML, everything else
// as YAML.
func loadConfig(path string) (config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		cfg, err = decodeTOML(data)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return config{}, fmt.Errorf("error decoding config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	for id, dg := range c.DataGrids {
		if err := grid.CheckRows(dg.Columns, dg.Rows); err != nil {
			return fmt.Errorf("invalid data grid %q: %w", id, err)
		}
	}
	if _, err := session.ParseErrorMode(c.ErrorMode); err != nil {
		return err
	}
	if c.TokenLimits.Max > 0 && c.TokenLimits.Reserve >= c.TokenLimits.Max {
		return fmt.Errorf("tokenLimits.reserve must be less than tokenLimits.max")
	}
	return nil
}

func (c *config) applyDefaults() {
	if c.Port == "" {
		c.Port = os.Getenv("PORT")
	}
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	// The alias drops this method, so the plain fields decode without recursing.
	type plainConfig config
	var raw struct {
		plainConfig `yaml:",inline"`
		LLM         map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}
	*c = config(raw.plainConfig)

	llmProvider, _ := raw.LLM["provider"].(string)
	llm, err := newLLMConfig(llmProvider)
	if err != nil {
		return err
	}

	llmRawYAML, err := yaml.Marshal(raw.LLM)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm
	return nil
}

func decodeTOML(data []byte) (config, error) {
	var raw struct {
		config
		LLM toml.Primitive `toml:"llm"`
	}

	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return config{}, err
	}

	var base BaseLLMConfig
	if err := md.PrimitiveDecode(raw.LLM, &base); err != nil {
		return config{}, err
	}
	llm, err := newLLMConfig(base.Provider)
	if err != nil {
		return config{}, err
	}
	if err := md.PrimitiveDecode(raw.LLM, llm); err != nil {
		return config{}, err
	}

	cfg := raw.config
	cfg.LLM = llm
	return cfg, nil
}

func (c config) logLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (o ollamaConfig) newOllama(systemPrompt string) (services.Ollama, error) {
	if o.Model == "" {
		return services.Ollama{}, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://127.0.0.1:11434"
	}
	return services.NewOllama(host, o.Model, systemPrompt, o.Parameters)
}

func (o ollamaConfig) llm(systemPrompt string, _ *slog.Logger) (handlers.LLM, error) {
	return o.newOllama(systemPrompt)
}

func (o ollamaConfig) titleGen(_ *slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOllama("")
}

func (o openAIConfig) newOpenAI(systemPrompt string, logger *slog.Logger) (services.OpenAI, error) {
	if o.Model == "" {
		return services.OpenAI{}, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" && o.BaseURL == openRouterBaseURL {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (o openAIConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	return o.newOpenAI(systemPrompt, logger)
}

func (o openAIConfig) titleGen(logger *slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOpenAI("", logger)
}

func (a anthropicConfig) newAnthropic(systemPrompt string) (services.Anthropic, error) {
	if a.Model == "" {
		return services.Anthropic{}, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return services.Anthropic{}, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Endpoint, a.Model, systemPrompt, a.MaxTokens, a.Parameters), nil
}

func (a anthropicConfig) llm(systemPrompt string, _ *slog.Logger) (handlers.LLM, error) {
	return a.newAnthropic(systemPrompt)
}

func (a anthropicConfig) titleGen(_ *slog.Logger) (handlers.TitleGenerator, error) {
	return a.newAnthropic("")
}
