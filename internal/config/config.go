package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Audio       AudioConfig       `yaml:"audio"`
	Endpointing EndpointingConfig `yaml:"endpointing"`
	Session     SessionConfig     `yaml:"session"`
	Engine      EngineConfig      `yaml:"engine"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains WebSocket/HTTP server configuration
type ServerConfig struct {
	Port            int    `yaml:"port"`
	BindAddress     string `yaml:"bind_address"`
	MaxSessions     int    `yaml:"max_sessions"`
	IdleGracePeriod int    `yaml:"idle_grace_period"` // seconds without any client message
	ReadLimit       int64  `yaml:"read_limit"`        // max inbound message size in bytes
}

// AudioConfig contains the normalized audio format parameters
type AudioConfig struct {
	SampleRate        int     `yaml:"sample_rate"`
	Channels          int     `yaml:"channels"`
	BitDepth          int     `yaml:"bit_depth"`
	BufferMaxDuration float64 `yaml:"buffer_max_duration"` // seconds
}

// EndpointingConfig contains utterance boundary detection parameters
type EndpointingConfig struct {
	EnergyThreshold  float64 `yaml:"energy_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"` // seconds
	UseVAD           bool    `yaml:"use_vad"`           // default for new sessions
}

// SessionConfig contains per-session defaults and limits
type SessionConfig struct {
	DefaultLanguage      string  `yaml:"default_language"`
	DefaultChunkDuration float64 `yaml:"default_chunk_duration"` // seconds
	MaxChunkDuration     float64 `yaml:"max_chunk_duration"`     // seconds
	RetainContext        bool    `yaml:"retain_context"`
	MaxInferenceFailures int     `yaml:"max_inference_failures"`
}

// EngineConfig contains the inference engine endpoint configuration
type EngineConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	Model         string `yaml:"model"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Endpointing.Validate(); err != nil {
		return fmt.Errorf("endpointing config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	if s.IdleGracePeriod < 1 {
		return fmt.Errorf("idle_grace_period must be at least 1 second, got %d", s.IdleGracePeriod)
	}

	if s.ReadLimit < 1024 {
		return fmt.Errorf("read_limit must be at least 1024 bytes, got %d", s.ReadLimit)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.BufferMaxDuration <= 0 {
		return fmt.Errorf("buffer_max_duration must be positive, got %f", a.BufferMaxDuration)
	}

	return nil
}

// Validate validates endpointing configuration
func (e *EndpointingConfig) Validate() error {
	if e.EnergyThreshold <= 0 || e.EnergyThreshold >= 1 {
		return fmt.Errorf("energy_threshold must be between 0 and 1 (exclusive), got %f", e.EnergyThreshold)
	}

	if e.SilenceThreshold <= 0 || e.SilenceThreshold > 10 {
		return fmt.Errorf("silence_threshold must be between 0 and 10 seconds, got %f", e.SilenceThreshold)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.DefaultLanguage == "" {
		return fmt.Errorf("default_language cannot be empty")
	}

	if s.DefaultChunkDuration <= 0 {
		return fmt.Errorf("default_chunk_duration must be positive, got %f", s.DefaultChunkDuration)
	}

	if s.MaxChunkDuration <= s.DefaultChunkDuration {
		return fmt.Errorf("max_chunk_duration (%f) must be greater than default_chunk_duration (%f)",
			s.MaxChunkDuration, s.DefaultChunkDuration)
	}

	if s.MaxInferenceFailures < 1 {
		return fmt.Errorf("max_inference_failures must be at least 1, got %d", s.MaxInferenceFailures)
	}

	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	if e.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if e.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", e.Timeout)
	}

	if e.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", e.MaxRetries)
	}

	if e.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", e.MaxConcurrent)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetIdleGracePeriod returns the idle grace period as a time.Duration
func (s *ServerConfig) GetIdleGracePeriod() time.Duration {
	return time.Duration(s.IdleGracePeriod) * time.Second
}

// GetBufferMaxDuration returns the audio buffer cap as a time.Duration
func (a *AudioConfig) GetBufferMaxDuration() time.Duration {
	return time.Duration(a.BufferMaxDuration * float64(time.Second))
}

// GetSilenceThreshold returns the endpointing silence threshold as a time.Duration
func (e *EndpointingConfig) GetSilenceThreshold() time.Duration {
	return time.Duration(e.SilenceThreshold * float64(time.Second))
}

// GetDefaultChunkDuration returns the default chunk duration as a time.Duration
func (s *SessionConfig) GetDefaultChunkDuration() time.Duration {
	return time.Duration(s.DefaultChunkDuration * float64(time.Second))
}

// GetMaxChunkDuration returns the maximum chunk duration as a time.Duration
func (s *SessionConfig) GetMaxChunkDuration() time.Duration {
	return time.Duration(s.MaxChunkDuration * float64(time.Second))
}

// GetTimeoutDuration returns the engine request timeout as a time.Duration
func (e *EngineConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}
