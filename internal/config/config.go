// Package config handles configuration loading, validation and hot reload
// for vime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"vime/internal/editor"
	"vime/internal/logging"
)

// Config holds the complete vime configuration.
type Config struct {
	// Trigger is the chord that toggles the editor.
	Trigger TriggerConfig `toml:"trigger" json:"trigger" yaml:"trigger"`

	// Popup sizes and places the editor window.
	Popup PopupConfig `toml:"popup" json:"popup" yaml:"popup"`

	// Editor configures the external editor sessions.
	Editor EditorConfig `toml:"editor" json:"editor" yaml:"editor"`

	// Passthrough configures the forwarder.
	Passthrough PassthroughConfig `toml:"passthrough" json:"passthrough" yaml:"passthrough"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// TriggerConfig is an X11 modifier mask plus keycode.
type TriggerConfig struct {
	// Modifiers must all be held, e.g. 0x8 for Mod1 (Alt).
	Modifiers uint16 `toml:"modifiers" json:"modifiers" yaml:"modifiers"`

	// Keycode is the X keycode of the trigger key, e.g. 62 for Shift_R.
	Keycode uint8 `toml:"keycode" json:"keycode" yaml:"keycode"`
}

// PopupConfig sizes the editor popup.
type PopupConfig struct {
	// Columns and Rows size the terminal inside the popup.
	Columns int `toml:"columns" json:"columns" yaml:"columns"`
	Rows    int `toml:"rows" json:"rows" yaml:"rows"`

	// Width and Height are the popup size in pixels.
	Width  int `toml:"width" json:"width" yaml:"width"`
	Height int `toml:"height" json:"height" yaml:"height"`

	// Gap is the vertical distance kept between the cursor and a popup
	// placed above it.
	Gap int `toml:"gap" json:"gap" yaml:"gap"`
}

// EditorConfig configures how editing sessions are launched.
type EditorConfig struct {
	// Terminal is the argv prefix that embeds a terminal into the popup.
	// Placeholders: {window}, {file}, {rows}, {cols}.
	Terminal []string `toml:"terminal" json:"terminal" yaml:"terminal"`

	// Command is the editor and its flags, split on whitespace. Empty means
	// $VIME_EDITOR or vim with ~/.config/vime/vimrc.
	Command string `toml:"command" json:"command" yaml:"command"`

	// ScratchPath is the file the editor works on.
	ScratchPath string `toml:"scratch_path" json:"scratch_path" yaml:"scratch_path"`

	// TrimNewline drops one trailing newline from the committed text.
	TrimNewline bool `toml:"trim_newline" json:"trim_newline" yaml:"trim_newline"`

	// KillTimeoutMs bounds how long a terminated editor may linger.
	KillTimeoutMs int `toml:"kill_timeout_ms" json:"kill_timeout_ms" yaml:"kill_timeout_ms"`
}

// PassthroughConfig configures the forwarder.
type PassthroughConfig struct {
	// CompositionEngine names an IBus engine keys are routed through while
	// the editor is inactive. Empty relays keys unchanged.
	CompositionEngine string `toml:"composition_engine" json:"composition_engine" yaml:"composition_engine"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig returns a configuration with the stock chord (Alt+Shift_R),
// an 80x24 popup and vim. The scratch file is committed exactly as written.
func DefaultConfig() *Config {
	return &Config{
		Trigger: TriggerConfig{
			Modifiers: 0x8,
			Keycode:   62,
		},
		Popup: PopupConfig{
			Columns: 80,
			Rows:    24,
			Width:   720,
			Height:  432,
			Gap:     40,
		},
		Editor: EditorConfig{
			Terminal:      append([]string(nil), editor.DefaultTerminal...),
			ScratchPath:   editor.DefaultScratchPath,
			TrimNewline:   false,
			KillTimeoutMs: 2000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   logging.DefaultLogPath(),
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// ApplyEnvOverrides applies the VIME_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("VIME_EDITOR"); v != "" {
		c.Editor.Command = v
	}
	if v := os.Getenv("VIME_SCRATCH_PATH"); v != "" {
		c.Editor.ScratchPath = v
	}
	if v := os.Getenv("VIME_COMPOSITION_ENGINE"); v != "" {
		c.Passthrough.CompositionEngine = v
	}
	if v := os.Getenv("VIME_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VIME_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Editor.Terminal = append([]string(nil), c.Editor.Terminal...)
	return &clone
}

// LoggerConfig converts the logging section for logging.New.
func (c *Config) LoggerConfig() (*logging.Config, error) {
	lc := logging.DefaultConfig()

	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	lc.Level = level

	switch strings.ToLower(c.Logging.Format) {
	case "", "text":
		lc.Format = logging.FormatText
	case "json":
		lc.Format = logging.FormatJSON
	default:
		return nil, fmt.Errorf("unknown log format: %s", c.Logging.Format)
	}

	if c.Logging.Output != "" {
		lc.Output = c.Logging.Output
	}
	if c.Logging.FilePath != "" {
		lc.FilePath = expandPath(c.Logging.FilePath)
	}
	lc.MaxSize = int64(c.Logging.MaxSizeMB)
	lc.MaxBackups = c.Logging.MaxBackups
	lc.Compress = c.Logging.Compress
	return lc, nil
}
