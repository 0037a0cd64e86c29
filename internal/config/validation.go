package config

import (
	"fmt"
	"strings"

	"vime/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig checks every section of c.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors
	errs = append(errs, validateTrigger(&c.Trigger)...)
	errs = append(errs, validatePopup(&c.Popup)...)
	errs = append(errs, validateEditor(&c.Editor)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// X11 keycodes start at 8.
const minKeycode = 8

func validateTrigger(t *TriggerConfig) ValidationErrors {
	var errs ValidationErrors
	if t.Keycode < minKeycode {
		errs = append(errs, ValidationError{
			Field:   "trigger.keycode",
			Message: fmt.Sprintf("keycode %d is below the X11 minimum of %d", t.Keycode, minKeycode),
		})
	}
	// Bits above Mod5 (1<<12) are button masks or unused.
	if t.Modifiers&^0x1fff != 0 {
		errs = append(errs, ValidationError{
			Field:   "trigger.modifiers",
			Message: fmt.Sprintf("mask %#x has bits outside the modifier range", t.Modifiers),
		})
	}
	return errs
}

func validatePopup(p *PopupConfig) ValidationErrors {
	var errs ValidationErrors
	positive := []struct {
		field string
		value int
	}{
		{"popup.columns", p.Columns},
		{"popup.rows", p.Rows},
		{"popup.width", p.Width},
		{"popup.height", p.Height},
	}
	for _, f := range positive {
		if f.value <= 0 {
			errs = append(errs, ValidationError{Field: f.field, Message: "must be positive"})
		}
	}
	if p.Gap < 0 {
		errs = append(errs, ValidationError{Field: "popup.gap", Message: "cannot be negative"})
	}
	return errs
}

func validateEditor(e *EditorConfig) ValidationErrors {
	var errs ValidationErrors
	if len(e.Terminal) > 0 && strings.TrimSpace(e.Terminal[0]) == "" {
		errs = append(errs, ValidationError{Field: "editor.terminal[0]", Message: "program cannot be empty"})
	}
	if strings.TrimSpace(e.ScratchPath) == "" {
		errs = append(errs, ValidationError{Field: "editor.scratch_path", Message: "path cannot be empty"})
	}
	if e.KillTimeoutMs < 0 {
		errs = append(errs, ValidationError{Field: "editor.kill_timeout_ms", Message: "cannot be negative"})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors
	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{Field: "logging.level", Message: err.Error()})
	}
	switch strings.ToLower(l.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, ValidationError{Field: "logging.format", Message: "must be text or json"})
	}
	switch l.Output {
	case "", "stdout", "stderr", "file", "both":
	default:
		errs = append(errs, ValidationError{Field: "logging.output", Message: "must be stdout, stderr, file or both"})
	}
	if (l.Output == "file" || l.Output == "both") && l.FilePath == "" {
		errs = append(errs, ValidationError{Field: "logging.file_path", Message: "required when logging to a file"})
	}
	if l.MaxSizeMB < 0 || l.MaxBackups < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_size_mb", Message: "rotation limits cannot be negative"})
	}
	return errs
}
