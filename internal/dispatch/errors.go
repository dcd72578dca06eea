package dispatch

import (
	"errors"
	"fmt"
)

// ErrHandlerTimeout is wrapped by failures caused by an exceeded deadline.
var ErrHandlerTimeout = errors.New("plugin handler timed out")

// ConfigValidationError reports a config value rejected by a plugin's validator.
type ConfigValidationError struct {
	PluginID string
	Message  string
	Err      error
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid config for plugin %q: %s", e.PluginID, e.Message)
}

func (e *ConfigValidationError) Unwrap() error { return e.Err }

func newConfigValidationError(pluginID string, err error) *ConfigValidationError {
	return &ConfigValidationError{PluginID: pluginID, Message: err.Error(), Err: err}
}
