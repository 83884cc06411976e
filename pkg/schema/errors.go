// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package schema

import (
	"errors"
	"fmt"
)

// Error kinds of the control plane. Data plane errors are absorbed by the
// adapters and never travel through channels.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrNameExists   = errors.New("name already exists")
	ErrDeleteRefing = errors.New("resource is referenced by a rule")
	ErrStopped      = errors.New("resource is stopped")
	ErrDisconnected = errors.New("resource is disconnected")
)

// ConfigError marks a configuration that failed validation before any
// persistent state was touched.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s", e.Reason)
}

func ConfigInvalid(format string, v ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, v...)}
}

func IsConfigInvalid(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
