/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/models"
)

var (
	// ErrDstMustBeNonNilPointer indicates that the destination must be a non-nil pointer.
	ErrDstMustBeNonNilPointer = errors.New("dst must be a non-nil pointer")
	// ErrDstMustBePointerToStruct indicates that the destination must be a pointer to a struct.
	ErrDstMustBePointerToStruct = errors.New("dst must be a pointer to a struct")

	errUnsupportedFieldKind = errors.New("unsupported config field kind")
)

// EnvConfigLoader loads configuration from environment variables.
// Nested struct fields map with underscore separation, so
// FLEETMESH_GOVERNOR_CPU_PERCENT maps to config.Governor.CPUPercent.
type EnvConfigLoader struct {
	logger logger.Logger
	prefix string
}

// NewEnvConfigLoader creates a new environment variable config loader.
func NewEnvConfigLoader(log logger.Logger, prefix string) *EnvConfigLoader {
	return &EnvConfigLoader{
		logger: log,
		prefix: prefix,
	}
}

// Load implements ConfigLoader by reading from environment variables.
// A complete JSON document in <prefix>CONFIG_JSON takes priority over
// individual variables.
func (e *EnvConfigLoader) Load(_ context.Context, _ string, dst interface{}) error {
	if jsonConfig := os.Getenv(e.prefix + "CONFIG_JSON"); jsonConfig != "" {
		if err := json.Unmarshal([]byte(jsonConfig), dst); err != nil {
			return fmt.Errorf("failed to unmarshal CONFIG_JSON: %w", err)
		}

		if e.logger != nil {
			e.logger.Info().Msg("Loaded configuration from CONFIG_JSON environment variable")
		}

		return nil
	}

	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return ErrDstMustBeNonNilPointer
	}

	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return ErrDstMustBePointerToStruct
	}

	return e.loadStruct(v, e.prefix)
}

func (e *EnvConfigLoader) loadStruct(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		name := prefix + envName(&fieldType)

		if field.Kind() == reflect.Struct && fieldType.Type != reflect.TypeOf(time.Time{}) {
			if err := e.loadStruct(field, name+"_"); err != nil {
				return err
			}

			continue
		}

		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}

		if err := setField(field, raw); err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
	}

	return nil
}

func envName(field *reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag != "" && tag != "-" {
		tag = strings.Split(tag, ",")[0]
		return strings.ToUpper(tag)
	}

	return strings.ToUpper(field.Name)
}

func setField(field reflect.Value, raw string) error {
	if field.Type() == reflect.TypeOf(models.Duration(0)) {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}

		field.Set(reflect.ValueOf(models.Duration(dur)))

		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}

		field.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}

		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}

		field.SetFloat(f)
	case reflect.Slice:
		return setSliceField(field, raw)
	default:
		return fmt.Errorf("%w: %s", errUnsupportedFieldKind, field.Kind())
	}

	return nil
}

func setSliceField(field reflect.Value, raw string) error {
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	switch field.Type().Elem().Kind() {
	case reflect.String:
		field.Set(reflect.ValueOf(parts))
	case reflect.Int:
		ints := make([]int, 0, len(parts))

		for _, p := range parts {
			n, err := strconv.Atoi(p)
			if err != nil {
				return err
			}

			ints = append(ints, n)
		}

		field.Set(reflect.ValueOf(ints))
	default:
		return fmt.Errorf("%w: []%s", errUnsupportedFieldKind, field.Type().Elem().Kind())
	}

	return nil
}
