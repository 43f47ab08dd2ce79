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
	"encoding/json"
	"reflect"
	"strings"
)

// Sanitized marshals cfg to JSON after dropping every field tagged
// `sensitive:"true"`. Used when logging the effective configuration.
func Sanitized(cfg interface{}) ([]byte, error) {
	if cfg == nil {
		return []byte("null"), nil
	}

	return json.Marshal(filterSensitive(reflect.ValueOf(cfg)))
}

func filterSensitive(rv reflect.Value) interface{} {
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}

		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct:
		if _, ok := rv.Interface().(json.Marshaler); ok {
			return rv.Interface()
		}

		rt := rv.Type()
		result := make(map[string]interface{}, rt.NumField())

		for i := 0; i < rt.NumField(); i++ {
			field := rt.Field(i)
			if !field.IsExported() || field.Tag.Get("sensitive") == "true" {
				continue
			}

			name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			if name == "-" {
				continue
			}

			if name == "" {
				name = field.Name
			}

			result[name] = filterSensitive(rv.Field(i))
		}

		return result
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}

		result := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			result[i] = filterSensitive(rv.Index(i))
		}

		return result
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}

		result := make(map[string]interface{}, rv.Len())

		iter := rv.MapRange()
		for iter.Next() {
			if key, ok := iter.Key().Interface().(string); ok {
				result[key] = filterSensitive(iter.Value())
			}
		}

		return result
	case reflect.Invalid:
		return nil
	default:
		return rv.Interface()
	}
}
