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

package logger

import (
	"os"
	"strings"
)

// DefaultConfig reads PHONEFLEET_LOG_LEVEL, PHONEFLEET_LOG_FORMAT,
// PHONEFLEET_LOG_OUTPUT and DEBUG. LOG_LEVEL is honored when the prefixed
// variable is unset.
func DefaultConfig() *Config {
	return &Config{
		Level:  firstEnv("info", "PHONEFLEET_LOG_LEVEL", "LOG_LEVEL"),
		Debug:  envBool("DEBUG"),
		Output: firstEnv("stdout", "PHONEFLEET_LOG_OUTPUT"),
		Format: firstEnv(FormatJSON, "PHONEFLEET_LOG_FORMAT"),
	}
}

func firstEnv(def string, keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}

	return def
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
