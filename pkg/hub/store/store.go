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

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
)

var (
	errStoreClosed   = errors.New("store closed")
	errUnknownDriver = errors.New("unknown store driver")
)

// New opens the backend selected by cfg.Driver.
func New(ctx context.Context, cfg *models.StoreConfig, log logger.Logger) (Store, error) {
	switch cfg.Driver {
	case models.StoreMemory, "":
		log.Info().Msg("using in-memory store")
		return NewMemoryStore(), nil
	case models.StorePostgres:
		return NewPostgresStore(ctx, cfg, log)
	case models.StoreSQLite:
		return NewSQLiteStore(ctx, cfg.Path, log)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownDriver, cfg.Driver)
	}
}
