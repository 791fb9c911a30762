package app

import (
	"errors"

	"market-sampler/internal/storage"
)

// MigrateUp applies pending schema migrations and returns the resulting version.
func (a *App) MigrateUp() (uint, error) {
	if a.Config.Database.DSN == "" {
		return 0, errors.New("database.dsn is required for migrations")
	}
	version, err := storage.MigrateUp(a.Config.Database.DSN)
	if err != nil {
		return 0, err
	}
	a.Logger.Info().Uint("version", version).Msg("schema migrated up")
	return version, nil
}

// MigrateDown rolls back steps migrations.
func (a *App) MigrateDown(steps int) (uint, error) {
	if a.Config.Database.DSN == "" {
		return 0, errors.New("database.dsn is required for migrations")
	}
	version, err := storage.MigrateDown(a.Config.Database.DSN, steps)
	if err != nil {
		return 0, err
	}
	a.Logger.Info().Uint("version", version).Int("steps", steps).Msg("schema migrated down")
	return version, nil
}
