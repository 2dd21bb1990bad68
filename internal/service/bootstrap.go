package service

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rongwang/fieldops-server/internal/config"
	"github.com/rongwang/fieldops-server/internal/repository"
)

// Bootstrap builds the repository, locker and service selected by cfg. The
// returned close func releases the database and Redis connections.
func Bootstrap(cfg *config.Config, logger *logrus.Logger) (*DefaultService, repository.Repository, func() error, error) {
	var (
		repo    repository.Repository
		closers []func() error
	)

	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("using in-memory repository; data is lost on exit")
		repo = repository.NewMemoryRepository()
	case "postgres", "":
		db, err := config.SetupDatabase(cfg, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, db.Close)
		repo = repository.NewPostgresRepository(db)
	default:
		return nil, nil, nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.Database.Driver)
	}

	locker, closeLocker, err := config.SetupLocker(cfg, logger)
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, nil, nil, err
	}
	closers = append(closers, closeLocker)

	svc := NewDefaultService(repo, cfg, WithLocker(locker), WithLogger(logger))
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	return svc, repo, closeAll, nil
}
