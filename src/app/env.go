package app

import (
	"fmt"
	"syscall"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/RelDB/src/cfg"
)

// NewLogger builds the process logger: human readable in development,
// JSON in production.
func NewLogger(env cfg.Environment) (*zap.SugaredLogger, error) {
	var (
		log *zap.Logger
		err error
	)
	if env == cfg.EnvProd {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	return log.Sugar(), nil
}

func syncLogger(log *zap.SugaredLogger, err error) error {
	if log == nil {
		return err
	}

	logErr := log.Sync()
	// stderr and terminals can not be synced
	if errors.Is(logErr, syscall.EINVAL) || errors.Is(logErr, syscall.ENOTTY) {
		logErr = nil
	}
	if logErr != nil && err != nil {
		return fmt.Errorf("%w, %w", err, logErr)
	} else if logErr != nil {
		return logErr
	}
	return err
}
