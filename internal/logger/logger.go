package logger

import "go.uber.org/zap"

// New builds the production logger. Components receive it by injection;
// there is no package-level logger.
func New() (*zap.Logger, error) {
	return zap.NewProduction()
}
