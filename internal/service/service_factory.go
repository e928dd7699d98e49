package service

import (
	"sync"

	"go.uber.org/zap"

	"guard-service/internal/engine"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	engine *engine.Engine
	logger *zap.Logger

	once         sync.Once
	guardService *GuardService
}

func NewServiceFactory(e *engine.Engine, logger *zap.Logger) *ServiceFactory {
	return &ServiceFactory{
		engine: e,
		logger: logger,
	}
}

// GuardService returns the guard service instance (singleton)
func (f *ServiceFactory) GuardService() *GuardService {
	f.once.Do(func() {
		f.guardService = NewGuardService(f.engine, f.logger)
	})
	return f.guardService
}
