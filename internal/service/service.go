// Package service implements the server-side chat use cases shared by the
// WebSocket and REST transports.
package service

import (
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/xiaot623/chatsync/internal/config"
	"github.com/xiaot623/chatsync/internal/metrics"
	"github.com/xiaot623/chatsync/internal/policy"
	store "github.com/xiaot623/chatsync/internal/repository"
)

var validate = validator.New()

// Pusher delivers events to the live sessions of a user.
type Pusher interface {
	PushToUser(userID string, v interface{}) (int, error)
	IsOnline(userID string) bool
}

type Service struct {
	store        store.Store
	pusher       Pusher
	config       *config.Server
	policyEngine *policy.Engine
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

func New(store store.Store, pusher Pusher, cfg *config.Server, policyEngine *policy.Engine, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		pusher:       pusher,
		config:       cfg,
		policyEngine: policyEngine,
		metrics:      m,
		logger:       logger,
	}
}
