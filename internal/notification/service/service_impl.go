package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/veriline/veriline/internal/clock"
	notificationdomain "github.com/veriline/veriline/internal/notification/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) notificationdomain.Notifier {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("notification.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// Notify persists the notification row. Failures are logged and dropped; the
// caller's outcome never depends on delivery.
func (s *Service) Notify(ctx context.Context, userID snowflake.ID, kind notificationdomain.NotificationType, title, message string, meta datatypes.JSONMap) {
	// Detach from the caller's deadline so a cancelled poll task can still
	// deliver its terminal notification.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	err := s.db.WithContext(writeCtx).Exec(
		`INSERT INTO notifications (id, user_id, type, title, message, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(),
		userID,
		kind,
		title,
		message,
		meta,
		s.clock.Now(),
	).Error
	if err != nil {
		s.log.Warn("notification write failed",
			zap.String("user_id", userID.String()),
			zap.String("type", string(kind)),
			zap.Error(err),
		)
		return
	}
	s.log.Info("notification delivered",
		zap.String("user_id", userID.String()),
		zap.String("type", string(kind)),
		zap.String("title", title),
	)
}
