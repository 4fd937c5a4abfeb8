package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/faceverify/internal/engine"
	"github.com/example/faceverify/internal/faults"
	"github.com/example/faceverify/internal/logging"
)

// ledgerKinds are the outcomes that count toward a lockout. Camera and
// transport faults never do.
var ledgerKinds = map[faults.Kind]bool{
	faults.KindVerificationFailed: true,
	faults.KindLowConfidence:      true,
	faults.KindFakeFaceDetected:   true,
}

func attemptsKey(userID string) string {
	return fmt.Sprintf("verification:attempts:%s", userID)
}

// checkLockout returns a too_many_attempts error when userID has reached the
// threshold inside the window. A cache failure does not lock anyone out.
func (uc *VerificationUseCase) checkLockout(ctx context.Context, userID string) *faults.VerificationError {
	if uc.settings.LockoutThreshold <= 0 {
		return nil
	}
	value, err := uc.withRedisGet(ctx, "", "cache.get.attempts", attemptsKey(userID))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			uc.logger.Warn("failed to read attempt ledger", zap.String("user_id", userID), zap.Error(err))
		}
		return nil
	}
	count := parseCount(value)
	if count < int64(uc.settings.LockoutThreshold) {
		return nil
	}
	uc.logger.Warn("session refused by attempt ledger",
		zap.String("user_id", userID),
		zap.Int64("failures", count),
		zap.Int("threshold", uc.settings.LockoutThreshold),
	)
	return uc.classifier.New(faults.KindTooManyAttempts,
		fmt.Sprintf("%d failed verifications within %s", count, uc.settings.LockoutWindow), nil)
}

// updateLedger counts failed verifications per user and clears the count on
// success. Enrollment sessions are not counted.
func (uc *VerificationUseCase) updateLedger(ctx context.Context, rep engine.Report) {
	if rep.Mode != engine.ModeVerify || uc.settings.LockoutThreshold <= 0 {
		return
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.update_ledger", rep.SessionID)
	key := attemptsKey(rep.UserID)

	switch {
	case rep.Outcome == engine.OutcomeSuccess:
		if err := uc.withRedisRetry(ctx, rep.SessionID, "cache.del.attempts", func() error {
			return uc.cache.Del(ctx, key)
		}); err != nil {
			opLogger.Warn("failed to clear attempt ledger", zap.Error(err))
		}
	case rep.Outcome == engine.OutcomeError && rep.Err != nil && ledgerKinds[rep.Err.Kind]:
		var count int64
		if err := uc.withRedisRetry(ctx, rep.SessionID, "cache.incr.attempts", func() error {
			n, err := uc.cache.Incr(ctx, key)
			count = n
			return err
		}); err != nil {
			opLogger.Warn("failed to count failed verification", zap.Error(err))
			return
		}
		if count == 1 {
			if err := uc.withRedisRetry(ctx, rep.SessionID, "cache.expire.attempts", func() error {
				return uc.cache.Expire(ctx, key, uc.settings.LockoutWindow)
			}); err != nil {
				opLogger.Warn("failed to set attempt ledger window", zap.Error(err))
			}
		}
		opLogger.Info("failed verification counted", zap.Int64("failures", count))
	}
}
