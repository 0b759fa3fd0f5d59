package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"sync"

	"courier/internal/errors"
	"courier/internal/models"
	"courier/internal/privacy"
	"courier/pkg/transport"
	"courier/pkg/transport/types"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// UploadCoordinator materializes a message's binary parts. Parts upload in
// parallel up to the pool size, scoped to one send-job invocation; each
// completed part's remote reference is persisted immediately so a re-run
// after a crash uploads only what is still missing.
type UploadCoordinator struct {
	transport transport.Client
	store     MessageStore
	limit     int
	logger    *logrus.Logger
}

func NewUploadCoordinator(transportClient transport.Client, store MessageStore, limit int, logger *logrus.Logger) *UploadCoordinator {
	if limit <= 0 {
		limit = 5
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &UploadCoordinator{
		transport: transportClient,
		store:     store,
		limit:     limit,
		logger:    logger,
	}
}

// UploadParts uploads every part of msg that has no durable remote
// reference yet, mutating msg in place as references land. Record writes
// are serialized so the message keeps a single writer at a time.
func (u *UploadCoordinator) UploadParts(ctx context.Context, msg *models.OutgoingMessage) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.limit)

	var mu sync.Mutex

	for i := range msg.Parts {
		if msg.Parts[i].Uploaded() {
			continue
		}
		i := i
		g.Go(func() error {
			part := msg.Parts[i]

			data, err := os.ReadFile(part.LocalPath)
			if err != nil {
				return errors.NewUploadError(fmt.Errorf("failed to read %s part: %w", part.Kind, err), false)
			}

			remoteRef, err := u.transport.Upload(gctx, data, part.ContentType)
			if err != nil {
				classified := classifyTransportError(err)
				if !errors.IsRetryable(classified) && !errors.IsRateLimited(classified) {
					// The server rejected the content itself.
					return errors.NewUploadError(err, false)
				}
				return classified
			}

			mu.Lock()
			defer mu.Unlock()

			msg.Parts[i].RemoteRef = remoteRef
			if err := u.store.UpdateMessage(gctx, msg.ID, func(stored *models.OutgoingMessage) error {
				if i >= len(stored.Parts) {
					return fmt.Errorf("message record lost part %d", i)
				}
				stored.Parts[i].RemoteRef = remoteRef
				return nil
			}); err != nil {
				return fmt.Errorf("failed to persist remote reference: %w", err)
			}

			u.logger.WithFields(logrus.Fields{
				"messageId": privacy.MaskMessageID(msg.ID),
				"partKind":  part.Kind,
			}).Debug("Part uploaded and recorded")

			return nil
		})
	}

	return g.Wait()
}

// classifyTransportError maps transport failures onto the pipeline's error
// taxonomy. Rate limits keep their server hint and continuation token so
// the challenge coordinator can act on them.
func classifyTransportError(err error) error {
	if rle, ok := types.AsRateLimit(err); ok {
		appErr := errors.NewRateLimitError(rle.RetryAfter, rle.Token)
		appErr.Cause = rle
		return appErr
	}

	var apiErr *types.APIError
	if ok := asAPIError(err, &apiErr); ok {
		appErr := errors.Wrap(err, errors.ErrCodeTransportAPI, "transport call failed").
			WithContext("status_code", apiErr.StatusCode)
		appErr.Retryable = apiErr.Retryable()
		return appErr
	}

	// Plain network errors (connection refused, timeouts) are retryable.
	return errors.WrapRetryable(err, errors.ErrCodeTransportAPI, "network error")
}

func asAPIError(err error, target **types.APIError) bool {
	return stderrors.As(err, target)
}
