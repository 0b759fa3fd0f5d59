package service

import (
	"context"
	"fmt"
	"time"

	"courier/internal/errors"
	"courier/internal/models"
	"courier/internal/privacy"
	"courier/internal/tracing"
	"courier/pkg/transport"
	"courier/pkg/transport/types"

	"github.com/sirupsen/logrus"
)

// MessageStore is the persisted-message slice of the durable store.
type MessageStore interface {
	GetMessage(ctx context.Context, id string) (*models.OutgoingMessage, error)
	SaveMessage(ctx context.Context, msg *models.OutgoingMessage) error
	UpdateMessage(ctx context.Context, id string, patch func(*models.OutgoingMessage) error) error
}

// Directory resolves a conversation's send topology and current membership.
type Directory interface {
	GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error)
	Membership(ctx context.Context, conversationID string) ([]models.Recipient, error)
}

// Sender is the send job handler: payload assembly, recipient fan-out, and
// per-recipient reconciliation for every job kind on a conversation queue.
// Rate-limit failures propagate to the queue engine, which gates the
// conversation and forwards the block to the challenge coordinator.
type Sender struct {
	logger    *logrus.Logger
	store     MessageStore
	directory Directory
	transport transport.Client
	uploader  *UploadCoordinator
	events    *Bus
}

func NewSender(store MessageStore, directory Directory, transportClient transport.Client, uploader *UploadCoordinator, events *Bus, logger *logrus.Logger) *Sender {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sender{
		logger:    logger,
		store:     store,
		directory: directory,
		transport: transportClient,
		uploader:  uploader,
		events:    events,
	}
}

// Handle is the queue handler entry point.
func (s *Sender) Handle(ctx context.Context, job models.Job, shouldContinue func() bool) error {
	env, err := models.DecodeEnvelope(job.Payload)
	if err != nil {
		return err
	}

	ctx, span := tracing.StartSpan(ctx, "sender.handle",
		tracing.String("job.kind", string(env.Kind)),
		tracing.Int("job.attempts", job.Attempts))
	defer span.End()

	switch env.Kind {
	case models.PayloadMessageSend:
		return s.handleMessageSend(ctx, env, shouldContinue)
	case models.PayloadProfileKeyPush:
		return s.handleProfileKeyPush(ctx, env)
	case models.PayloadTimerUpdate:
		return s.handleTimerUpdate(ctx, env)
	case models.PayloadReceiptBatch:
		return s.handleReceiptBatch(ctx, env)
	default:
		return errors.NewInvalidPayloadError(fmt.Sprintf("no handler for payload kind %q", env.Kind))
	}
}

func (s *Sender) handleMessageSend(ctx context.Context, env models.Envelope, shouldContinue func() bool) error {
	var payload models.MessageSendPayload
	if err := env.DecodeData(&payload); err != nil {
		return err
	}

	log := s.logger.WithFields(logrus.Fields{
		"conversation": privacy.MaskConversationID(payload.ConversationID),
		"messageId":    privacy.MaskMessageID(payload.MessageID),
	})

	// Preflight
	msg, err := s.store.GetMessage(ctx, payload.MessageID)
	if err != nil {
		return errors.NewDatabaseError("load message", err)
	}
	if msg == nil || msg.Deleted {
		log.Info("Message no longer exists, nothing to send")
		return nil
	}
	if !shouldContinue() {
		return errors.New(errors.ErrCodeRanOutOfTime, "time budget exhausted before send could start")
	}

	// Recipient resolution
	targets, err := s.resolveRecipients(ctx, payload.ConversationID, msg)
	if err != nil {
		return err
	}

	// Upload
	if err := s.uploader.UploadParts(ctx, msg); err != nil {
		return err
	}
	if !shouldContinue() {
		return errors.New(errors.ErrCodeRanOutOfTime, "time budget exhausted after upload")
	}

	// Fan-out
	if err := s.fanOut(ctx, payload.ConversationID, msg, targets); err != nil {
		return err
	}

	// Reconciliation
	return s.reconcile(ctx, payload.ConversationID, payload.MessageID, log)
}

// resolveRecipients intersects current membership with recipients that
// still need a send. Unregistered and blocked recipients are excluded from
// the attempt and recorded as failed; untrusted identities short-circuit
// the job so the UI can raise a safety prompt instead of silently dropping
// anyone.
func (s *Sender) resolveRecipients(ctx context.Context, conversationID string, msg *models.OutgoingMessage) ([]models.Recipient, error) {
	members, err := s.directory.Membership(ctx, conversationID)
	if err != nil {
		return nil, errors.WrapRetryable(err, errors.ErrCodeInternalError, "failed to resolve membership")
	}

	var untrusted []string
	var targets []models.Recipient
	now := time.Now().UTC()

	for _, member := range members {
		if member.Self {
			continue
		}
		if state, ok := msg.SendState[member.ID]; ok && state.Status == models.SendStatusSent {
			continue
		}
		if member.Untrusted {
			untrusted = append(untrusted, member.ID)
			continue
		}
		if member.Unregistered || member.Blocked {
			code := errors.ErrCodeRecipientBlocked
			if member.Unregistered {
				code = errors.ErrCodeRecipientUnregistered
			}
			if err := s.markRecipient(ctx, conversationID, msg, member.ID, models.SendStatusFailed, now); err != nil {
				return nil, err
			}
			s.logger.WithFields(logrus.Fields{
				"recipient": privacy.MaskRecipient(member.ID),
				"reason":    code,
			}).Info("Recipient excluded from send attempt")
			continue
		}
		targets = append(targets, member)
	}

	if len(untrusted) > 0 {
		appErr := errors.New(errors.ErrCodeRecipientUntrusted, "send blocked by untrusted identities").
			WithContext("untrusted_count", len(untrusted)).
			WithUserMessage("Verify safety numbers to continue sending")
		return nil, appErr
	}

	// Make sure every target is tracked before the network attempt.
	for _, target := range targets {
		if _, ok := msg.SendState[target.ID]; !ok {
			msg.MarkRecipient(target.ID, models.SendStatusPending, now)
		}
	}

	return targets, nil
}

func (s *Sender) fanOut(ctx context.Context, conversationID string, msg *models.OutgoingMessage, targets []models.Recipient) error {
	ctx, span := tracing.StartSpan(ctx, "sender.fanout",
		tracing.Int("recipients", len(targets)))
	defer span.End()

	// Solo conversation or an all-unreachable group: local echo only.
	if len(targets) == 0 {
		s.logger.WithField("messageId", privacy.MaskMessageID(msg.ID)).
			Debug("No network recipients, recording local echo")
		return s.store.UpdateMessage(ctx, msg.ID, func(stored *models.OutgoingMessage) error {
			return nil
		})
	}

	conv, err := s.directory.GetConversation(ctx, conversationID)
	if err != nil {
		return errors.WrapRetryable(err, errors.ErrCodeInternalError, "failed to resolve conversation")
	}

	now := time.Now().UTC()

	if conv.IsGroup() {
		return s.sendGroup(ctx, conv, msg, targets, now)
	}
	return s.sendDirect(ctx, conversationID, msg, targets, now)
}

func (s *Sender) sendDirect(ctx context.Context, conversationID string, msg *models.OutgoingMessage, targets []models.Recipient, now time.Time) error {
	for _, target := range targets {
		result, err := s.transport.SendToRecipient(ctx, types.RecipientSendRequest{
			Recipient:   target.ID,
			Kind:        types.SendKindMessage,
			Timestamp:   msg.Timestamp,
			Body:        msg.Body,
			Attachments: remoteRefs(msg.Parts),
		})
		if err != nil {
			return classifyTransportError(err)
		}
		_ = result

		if err := s.markRecipient(ctx, conversationID, msg, target.ID, models.SendStatusSent, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) sendGroup(ctx context.Context, conv *models.Conversation, msg *models.OutgoingMessage, targets []models.Recipient, now time.Time) error {
	recipients := make([]string, 0, len(targets))
	for _, target := range targets {
		recipients = append(recipients, target.ID)
	}

	result, err := s.transport.SendToGroup(ctx, types.GroupSendRequest{
		GroupID:     conv.GroupID,
		Revision:    conv.Revision,
		Recipients:  recipients,
		Kind:        types.SendKindMessage,
		Timestamp:   msg.Timestamp,
		Body:        msg.Body,
		Attachments: remoteRefs(msg.Parts),
	})
	if err != nil {
		return classifyTransportError(err)
	}

	failed := make(map[string]bool, len(result.Failed)+len(result.Unregistered))
	for _, id := range result.Failed {
		failed[id] = true
	}
	for _, id := range result.Unregistered {
		failed[id] = true
	}

	for _, target := range targets {
		status := models.SendStatusSent
		if failed[target.ID] {
			status = models.SendStatusFailed
		}
		if err := s.markRecipient(ctx, conv.ID, msg, target.ID, status, now); err != nil {
			return err
		}
	}

	return nil
}

// reconcile reloads the persisted record and decides the job outcome:
// success iff every tracked recipient reached sent, otherwise a retryable
// partial-failure error so remaining recipients get another attempt.
func (s *Sender) reconcile(ctx context.Context, conversationID, messageID string, log *logrus.Entry) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return errors.NewDatabaseError("reload message", err)
	}
	if msg == nil {
		return nil
	}

	if msg.FullySent() || len(msg.SendState) == 0 {
		log.Info("Message fully sent")
		s.events.Publish(Event{
			Type:           EventMessageSent,
			ConversationID: conversationID,
			MessageID:      messageID,
		})
		return nil
	}

	remaining := 0
	for _, state := range msg.SendState {
		if state.Status != models.SendStatusSent {
			remaining++
		}
	}

	if msg.PartiallySent() {
		s.events.Publish(Event{
			Type:           EventMessagePartial,
			ConversationID: conversationID,
			MessageID:      messageID,
		})
	}

	return errors.WrapRetryable(
		fmt.Errorf("%d recipients still unsent", remaining),
		errors.ErrCodeTransportAPI,
		"partial send",
	)
}

// markRecipient persists one recipient transition immediately so a crash
// mid-fan-out cannot lose a confirmed delivery, then mirrors it into the
// in-memory record and publishes the change.
func (s *Sender) markRecipient(ctx context.Context, conversationID string, msg *models.OutgoingMessage, recipientID string, status models.SendStatus, now time.Time) error {
	if err := s.store.UpdateMessage(ctx, msg.ID, func(stored *models.OutgoingMessage) error {
		stored.MarkRecipient(recipientID, status, now)
		return nil
	}); err != nil {
		return errors.NewDatabaseError("mark recipient", err)
	}

	msg.MarkRecipient(recipientID, status, now)

	s.events.Publish(Event{
		Type:           EventSendStateChanged,
		ConversationID: conversationID,
		MessageID:      msg.ID,
		RecipientID:    recipientID,
		Status:         status,
	})

	return nil
}

// HandleAbandon is the queue's terminal-failure side effect: it writes the
// permanent failure back onto the message so the user sees it instead of a
// silent drop.
func (s *Sender) HandleAbandon(ctx context.Context, job models.Job, cause error) {
	env, err := models.DecodeEnvelope(job.Payload)
	if err != nil {
		s.logger.WithError(err).Error("Abandoned job has undecodable payload")
		return
	}
	if env.Kind != models.PayloadMessageSend {
		s.logger.WithFields(logrus.Fields{
			"kind":  env.Kind,
			"jobId": job.ID,
		}).Warn("Abandoning job")
		return
	}

	var payload models.MessageSendPayload
	if err := env.DecodeData(&payload); err != nil {
		s.logger.WithError(err).Error("Abandoned send job has undecodable payload")
		return
	}

	now := time.Now().UTC()
	if err := s.store.UpdateMessage(ctx, payload.MessageID, func(stored *models.OutgoingMessage) error {
		stored.FailureMessage = errors.GetUserMessage(cause)
		for recipientID, state := range stored.SendState {
			if state.Status == models.SendStatusPending {
				stored.MarkRecipient(recipientID, models.SendStatusFailed, now)
			}
		}
		return nil
	}); err != nil {
		s.logger.WithError(err).WithField(
			"messageId", privacy.MaskMessageID(payload.MessageID),
		).Error("Failed to record permanent send failure")
	}

	s.events.Publish(Event{
		Type:           EventMessageFailed,
		ConversationID: payload.ConversationID,
		MessageID:      payload.MessageID,
		Reason:         errors.GetUserMessage(cause),
	})
}

func (s *Sender) handleProfileKeyPush(ctx context.Context, env models.Envelope) error {
	var payload models.ProfileKeyPushPayload
	if err := env.DecodeData(&payload); err != nil {
		return err
	}

	_, err := s.transport.SendToRecipient(ctx, types.RecipientSendRequest{
		Recipient: payload.RecipientID,
		Kind:      types.SendKindProfileKey,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return classifyTransportError(err)
	}

	s.logger.WithField("recipient", privacy.MaskRecipient(payload.RecipientID)).
		Debug("Profile key pushed")
	return nil
}

func (s *Sender) handleTimerUpdate(ctx context.Context, env models.Envelope) error {
	var payload models.TimerUpdatePayload
	if err := env.DecodeData(&payload); err != nil {
		return err
	}

	conv, err := s.directory.GetConversation(ctx, payload.ConversationID)
	if err != nil {
		return errors.WrapRetryable(err, errors.ErrCodeInternalError, "failed to resolve conversation")
	}

	now := time.Now().UnixMilli()
	if conv.IsGroup() {
		members, err := s.directory.Membership(ctx, payload.ConversationID)
		if err != nil {
			return errors.WrapRetryable(err, errors.ErrCodeInternalError, "failed to resolve membership")
		}
		recipients := make([]string, 0, len(members))
		for _, member := range members {
			if !member.Self {
				recipients = append(recipients, member.ID)
			}
		}
		_, err = s.transport.SendToGroup(ctx, types.GroupSendRequest{
			GroupID:       conv.GroupID,
			Revision:      conv.Revision,
			Recipients:    recipients,
			Kind:          types.SendKindTimerUpdate,
			Timestamp:     now,
			ExpireSeconds: payload.ExpireSeconds,
		})
		if err != nil {
			return classifyTransportError(err)
		}
		return nil
	}

	_, err = s.transport.SendToRecipient(ctx, types.RecipientSendRequest{
		Recipient:     payload.ConversationID,
		Kind:          types.SendKindTimerUpdate,
		Timestamp:     now,
		ExpireSeconds: payload.ExpireSeconds,
	})
	if err != nil {
		return classifyTransportError(err)
	}
	return nil
}

func (s *Sender) handleReceiptBatch(ctx context.Context, env models.Envelope) error {
	var payload models.ReceiptBatchPayload
	if err := env.DecodeData(&payload); err != nil {
		return err
	}
	if len(payload.MessageIDs) == 0 {
		return nil
	}

	_, err := s.transport.SendToRecipient(ctx, types.RecipientSendRequest{
		Recipient:   payload.ConversationID,
		Kind:        types.SendKindReceipt,
		Timestamp:   time.Now().UnixMilli(),
		ReceiptType: payload.ReceiptType,
		ReceiptIDs:  payload.MessageIDs,
	})
	if err != nil {
		return classifyTransportError(err)
	}
	return nil
}

func remoteRefs(parts []models.ContentPart) []string {
	if len(parts) == 0 {
		return nil
	}
	refs := make([]string, 0, len(parts))
	for _, part := range parts {
		if part.RemoteRef != "" {
			refs = append(refs, part.RemoteRef)
		}
	}
	return refs
}
