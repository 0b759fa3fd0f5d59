package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"courier/internal/errors"
	"courier/internal/models"
	"courier/pkg/transport/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePart(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("content of "+name), 0o600))
	return path
}

func TestUploadPartsPersistsEachReference(t *testing.T) {
	store := newMemMessageStore()
	tc := &mockTransport{}
	u := NewUploadCoordinator(tc, store, 2, testLogger())

	msg := &models.OutgoingMessage{
		ID: "msg-1",
		Parts: []models.ContentPart{
			{Kind: models.PartAttachment, LocalPath: writePart(t, "a.jpg"), ContentType: "image/jpeg"},
			{Kind: models.PartSticker, LocalPath: writePart(t, "b.webp"), ContentType: "image/webp"},
		},
	}
	require.NoError(t, store.SaveMessage(context.Background(), msg))

	require.NoError(t, u.UploadParts(context.Background(), msg))

	assert.True(t, msg.Parts[0].Uploaded())
	assert.True(t, msg.Parts[1].Uploaded())

	stored := store.mustGet(t, "msg-1")
	assert.Equal(t, msg.Parts[0].RemoteRef, stored.Parts[0].RemoteRef)
	assert.Equal(t, msg.Parts[1].RemoteRef, stored.Parts[1].RemoteRef)
	assert.Equal(t, 2, tc.uploadCount())
}

func TestUploadPartsSkipsCompletedParts(t *testing.T) {
	store := newMemMessageStore()
	tc := &mockTransport{}
	u := NewUploadCoordinator(tc, store, 2, testLogger())

	msg := &models.OutgoingMessage{
		ID: "msg-1",
		Parts: []models.ContentPart{
			{Kind: models.PartAttachment, LocalPath: "/gone", ContentType: "image/jpeg", RemoteRef: "ref-1"},
		},
	}
	require.NoError(t, store.SaveMessage(context.Background(), msg))

	require.NoError(t, u.UploadParts(context.Background(), msg))
	assert.Equal(t, 0, tc.uploadCount())
	assert.Equal(t, "ref-1", msg.Parts[0].RemoteRef)
}

func TestUploadPartsMissingFileIsNotRetryable(t *testing.T) {
	store := newMemMessageStore()
	tc := &mockTransport{}
	u := NewUploadCoordinator(tc, store, 2, testLogger())

	msg := &models.OutgoingMessage{
		ID: "msg-1",
		Parts: []models.ContentPart{
			{Kind: models.PartAttachment, LocalPath: "/definitely/not/here", ContentType: "image/jpeg"},
		},
	}
	require.NoError(t, store.SaveMessage(context.Background(), msg))

	err := u.UploadParts(context.Background(), msg)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUploadFailed, errors.GetCode(err))
	assert.False(t, errors.IsRetryable(err), "a missing local file will not appear on retry")
}

func TestUploadPartsRateLimitKeepsHint(t *testing.T) {
	store := newMemMessageStore()
	retryAfter := 10 * time.Second
	tc := &mockTransport{
		uploadFn: func(ctx context.Context, data []byte, contentType string) (string, error) {
			return "", &types.RateLimitError{StatusCode: 413, RetryAfter: &retryAfter, Token: "tok"}
		},
	}
	u := NewUploadCoordinator(tc, store, 2, testLogger())

	msg := &models.OutgoingMessage{
		ID: "msg-1",
		Parts: []models.ContentPart{
			{Kind: models.PartAttachment, LocalPath: writePart(t, "a.jpg"), ContentType: "image/jpeg"},
		},
	}
	require.NoError(t, store.SaveMessage(context.Background(), msg))

	err := u.UploadParts(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, errors.IsRateLimited(err))

	hint, ok := errors.RetryAfterHint(err)
	require.True(t, ok)
	assert.Equal(t, retryAfter, hint)

	rle, ok := types.AsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, "tok", rle.Token)
}

func TestUploadPartsServerRejectionIsNotRetryable(t *testing.T) {
	store := newMemMessageStore()
	tc := &mockTransport{
		uploadFn: func(ctx context.Context, data []byte, contentType string) (string, error) {
			return "", &types.APIError{StatusCode: 400, Endpoint: "/v1/attachments", Body: "unsupported type"}
		},
	}
	u := NewUploadCoordinator(tc, store, 2, testLogger())

	msg := &models.OutgoingMessage{
		ID: "msg-1",
		Parts: []models.ContentPart{
			{Kind: models.PartAttachment, LocalPath: writePart(t, "a.bin"), ContentType: "application/octet-stream"},
		},
	}
	require.NoError(t, store.SaveMessage(context.Background(), msg))

	err := u.UploadParts(context.Background(), msg)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUploadFailed, errors.GetCode(err))
	assert.False(t, errors.IsRetryable(err))
}

func TestUploadPartsServerErrorIsRetryable(t *testing.T) {
	store := newMemMessageStore()
	tc := &mockTransport{
		uploadFn: func(ctx context.Context, data []byte, contentType string) (string, error) {
			return "", &types.APIError{StatusCode: 503, Endpoint: "/v1/attachments"}
		},
	}
	u := NewUploadCoordinator(tc, store, 2, testLogger())

	msg := &models.OutgoingMessage{
		ID: "msg-1",
		Parts: []models.ContentPart{
			{Kind: models.PartAttachment, LocalPath: writePart(t, "a.jpg"), ContentType: "image/jpeg"},
		},
	}
	require.NoError(t, store.SaveMessage(context.Background(), msg))

	err := u.UploadParts(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}
