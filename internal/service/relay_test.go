package service

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipportal/backend/internal/config"
	"clipportal/backend/internal/domain"
	"clipportal/backend/internal/gate"
	"clipportal/backend/internal/monitoring"
	"clipportal/backend/internal/storage/filesystem"
)

func newTestService(t *testing.T, cfg config.MailboxConfig) (*RelayService, *filesystem.Store, *monitoring.Metrics) {
	t.Helper()

	store, err := filesystem.NewStore(t.TempDir())
	require.NoError(t, err)

	metrics := monitoring.NewMetrics()
	svc := NewRelayService(store, gate.New(store, nil), cfg, nil, metrics)
	return svc, store, metrics
}

func secretConfig() config.MailboxConfig {
	return config.MailboxConfig{CapabilityMode: "secret", MaxContentBytes: 1024}
}

func TestRelayService_CreateMailbox(t *testing.T) {
	ctx := context.Background()

	t.Run("密钥模式返回一次性密钥", func(t *testing.T) {
		svc, store, metrics := newTestService(t, secretConfig())

		result, err := svc.CreateMailbox(ctx, CreateMailboxInput{IPSource: "127.0.0.1"})
		require.NoError(t, err)
		assert.True(t, domain.IsValidMailboxID(result.Mailbox.ID))
		assert.NotEmpty(t, result.Secret)
		assert.Empty(t, result.PublicKeyBase64)
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.MailboxesCreated))

		// 只保存哈希
		capability, err := store.Capability(ctx, result.Mailbox.ID)
		require.NoError(t, err)
		assert.NotEqual(t, result.Secret, capability.SecretHash)
		assert.True(t, gate.Verify(capability, result.Secret))
	})

	t.Run("公钥模式需要公钥", func(t *testing.T) {
		svc, _, _ := newTestService(t, config.MailboxConfig{CapabilityMode: "publickey"})

		_, err := svc.CreateMailbox(ctx, CreateMailboxInput{})
		assert.ErrorIs(t, err, domain.ErrValidation)

		result, err := svc.CreateMailbox(ctx, CreateMailboxInput{PublicKeyBase64: "cHVibGljLWtleQ=="})
		require.NoError(t, err)
		assert.Empty(t, result.Secret)
		assert.Equal(t, "cHVibGljLWtleQ==", result.PublicKeyBase64)

		key, err := svc.PublicKey(ctx, result.Mailbox.ID)
		require.NoError(t, err)
		assert.Equal(t, "cHVibGljLWtleQ==", key)
	})

	t.Run("生成密钥失败", func(t *testing.T) {
		svc, _, _ := newTestService(t, secretConfig())
		svc.issueSecret = func() (string, *domain.Capability, error) {
			return "", nil, errors.New("entropy exhausted")
		}

		_, err := svc.CreateMailbox(ctx, CreateMailboxInput{})
		assert.Error(t, err)
	})
}

func TestRelayService_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("发送后读取到相同内容", func(t *testing.T) {
		svc, store, metrics := newTestService(t, secretConfig())
		created, err := svc.CreateMailbox(ctx, CreateMailboxInput{})
		require.NoError(t, err)

		result, err := svc.Send(ctx, SendInput{
			ReceiverID:   created.Mailbox.ID,
			MetadataJSON: `{"senderId":"A"}`,
			Content:      strings.NewReader("hello"),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(5), result.Size)
		assert.True(t, result.LastModified.After(created.Mailbox.LastModified))
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.EntriesWritten))

		entry, err := store.ReadEntry(ctx, created.Mailbox.ID)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(entry.Content))
		assert.Equal(t, "A", entry.Metadata.SenderID)
	})

	t.Run("从未创建的邮箱返回 NotFound 且不创建任何东西", func(t *testing.T) {
		svc, store, _ := newTestService(t, secretConfig())

		_, err := svc.Send(ctx, SendInput{
			ReceiverID:   "00000000",
			MetadataJSON: `{"senderId":"A"}`,
			Content:      strings.NewReader("hello"),
		})
		assert.ErrorIs(t, err, domain.ErrMailboxNotFound)

		_, err = os.Stat(store.MailboxDir("00000000"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("格式错误的 ID 返回 NotFound", func(t *testing.T) {
		svc, _, _ := newTestService(t, secretConfig())

		_, err := svc.Send(ctx, SendInput{ReceiverID: "abc", MetadataJSON: "not json"})
		assert.ErrorIs(t, err, domain.ErrMailboxNotFound)
	})

	t.Run("元数据非法时邮箱状态不变", func(t *testing.T) {
		svc, store, _ := newTestService(t, secretConfig())
		created, err := svc.CreateMailbox(ctx, CreateMailboxInput{})
		require.NoError(t, err)

		for _, raw := range []string{"", "{", `{"encryptedContentMetadataBase64":"aGk="}`} {
			_, err := svc.Send(ctx, SendInput{ReceiverID: created.Mailbox.ID, MetadataJSON: raw, Content: strings.NewReader("x")})
			assert.ErrorIs(t, err, domain.ErrValidation, raw)
		}

		entry, err := store.ReadEntry(ctx, created.Mailbox.ID)
		require.NoError(t, err)
		assert.True(t, entry.IsEmpty())
	})

	t.Run("内容过大", func(t *testing.T) {
		svc, store, _ := newTestService(t, secretConfig())
		created, err := svc.CreateMailbox(ctx, CreateMailboxInput{})
		require.NoError(t, err)

		_, err = svc.Send(ctx, SendInput{
			ReceiverID:   created.Mailbox.ID,
			MetadataJSON: `{"senderId":"A"}`,
			Content:      strings.NewReader(strings.Repeat("x", 1025)),
		})
		assert.ErrorIs(t, err, domain.ErrContentTooLarge)
		assert.ErrorIs(t, err, domain.ErrValidation)

		entry, err := store.ReadEntry(ctx, created.Mailbox.ID)
		require.NoError(t, err)
		assert.True(t, entry.IsEmpty())
	})

	t.Run("恰好等于上限可以发送", func(t *testing.T) {
		svc, _, _ := newTestService(t, secretConfig())
		created, err := svc.CreateMailbox(ctx, CreateMailboxInput{})
		require.NoError(t, err)

		_, err = svc.Send(ctx, SendInput{
			ReceiverID:   created.Mailbox.ID,
			MetadataJSON: `{"senderId":"A"}`,
			Content:      strings.NewReader(strings.Repeat("x", 1024)),
		})
		assert.NoError(t, err)
	})
}

func TestRelayService_Receive(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, secretConfig())

	created, err := svc.CreateMailbox(ctx, CreateMailboxInput{})
	require.NoError(t, err)
	id := created.Mailbox.ID

	t.Run("空邮箱没有内容", func(t *testing.T) {
		event, err := svc.Receive(ctx, ReceiveInput{ID: id, Capability: created.Secret})
		require.NoError(t, err)
		assert.Nil(t, event)
	})

	sent, err := svc.Send(ctx, SendInput{ReceiverID: id, MetadataJSON: `{"senderId":"A"}`, Content: strings.NewReader("hello")})
	require.NoError(t, err)

	t.Run("未提供 since 返回当前内容", func(t *testing.T) {
		event, err := svc.Receive(ctx, ReceiveInput{ID: id, Capability: created.Secret})
		require.NoError(t, err)
		require.NotNil(t, event)
		assert.Equal(t, "A", event.Metadata.SenderID)
		assert.True(t, sent.LastModified.Equal(event.LastModified))
	})

	t.Run("since 等于最新标记时没有内容", func(t *testing.T) {
		since := sent.LastModified
		event, err := svc.Receive(ctx, ReceiveInput{ID: id, Capability: created.Secret, Since: &since})
		require.NoError(t, err)
		assert.Nil(t, event)
	})

	t.Run("旧的 since 返回内容", func(t *testing.T) {
		since := sent.LastModified.Add(-time.Millisecond)
		event, err := svc.Receive(ctx, ReceiveInput{ID: id, Capability: created.Secret, Since: &since})
		require.NoError(t, err)
		assert.NotNil(t, event)
	})

	t.Run("错误的凭证", func(t *testing.T) {
		_, err := svc.Receive(ctx, ReceiveInput{ID: id, Capability: "wrong"})
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("不存在的邮箱", func(t *testing.T) {
		_, err := svc.Receive(ctx, ReceiveInput{ID: "00000000", Capability: created.Secret})
		assert.ErrorIs(t, err, domain.ErrMailboxNotFound)
	})
}

func TestRelayService_Lookups(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, secretConfig())

	created, err := svc.CreateMailbox(ctx, CreateMailboxInput{})
	require.NoError(t, err)

	mailbox, err := svc.GetMailbox(ctx, created.Mailbox.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CapabilitySecret, mailbox.CapabilityMode)

	_, err = svc.GetMailbox(ctx, "../etc")
	assert.ErrorIs(t, err, domain.ErrMailboxNotFound)

	// 密钥模式没有公钥
	_, err = svc.PublicKey(ctx, created.Mailbox.ID)
	assert.ErrorIs(t, err, domain.ErrMailboxNotFound)

	path, err := svc.ContentPath(ctx, created.Mailbox.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ContentPath(created.Mailbox.ID), path)

	_, err = svc.ContentPath(ctx, "00000000")
	assert.ErrorIs(t, err, domain.ErrMailboxNotFound)

	snapshot, err := svc.Snapshot(ctx, created.Mailbox.ID)
	require.NoError(t, err)
	assert.Nil(t, snapshot.Metadata)
	assert.False(t, snapshot.NewerThan(time.Time{}))
}
