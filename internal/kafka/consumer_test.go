package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trogers1052/stock-history-ingestor/internal/models"
)

// MockRepository implements the IssuerRepository interface for testing
type MockRepository struct {
	mu      sync.Mutex
	issuers map[string]bool
	err     error

	// Track method calls for verification
	RegisterIssuerCalls int
}

func NewMockRepository() *MockRepository {
	return &MockRepository{issuers: make(map[string]bool)}
}

func (m *MockRepository) RegisterIssuer(ctx context.Context, issuer string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RegisterIssuerCalls++
	if m.err != nil {
		return false, m.err
	}
	if m.issuers[issuer] {
		return false, nil
	}
	m.issuers[issuer] = true
	return true, nil
}

func (m *MockRepository) Has(issuer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issuers[issuer]
}

// MockReader replays a fixed set of messages, then blocks until ctx is done
type MockReader struct {
	mu       sync.Mutex
	messages []kafka.Message
	closed   bool
}

func (r *MockReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *MockReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func newTestConsumer(reader messageReader, repo IssuerRepository) *DiscoveryConsumer {
	return &DiscoveryConsumer{reader: reader, topic: "issuer-discovery", repo: repo, log: zerolog.Nop()}
}

func issuerMessage(t *testing.T, eventType, issuer string) kafka.Message {
	t.Helper()
	data, err := json.Marshal(models.IssuerEvent{EventType: eventType, Issuer: issuer, Timestamp: time.Now()})
	require.NoError(t, err)
	return kafka.Message{Key: []byte(issuer), Value: data}
}

func TestProcessMessage_RegistersListedIssuer(t *testing.T) {
	repo := NewMockRepository()
	c := newTestConsumer(&MockReader{}, repo)

	require.NoError(t, c.processMessage(context.Background(), issuerMessage(t, models.EventIssuerListed, " alk ")))
	assert.True(t, repo.Has("ALK"))

	// Replays are harmless.
	require.NoError(t, c.processMessage(context.Background(), issuerMessage(t, models.EventIssuerListed, "ALK")))
	assert.Equal(t, 2, repo.RegisterIssuerCalls)
}

func TestProcessMessage_IgnoresBondCodes(t *testing.T) {
	repo := NewMockRepository()
	c := newTestConsumer(&MockReader{}, repo)

	for _, code := range []string{"RMDEN21", "", "A B"} {
		require.NoError(t, c.processMessage(context.Background(), issuerMessage(t, models.EventIssuerListed, code)))
	}
	assert.Equal(t, 0, repo.RegisterIssuerCalls)
}

func TestProcessMessage_IgnoresOtherEvents(t *testing.T) {
	repo := NewMockRepository()
	c := newTestConsumer(&MockReader{}, repo)

	require.NoError(t, c.processMessage(context.Background(), issuerMessage(t, "ISSUER_DELISTED", "ALK")))
	assert.Equal(t, 0, repo.RegisterIssuerCalls)
}

func TestProcessMessage_InvalidJSON(t *testing.T) {
	c := newTestConsumer(&MockReader{}, NewMockRepository())

	err := c.processMessage(context.Background(), kafka.Message{Value: []byte("{not json")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal issuer event")
}

func TestProcessMessage_RepositoryError(t *testing.T) {
	repo := NewMockRepository()
	repo.err = errors.New("connection refused")
	c := newTestConsumer(&MockReader{}, repo)

	err := c.processMessage(context.Background(), issuerMessage(t, models.EventIssuerListed, "KMB"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to register issuer KMB")
}

func TestStart_ConsumesUntilCancelled(t *testing.T) {
	repo := NewMockRepository()
	reader := &MockReader{messages: []kafka.Message{
		issuerMessage(t, models.EventIssuerListed, "ALK"),
		{Value: []byte("garbage")},
		issuerMessage(t, models.EventIssuerListed, "TTK"),
	}}
	c := newTestConsumer(reader, repo)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool {
		return repo.Has("ALK") && repo.Has("TTK")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
