package webhooks

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"database/sql/driver"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgenet/core-go/pkg/crypto"
)

// recordingQueue captures tasks instead of processing them.
type recordingQueue struct {
	tasks []Task
	err   error
}

func (q *recordingQueue) Enqueue(ctx context.Context, task Task) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func testSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := crypto.NewSigner(base64.StdEncoding.EncodeToString(priv.Seed()))
	require.NoError(t, err)
	return signer
}

func newTestEngine(t *testing.T, resource *Resource, queue TaskQueue, timeout time.Duration) (*Engine, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + resource.SubscriptionTable()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	subs, err := NewSubscriptionStore(db, resource)
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + resource.DeliveryTable()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	deliveries, err := NewDeliveryStore(db, resource)
	require.NoError(t, err)

	engine, err := NewEngine(EngineConfig{
		Resource:      resource,
		Subscriptions: subs,
		Deliveries:    deliveries,
		Queue:         queue,
		Signer:        testSigner(t),
		Timeout:       timeout,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return engine, mock, db
}

// maxLen matches any string argument no longer than n bytes.
type maxLen int

func (m maxLen) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && len(s) <= int(m)
}

func TestEngine_Notify_RecordsBeforeEnqueue(t *testing.T) {
	resource := testResource(t, "repo")
	queue := &recordingQueue{}
	engine, mock, _ := newTestEngine(t, resource, queue, 0)

	sub := &Subscription{ID: 3, URL: "https://example.org/hook", TokenID: 42}
	mock.ExpectQuery("INSERT INTO repo_delivery").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "repo:create",
			sub.URL, `{"name":"hello"}`, sqlmock.AnyArg(),
			StatusPending, sub.ID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	err := engine.Notify(context.Background(), sub, "repo:create",
		[]byte(`{"name":"hello"}`))
	require.NoError(t, err)

	require.Len(t, queue.tasks, 1)
	assert.Equal(t, Task{Resource: "repo", DeliveryID: 11}, queue.tasks[0])
	assert.NoError(t, mock.ExpectationsWereMet(),
		"the pending row is committed before the queue sees the task")
}

func TestEngine_Notify_TruncatesPayload(t *testing.T) {
	resource := testResource(t, "repo")
	queue := &recordingQueue{}
	engine, mock, _ := newTestEngine(t, resource, queue, 0)

	sub := &Subscription{ID: 3, URL: "https://example.org/hook"}
	mock.ExpectQuery("INSERT INTO repo_delivery").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "repo:create",
			sub.URL, maxLen(MaxPayloadSize), sqlmock.AnyArg(),
			StatusPending, sub.ID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))

	oversized := strings.Repeat("x", MaxPayloadSize+100)
	err := engine.Notify(context.Background(), sub, "repo:create", []byte(oversized))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_Notify_EnqueueFailure(t *testing.T) {
	resource := testResource(t, "repo")
	queue := &recordingQueue{err: assert.AnError}
	engine, mock, _ := newTestEngine(t, resource, queue, 0)

	sub := &Subscription{ID: 3, URL: "https://example.org/hook"}
	mock.ExpectQuery("INSERT INTO repo_delivery").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "repo:create",
			sub.URL, "{}", sqlmock.AnyArg(), StatusPending, sub.ID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(13))

	err := engine.Notify(context.Background(), sub, "repo:create", []byte("{}"))
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(),
		"the pending row survives an enqueue failure")
}

func TestEngine_Deliver(t *testing.T) {
	resource := testResource(t, "repo")
	queue := &recordingQueue{}
	engine, mock, _ := newTestEngine(t, resource, queue, 0)

	listening := &Subscription{
		ID: 1, URL: "https://a.example.org",
		Events: []string{"repo:create", "repo:delete"},
	}
	// Matched by the coarse LIKE scan only; its parsed event list does not
	// contain the event.
	coarse := &Subscription{
		ID: 2, URL: "https://b.example.org",
		Events: []string{"issue:create"},
	}
	mock.ExpectQuery("SELECT (.+) FROM repo_subscription WHERE events LIKE").
		WithArgs("repo:create").
		WillReturnRows(subscriptionRows(resource, listening, coarse))
	mock.ExpectQuery("INSERT INTO repo_delivery").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "repo:create",
			listening.URL, "{}", sqlmock.AnyArg(), StatusPending,
			listening.ID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21))

	err := engine.Deliver(context.Background(), "repo:create", []byte("{}"))
	require.NoError(t, err)
	require.Len(t, queue.tasks, 1)
	assert.Equal(t, int64(21), queue.tasks[0].DeliveryID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_Deliver_UnknownEvent(t *testing.T) {
	resource := testResource(t, "repo")
	engine, _, _ := newTestEngine(t, resource, &recordingQueue{}, 0)

	err := engine.Deliver(context.Background(), "repo:rename", []byte("{}"))
	assert.Error(t, err)
}

func TestEngine_ProcessDelivery_Success(t *testing.T) {
	resource := testResource(t, "repo")
	engine, mock, _ := newTestEngine(t, resource, &recordingQueue{}, 0)

	var received *http.Request
	var receivedBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r
		receivedBody, _ = io.ReadAll(r.Body)
		w.Write([]byte("roger"))
	}))
	defer server.Close()

	stored := &Delivery{
		ID: 11, UUID: "b8f1c2d3-0000-0000-0000-000000000000",
		Created: time.Now(), Event: "repo:create", URL: server.URL,
		Payload:        `{"name":"hello"}`,
		PayloadHeaders: "Content-Type: application/json\nX-Webhook-Event: repo:create\n",
		ResponseStatus: StatusPending, SubscriptionID: 3,
	}
	mock.ExpectQuery("SELECT (.+) FROM repo_delivery WHERE id =").
		WithArgs(int64(11)).
		WillReturnRows(deliveryRows(stored))
	mock.ExpectExec("UPDATE repo_delivery").
		WithArgs("roger", 200, sqlmock.AnyArg(), int64(11), StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, engine.ProcessDelivery(context.Background(), 11))

	require.NotNil(t, received)
	assert.Equal(t, "application/json", received.Header.Get("Content-Type"))
	assert.Equal(t, "repo:create", received.Header.Get("X-Webhook-Event"))
	assert.Equal(t, stored.Payload, string(receivedBody))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_ProcessDelivery_Timeout(t *testing.T) {
	resource := testResource(t, "repo")
	engine, mock, _ := newTestEngine(t, resource, &recordingQueue{}, 50*time.Millisecond)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	stored := &Delivery{
		ID: 11, UUID: "b8f1c2d3-0000-0000-0000-000000000000",
		Created: time.Now(), Event: "repo:create", URL: server.URL,
		Payload: "{}", PayloadHeaders: "Content-Type: application/json\n",
		ResponseStatus: StatusPending, SubscriptionID: 3,
	}
	mock.ExpectQuery("SELECT (.+) FROM repo_delivery WHERE id =").
		WithArgs(int64(11)).
		WillReturnRows(deliveryRows(stored))
	mock.ExpectExec("UPDATE repo_delivery").
		WithArgs(timeoutResponse, StatusTimeout, "", int64(11), StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, engine.ProcessDelivery(context.Background(), 11))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_Redeliver_ResignsPayload(t *testing.T) {
	resource := testResource(t, "repo")
	engine, mock, _ := newTestEngine(t, resource, &recordingQueue{}, 0)

	verifier, err := crypto.NewVerifier(engine.signer.PublicKey(), nil)
	require.NoError(t, err)

	var verifyErr error
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		verifyErr = verifier.VerifyRequest(r, body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	delivery := &Delivery{
		ID: 11, UUID: "b8f1c2d3-0000-0000-0000-000000000000",
		Event: "repo:create", URL: server.URL,
		Payload:        `{"name":"hello"}`,
		Response:       timeoutResponse,
		ResponseStatus: StatusTimeout,
		SubscriptionID: 3,
	}
	mock.ExpectExec("UPDATE repo_delivery").
		WithArgs(sqlmock.AnyArg(), http.StatusNoContent, sqlmock.AnyArg(),
			int64(11), StatusTimeout).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, engine.Redeliver(context.Background(), delivery))
	assert.NoError(t, verifyErr, "redelivery carries a fresh valid signature")
	assert.Equal(t, http.StatusNoContent, delivery.ResponseStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlattenHeaders_RoundTrip(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-Webhook-Event", "repo:create")

	flat := flattenHeaders(h)
	assert.Equal(t, "Content-Type: application/json\nX-Webhook-Event: repo:create\n", flat)
	assert.Equal(t, h, parseFlatHeaders(flat))
}
