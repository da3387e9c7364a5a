package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ChronoSend/internal/models"
	"ChronoSend/internal/queue"
	"ChronoSend/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	emails map[string]*models.Email
	byKey  map[string]*models.Email
	nextID int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		emails: make(map[string]*models.Email),
		byKey:  make(map[string]*models.Email),
	}
}

func (s *fakeStore) Create(_ context.Context, e *models.Email) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.DedupeKey != nil {
		if existing, ok := s.byKey[*e.DedupeKey]; ok {
			*e = *existing
			return false, nil
		}
	}
	s.nextID++
	e.ID = string(rune('a' + s.nextID - 1))
	e.Status = models.StatusPending
	e.CreatedAt = time.Now()
	cp := *e
	s.emails[e.ID] = &cp
	if e.DedupeKey != nil {
		s.byKey[*e.DedupeKey] = &cp
	}
	return true, nil
}

func (s *fakeStore) GetByID(_ context.Context, id string) (*models.Email, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.emails[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *fakeStore) Cancel(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.emails[id]
	if !ok {
		return false, nil
	}
	if e.Status != models.StatusPending && e.Status != models.StatusDeferred {
		return false, nil
	}
	e.Status = models.StatusCancelled
	return true, nil
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueues []queue.Job
	delays   []time.Duration
}

func (q *fakeQueue) Enqueue(_ context.Context, job queue.Job, delay time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueues = append(q.enqueues, job)
	q.delays = append(q.delays, delay)
	return true, nil
}

func newTestServer(t *testing.T) (*fakeStore, *fakeQueue, *httptest.Server) {
	t.Helper()
	st := newFakeStore()
	q := &fakeQueue{}
	h := NewHandler(st, q, zap.NewNop())
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return st, q, srv
}

func scheduleBody(t *testing.T, overrides map[string]interface{}) *bytes.Buffer {
	t.Helper()
	body := map[string]interface{}{
		"owner_id":     "owner-1",
		"to":           "someone@example.com",
		"subject":      "hi",
		"template":     "default.html",
		"data":         map[string]interface{}{"name": "someone"},
		"scheduled_at": time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	}
	for k, v := range overrides {
		body[k] = v
	}
	b, err := json.Marshal(body)
	require.NoError(t, err)
	return bytes.NewBuffer(b)
}

func TestScheduleAcceptsAndEnqueues(t *testing.T) {
	_, q, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/emails", "application/json", scheduleBody(t, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var got models.Email
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, models.StatusPending, got.Status)

	require.Len(t, q.enqueues, 1)
	assert.Equal(t, got.ID, q.enqueues[0].EmailID)
	assert.InDelta(t, time.Hour.Seconds(), q.delays[0].Seconds(), 2.0)
}

func TestScheduleRejectsBadRecipient(t *testing.T) {
	_, q, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/emails", "application/json",
		scheduleBody(t, map[string]interface{}{"to": "not-an-address"}))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, q.enqueues)
}

func TestScheduleDuplicateKeyIsIdempotent(t *testing.T) {
	_, q, srv := newTestServer(t)
	body := map[string]interface{}{"dedupe_key": "key-1"}

	resp, err := http.Post(srv.URL+"/v1/emails", "application/json", scheduleBody(t, body))
	require.NoError(t, err)
	var first models.Email
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/emails", "application/json", scheduleBody(t, body))
	require.NoError(t, err)
	var second models.Email
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&second))
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode, "duplicate submission is idempotent success")
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, q.enqueues, 1, "the duplicate must not be enqueued twice")
}

func TestGetUnknownEmail(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/emails/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetReturnsStatusAndLastError(t *testing.T) {
	st, _, srv := newTestServer(t)

	e := &models.Email{OwnerID: "owner-1", To: "someone@example.com"}
	_, err := st.Create(context.Background(), e)
	require.NoError(t, err)
	st.emails[e.ID].Status = models.StatusDeferred
	st.emails[e.ID].LastError = "rate limited"

	resp, err := http.Get(srv.URL + "/v1/emails/" + e.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got models.Email
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, models.StatusDeferred, got.Status)
	assert.Equal(t, "rate limited", got.LastError)
}

func TestCancelPendingEmail(t *testing.T) {
	st, _, srv := newTestServer(t)

	e := &models.Email{OwnerID: "owner-1", To: "someone@example.com"}
	_, err := st.Create(context.Background(), e)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/v1/emails/"+e.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := st.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestCancelTerminalEmailConflicts(t *testing.T) {
	st, _, srv := newTestServer(t)

	e := &models.Email{OwnerID: "owner-1", To: "someone@example.com"}
	_, err := st.Create(context.Background(), e)
	require.NoError(t, err)
	st.emails[e.ID].Status = models.StatusSent

	resp, err := http.Post(srv.URL+"/v1/emails/"+e.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelUnknownEmail(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/emails/ghost/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
