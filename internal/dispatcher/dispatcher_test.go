package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/sdu-review-console/internal/domain"
	"github.com/xela07ax/sdu-review-console/internal/infra"
	"github.com/xela07ax/sdu-review-console/internal/storeclient"
	"github.com/xela07ax/sdu-review-console/internal/workflow"
	"go.uber.org/zap"
)

// fakeStore считает POST-ы; release держит SubmitStatus, пока тест не отпустит.
type fakeStore struct {
	mu      sync.Mutex
	current domain.Status
	posts   []domain.StatusUpdate
	gets    int32

	release chan struct{}
	started chan struct{}
	err     error
	// lost статус записан, но ответ до клиента не дошёл
	lost error
	// confirm статус, который "сервер" возвращает вместо запрошенного
	confirm *domain.Status
}

func newFakeStore(current string) *fakeStore {
	return &fakeStore{current: domain.MustStatus(current)}
}

func (s *fakeStore) Get(_ context.Context, kind domain.Kind, id string) (*domain.ReviewableEntity, error) {
	atomic.AddInt32(&s.gets, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return &domain.ReviewableEntity{ID: id, Kind: kind, Status: s.current}, nil
}

func (s *fakeStore) SubmitStatus(ctx context.Context, kind domain.Kind, id string, upd domain.StatusUpdate) (*domain.ReviewableEntity, error) {
	s.mu.Lock()
	s.posts = append(s.posts, upd)
	s.mu.Unlock()

	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = upd.Status
	if s.confirm != nil {
		s.current = *s.confirm
	}
	if s.lost != nil {
		return nil, s.lost
	}
	return &domain.ReviewableEntity{ID: id, Kind: kind, Status: s.current, RevisionNotes: upd.RevisionNotes}, nil
}

func (s *fakeStore) postCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.posts)
}

func approve(kind domain.Kind, id string, role domain.Role) domain.TransitionRequest {
	return domain.TransitionRequest{Kind: kind, EntityID: id, Action: domain.ActionApprove, ActorRole: role}
}

func TestSubmit_ConfirmedByServer(t *testing.T) {
	store := newFakeStore("Pending")
	d := New(nil, store, zap.NewNop(), Options{})

	got, err := d.Submit(context.Background(), approve(domain.KindDocument, "d-1", domain.RoleSDU))
	require.NoError(t, err)
	assert.Equal(t, "Approved By SDU", got.Status.String())
	assert.Equal(t, 1, store.postCount())

	snap := d.Snapshot(domain.KindDocument, "d-1")
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.LastErr)
	assert.Equal(t, got.Status, snap.LastConfirmed)
}

// Двойной клик: второй Submit, пока первый в полёте, не шлёт второй POST.
func TestSubmit_SecondSubmitWhileInFlight(t *testing.T) {
	store := newFakeStore("Pending")
	store.release = make(chan struct{})
	store.started = make(chan struct{}, 1)
	d := New(nil, store, zap.NewNop(), Options{})

	req := approve(domain.KindRoster, "r-1", domain.RoleAdviser)

	firstErr := make(chan error, 1)
	go func() {
		_, err := d.Submit(context.Background(), req)
		firstErr <- err
	}()
	<-store.started

	assert.Equal(t, StateSubmitting, d.Snapshot(domain.KindRoster, "r-1").State)

	_, err := d.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrAlreadyInFlight)
	assert.True(t, IsLocal(err))

	close(store.release)
	require.NoError(t, <-firstErr)
	assert.Equal(t, 1, store.postCount())
	assert.Equal(t, StateIdle, d.Snapshot(domain.KindRoster, "r-1").State)
}

func TestSubmit_DifferentEntitiesDoNotBlockEachOther(t *testing.T) {
	store := newFakeStore("Pending")
	store.release = make(chan struct{})
	store.started = make(chan struct{}, 2)
	d := New(nil, store, zap.NewNop(), Options{})

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := d.Submit(context.Background(), approve(domain.KindDocument, id, domain.RoleSDU))
			assert.NoError(t, err)
		}(id)
	}
	<-store.started
	<-store.started
	close(store.release)
	wg.Wait()

	assert.Equal(t, 2, store.postCount())
}

func TestSubmit_LocalRejectionsNeverReachNetwork(t *testing.T) {
	tests := []struct {
		name    string
		current string
		req     domain.TransitionRequest
		want    error
	}{
		{
			name:    "missing notes",
			current: "Pending",
			req:     domain.TransitionRequest{Kind: domain.KindRoster, EntityID: "r", Action: domain.ActionRequestRevision, ActorRole: domain.RoleSDU, Notes: "  "},
			want:    workflow.ErrMissingNotes,
		},
		{
			name:    "student leader approving",
			current: "Approved",
			req:     approve(domain.KindDocument, "d", domain.RoleStudentLeader),
			want:    workflow.ErrUnauthorized,
		},
		{
			name:    "approving an approved document",
			current: "Approved By SDU",
			req:     approve(domain.KindDocument, "d", domain.RoleSDU),
			want:    workflow.ErrIllegalTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore(tt.current)
			d := New(nil, store, zap.NewNop(), Options{})

			_, err := d.Submit(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, IsLocal(err))
			assert.Zero(t, store.postCount())
			assert.Equal(t, StateIdle, d.Snapshot(tt.req.Kind, tt.req.EntityID).State)
		})
	}
}

func TestSubmit_ConfirmationRequiredForOverride(t *testing.T) {
	store := newFakeStore("Revision From Dean")
	d := New(nil, store, zap.NewNop(), Options{})
	req := approve(domain.KindProposal, "p-1", domain.RoleSDU)

	_, err := d.Submit(context.Background(), req)
	var confirm *ConfirmationError
	require.ErrorAs(t, err, &confirm)
	assert.ErrorIs(t, err, workflow.ErrConfirmationRequired)
	assert.Equal(t, domain.RoleDean, confirm.Advisory.PriorRole)
	assert.Zero(t, store.postCount())

	req.Confirmed = true
	got, err := d.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, got.Status.State)
	require.Equal(t, 1, store.postCount())
	assert.True(t, store.posts[0].Confirmed)
}

func TestSubmit_FailureRollsBack(t *testing.T) {
	store := newFakeStore("Pending")
	store.err = &storeclient.APIError{StatusCode: 409, Message: "Status already changed by another reviewer"}
	d := New(nil, store, zap.NewNop(), Options{})

	current := domain.MustStatus("Pending")
	req := approve(domain.KindRoster, "r-1", domain.RoleSDU)
	req.Current = &current

	_, err := d.Submit(context.Background(), req)
	require.ErrorIs(t, err, ErrSubmissionFailed)
	assert.False(t, IsLocal(err))

	var fail *SubmissionFailedError
	require.ErrorAs(t, err, &fail)
	assert.Equal(t, "Status already changed by another reviewer", fail.Message)
	assert.Equal(t, 409, fail.StatusCode)
	assert.Equal(t, current, fail.Rollback)
	assert.Zero(t, atomic.LoadInt32(&store.gets), "known current status is not re-fetched")

	snap := d.Snapshot(domain.KindRoster, "r-1")
	assert.Equal(t, StateIdleWithError, snap.State)
	assert.Equal(t, fail, snap.LastErr)

	// После ошибки можно повторить
	store.err = nil
	_, err = d.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, d.Snapshot(domain.KindRoster, "r-1").State)
}

// Сервер записал статус, но ответ потерялся: повтор не шлёт второй POST и не падает на IllegalTransition.
func TestSubmit_RetryAfterLostResponse(t *testing.T) {
	store := newFakeStore("Pending")
	store.lost = storeclient.ErrTimeout
	refreshed := 0
	d := New(nil, store, zap.NewNop(), Options{
		Refresher: RefreshFunc(func(context.Context, *domain.ReviewableEntity) error {
			refreshed++
			return nil
		}),
	})
	req := approve(domain.KindRoster, "r-1", domain.RoleSDU)

	_, err := d.Submit(context.Background(), req)
	var fail *SubmissionFailedError
	require.ErrorAs(t, err, &fail)
	assert.True(t, fail.Timeout)
	assert.Equal(t, "Pending", fail.Rollback.String())
	assert.Zero(t, refreshed)

	store.lost = nil
	got, err := d.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Approved By SDU", got.Status.String())
	assert.Equal(t, 1, store.postCount())
	assert.Equal(t, 1, refreshed)

	snap := d.Snapshot(domain.KindRoster, "r-1")
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.LastErr)
}

// Ошибка не дошла до сервера: повтор отправляет переход заново.
func TestSubmit_RetryAfterRejectedSubmission(t *testing.T) {
	store := newFakeStore("Pending")
	store.err = errors.New("connection refused")
	d := New(nil, store, zap.NewNop(), Options{})
	req := approve(domain.KindRoster, "r-1", domain.RoleSDU)

	_, err := d.Submit(context.Background(), req)
	require.ErrorIs(t, err, ErrSubmissionFailed)

	store.err = nil
	got, err := d.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Approved By SDU", got.Status.String())
	assert.Equal(t, 2, store.postCount())
}

func TestSnapshot_IdleSlotsAreBounded(t *testing.T) {
	store := newFakeStore("Pending")
	d := New(nil, store, zap.NewNop(), Options{MaxIdleSlots: 2})

	for _, id := range []string{"d-1", "d-2", "d-3", "d-4"} {
		store.mu.Lock()
		store.current = domain.MustStatus("Pending")
		store.mu.Unlock()
		_, err := d.Submit(context.Background(), approve(domain.KindDocument, id, domain.RoleSDU))
		require.NoError(t, err)
	}

	d.mu.Lock()
	assert.LessOrEqual(t, len(d.slots), 2)
	d.mu.Unlock()
	assert.Equal(t, "Approved By SDU", d.Snapshot(domain.KindDocument, "d-4").LastConfirmed.String())

	// Слот с ошибкой не вытесняется
	store.err = errors.New("boom")
	store.mu.Lock()
	store.current = domain.MustStatus("Pending")
	store.mu.Unlock()
	_, err := d.Submit(context.Background(), approve(domain.KindDocument, "d-5", domain.RoleSDU))
	require.Error(t, err)
	store.err = nil
	for _, id := range []string{"d-6", "d-7"} {
		_, err := d.Submit(context.Background(), approve(domain.KindDocument, id, domain.RoleSDU))
		require.NoError(t, err)
		store.mu.Lock()
		store.current = domain.MustStatus("Pending")
		store.mu.Unlock()
	}
	assert.Equal(t, StateIdleWithError, d.Snapshot(domain.KindDocument, "d-5").State)
}

func TestSubmit_GenericMessageWhenServerSilent(t *testing.T) {
	store := newFakeStore("Pending")
	store.err = errors.New("connection reset by peer")
	d := New(nil, store, zap.NewNop(), Options{})

	_, err := d.Submit(context.Background(), approve(domain.KindDocument, "d-1", domain.RoleDean))
	var fail *SubmissionFailedError
	require.ErrorAs(t, err, &fail)
	assert.Equal(t, "Failed to update status. Please try again.", fail.Message)
	assert.False(t, fail.Timeout)
}

func TestSubmit_Timeout(t *testing.T) {
	store := newFakeStore("Pending")
	store.release = make(chan struct{}) // never released
	d := New(nil, store, zap.NewNop(), Options{Timeout: 20 * time.Millisecond})

	_, err := d.Submit(context.Background(), approve(domain.KindDocument, "d-1", domain.RoleSDU))
	var fail *SubmissionFailedError
	require.ErrorAs(t, err, &fail)
	assert.True(t, fail.Timeout)
	assert.Equal(t, "Request timed out. Please try again.", fail.Message)
	assert.Equal(t, StateIdleWithError, d.Snapshot(domain.KindDocument, "d-1").State)
}

// Отмена контекста вызывающего не прерывает уже отправленный запрос.
func TestSubmit_CallerCancelDoesNotAbortSend(t *testing.T) {
	store := newFakeStore("Pending")
	store.release = make(chan struct{})
	store.started = make(chan struct{}, 1)
	d := New(nil, store, zap.NewNop(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Submit(ctx, approve(domain.KindDocument, "d-1", domain.RoleSDU))
		errCh <- err
	}()
	<-store.started
	cancel()
	close(store.release)

	require.NoError(t, <-errCh)
}

func TestSubmit_ServerStatusIsAuthoritative(t *testing.T) {
	store := newFakeStore("Pending")
	serverSays := domain.MustStatus("Approved By SDU Coordinator")
	store.confirm = &serverSays
	d := New(nil, store, zap.NewNop(), Options{})

	got, err := d.Submit(context.Background(), approve(domain.KindDocument, "d-1", domain.RoleSDU))
	require.NoError(t, err)
	assert.Equal(t, serverSays, got.Status)
	assert.Equal(t, serverSays, d.Snapshot(domain.KindDocument, "d-1").LastConfirmed)
}

func TestSubmit_RefresherCalledAfterSuccessOnly(t *testing.T) {
	store := newFakeStore("Pending")
	var refreshed []string
	d := New(nil, store, zap.NewNop(), Options{
		Refresher: RefreshFunc(func(_ context.Context, e *domain.ReviewableEntity) error {
			refreshed = append(refreshed, e.ID)
			return errors.New("list reload failed")
		}),
	})

	_, err := d.Submit(context.Background(), approve(domain.KindDocument, "d-1", domain.RoleSDU))
	require.NoError(t, err, "refresh failure does not undo a confirmed transition")

	_, err = d.Submit(context.Background(), approve(domain.KindDocument, "d-1", domain.RoleSDU))
	require.Error(t, err)

	assert.Equal(t, []string{"d-1"}, refreshed)
}

func TestSubmit_RevisionNotesSent(t *testing.T) {
	store := newFakeStore("Pending")
	d := New(nil, store, zap.NewNop(), Options{})

	got, err := d.Submit(context.Background(), domain.TransitionRequest{
		Kind: domain.KindFinancialReport, EntityID: "f-1", Action: domain.ActionRequestRevision,
		ActorRole: domain.RoleAdviser, Notes: "Receipts missing for March",
	})
	require.NoError(t, err)
	assert.Equal(t, "Revision From Adviser", got.Status.String())
	require.NotNil(t, store.posts[0].RevisionNotes)
	assert.Equal(t, "Receipts missing for March", *store.posts[0].RevisionNotes)
}

func TestMemoryGuard(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()

	ok, err := g.TryAcquire(ctx, "roster:1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = g.TryAcquire(ctx, "roster:1")
	assert.False(t, ok)

	require.NoError(t, g.Release(ctx, "roster:1"))
	ok, _ = g.TryAcquire(ctx, "roster:1")
	assert.True(t, ok)
}

// Два диспетчера (два процесса) с общим гардом: второй получает ErrAlreadyInFlight.
func TestSubmit_SharedGuardAcrossDispatchers(t *testing.T) {
	store := newFakeStore("Pending")
	store.release = make(chan struct{})
	store.started = make(chan struct{}, 1)
	guard := NewMemoryGuard()

	d1 := New(nil, store, zap.NewNop(), Options{Guard: guard})
	d2 := New(nil, store, zap.NewNop(), Options{Guard: guard})
	req := approve(domain.KindDocument, "d-1", domain.RoleSDU)

	errCh := make(chan error, 1)
	go func() {
		_, err := d1.Submit(context.Background(), req)
		errCh <- err
	}()
	<-store.started

	_, err := d2.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrAlreadyInFlight)
	assert.Equal(t, StateIdle, d2.Snapshot(domain.KindDocument, "d-1").State)

	close(store.release)
	require.NoError(t, <-errCh)
	assert.Equal(t, 1, store.postCount())
}

func TestRedisGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	a := NewRedisGuard(rdb, time.Minute, "instance-a")
	b := NewRedisGuard(rdb, time.Minute, "instance-b")

	ok, err := a.TryAcquire(ctx, "roster:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists(infra.InFlightKey("roster:1")))

	ok, err = b.TryAcquire(ctx, "roster:1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Чужой Release не снимает блокировку
	require.NoError(t, b.Release(ctx, "roster:1"))
	assert.True(t, mr.Exists(infra.InFlightKey("roster:1")))

	require.NoError(t, a.Release(ctx, "roster:1"))
	assert.False(t, mr.Exists(infra.InFlightKey("roster:1")))

	// TTL страхует от упавшего владельца
	ok, _ = a.TryAcquire(ctx, "roster:2")
	require.True(t, ok)
	mr.FastForward(2 * time.Minute)
	ok, _ = b.TryAcquire(ctx, "roster:2")
	assert.True(t, ok)
}

func TestSubmit_GuardUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	mr.Close()

	store := newFakeStore("Pending")
	d := New(nil, store, zap.NewNop(), Options{Guard: NewRedisGuard(rdb, time.Minute, "x")})

	_, err := d.Submit(context.Background(), approve(domain.KindDocument, "d-1", domain.RoleSDU))
	require.ErrorIs(t, err, ErrSubmissionFailed)
	assert.Zero(t, store.postCount())
	assert.Equal(t, StateIdleWithError, d.Snapshot(domain.KindDocument, "d-1").State)
}
