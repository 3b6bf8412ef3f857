package film

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halation/darkroom/internal/db"
	apperrors "github.com/halation/darkroom/internal/errors"
	"github.com/halation/darkroom/internal/images"
	"github.com/halation/darkroom/internal/ledger"
	"github.com/halation/darkroom/internal/models"
	"github.com/halation/darkroom/internal/sync/queue"
)

// creditServer backs the ledger in tests. It enforces overdraft rejection
// the way the remote profile record does.
type creditServer struct {
	mu      sync.Mutex
	balance int
	err     error
	calls   int
	delay   time.Duration
}

func (c *creditServer) AdjustCredits(ctx context.Context, userID string, delta int, reason string) (int, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return 0, c.err
	}
	if c.balance+delta < 0 {
		return 0, apperrors.New(apperrors.ErrInsufficientCredits, "overdraft rejected")
	}
	c.balance += delta
	return c.balance, nil
}

func (c *creditServer) current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance
}

func (c *creditServer) FetchProfile(ctx context.Context, userID string) (string, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", 0, c.err
	}
	return "tester", c.balance, nil
}

type fakeUnlocker struct {
	accept bool
	err    error
}

func (f *fakeUnlocker) ConfirmUnlockCode(ctx context.Context, rollID, code string) (bool, error) {
	return f.accept, f.err
}

type serviceFixture struct {
	repo    *db.Repository
	queue   *queue.Queue
	credits *creditServer
	unlock  *fakeUnlocker
	service *Service
	clock   time.Time
}

func newServiceFixture(t *testing.T, credits int) *serviceFixture {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database.DB))

	repo := db.NewRepository(database.DB, db.NewNotifier())
	t.Cleanup(func() { repo.Close() })

	server := &creditServer{balance: credits}
	led := ledger.NewService(repo, server)
	require.NoError(t, repo.UpsertProfile(&models.Profile{UserID: "u1", Username: "tester", Credits: credits}))

	pool := images.NewPool(4, 1, images.Identity)
	pool.Start()
	t.Cleanup(pool.Stop)

	q := queue.New(repo)
	unlock := &fakeUnlocker{accept: true}

	fx := &serviceFixture{
		repo:    repo,
		queue:   q,
		credits: server,
		unlock:  unlock,
		clock:   time.Unix(1_700_000_000, 0),
	}
	fx.service = NewService(repo, led, q, pool, unlock, t.TempDir(), DefaultWindows(), DefaultCosts())
	fx.service.SetClock(func() time.Time { return fx.clock })
	return fx
}

func (fx *serviceFixture) advance(d time.Duration) {
	fx.clock = fx.clock.Add(d)
}

// useStock swaps the catalog for the test's duration.
func useStock(t *testing.T, stock models.FilmStock) {
	t.Helper()
	saved := stocks
	stocks = []models.FilmStock{stock}
	t.Cleanup(func() { stocks = saved })
}

func (fx *serviceFixture) capture(t *testing.T) *models.Roll {
	t.Helper()
	_, roll, err := fx.service.CapturePhoto(context.Background(), "u1", []byte("shot"), nil)
	require.NoError(t, err)
	return roll
}

func TestStartRollDebitsThenCreates(t *testing.T) {
	fx := newServiceFixture(t, 30)

	roll, err := fx.service.StartRoll(context.Background(), "u1", "classic")
	require.NoError(t, err)

	assert.Equal(t, 10, fx.credits.balance, "film price debited remotely")
	assert.Equal(t, "classic", roll.FilmType)
	assert.Equal(t, models.SyncLocalOnly, roll.SyncStatus)

	active, err := fx.service.ActiveRoll("u1")
	require.NoError(t, err)
	assert.Equal(t, roll.ID, active.ID)
}

func TestStartRollInsufficientCredits(t *testing.T) {
	fx := newServiceFixture(t, 10)

	_, err := fx.service.StartRoll(context.Background(), "u1", "classic")
	assert.True(t, apperrors.Is(err, apperrors.ErrInsufficientCredits))

	assert.Equal(t, 10, fx.credits.balance, "remote balance untouched")
	assert.Zero(t, fx.credits.calls, "overdraft is caught before the remote call")

	_, err = fx.service.ActiveRoll("u1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNoActiveRoll), "no roll created on speculative credit")
}

func TestStartRollUnknownStock(t *testing.T) {
	fx := newServiceFixture(t, 100)
	_, err := fx.service.StartRoll(context.Background(), "u1", "polaroid")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestCaptureCompletesRollAndQueuesBackup(t *testing.T) {
	useStock(t, models.FilmStock{Name: "mini", Price: 20, Capacity: 2, AspectRatio: "3:4"})
	fx := newServiceFixture(t, 30)

	_, err := fx.service.StartRoll(context.Background(), "u1", "mini")
	require.NoError(t, err)

	roll := fx.capture(t)
	assert.Equal(t, 1, roll.ShotsUsed)
	assert.False(t, roll.IsCompleted())

	roll = fx.capture(t)
	assert.Equal(t, 2, roll.ShotsUsed)
	assert.True(t, roll.IsCompleted(), "last frame completes the roll")

	pending, err := fx.queue.Pending("u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OpBackupRoll, pending[0].Kind)

	_, _, err = fx.service.CapturePhoto(context.Background(), "u1", []byte("extra"), nil)
	assert.Error(t, err, "capture beyond capacity is rejected")

	_, err = fx.service.ActiveRoll("u1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNoActiveRoll), "completed roll is no longer active")
}

func TestCaptureWritesAssetFile(t *testing.T) {
	useStock(t, models.FilmStock{Name: "mini", Price: 20, Capacity: 3, AspectRatio: "3:4"})
	fx := newServiceFixture(t, 30)

	_, err := fx.service.StartRoll(context.Background(), "u1", "mini")
	require.NoError(t, err)

	photo, _, err := fx.service.CapturePhoto(context.Background(), "u1", []byte("raw shot"), []byte(`{"iso":400}`))
	require.NoError(t, err)

	data, err := os.ReadFile(photo.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw shot"), data)
}

func TestFinishRollEarly(t *testing.T) {
	useStock(t, models.FilmStock{Name: "mini", Price: 20, Capacity: 10, AspectRatio: "3:4"})
	fx := newServiceFixture(t, 30)

	_, err := fx.service.StartRoll(context.Background(), "u1", "mini")
	require.NoError(t, err)
	fx.capture(t)

	finished, err := fx.service.FinishRoll(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, finished.IsCompleted())
	assert.Equal(t, 1, finished.ShotsUsed, "unused frames are forfeited")

	pending, err := fx.queue.Pending("u1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDevelopRollGatedByWindow(t *testing.T) {
	useStock(t, models.FilmStock{Name: "mini", Price: 20, Capacity: 1, AspectRatio: "3:4"})
	fx := newServiceFixture(t, 30)

	_, err := fx.service.StartRoll(context.Background(), "u1", "mini")
	require.NoError(t, err)
	roll := fx.capture(t)

	_, _, err = fx.service.DevelopRoll(roll.ID.String())
	assert.True(t, apperrors.Is(err, apperrors.ErrRollDeveloped), "sealed during the wait window")

	fx.advance(73 * time.Hour)

	got, photos, err := fx.service.DevelopRoll(roll.ID.String())
	require.NoError(t, err)
	assert.Nil(t, got.DevelopedAt, "window development stores no mutation")
	assert.Len(t, photos, 1)
}

func TestDevelopRollGatedByUnlockCode(t *testing.T) {
	useStock(t, models.FilmStock{Name: "mini", Price: 20, Capacity: 1, AspectRatio: "3:4"})
	fx := newServiceFixture(t, 30)

	_, err := fx.service.StartRoll(context.Background(), "u1", "mini")
	require.NoError(t, err)
	roll := fx.capture(t)

	code := "PRINT-1234"
	roll.UnlockCode = &code
	require.NoError(t, fx.repo.UpdateRoll(roll))
	fx.advance(8 * 24 * time.Hour)

	_, _, err = fx.service.DevelopRoll(roll.ID.String())
	assert.True(t, apperrors.Is(err, apperrors.ErrRollLocked), "timer elapse does not bypass the code")

	unlocked, err := fx.service.ConfirmUnlockCode(context.Background(), roll.ID.String(), code)
	require.NoError(t, err)
	assert.True(t, unlocked.Unlocked)

	_, photos, err := fx.service.DevelopRoll(roll.ID.String())
	require.NoError(t, err)
	assert.Len(t, photos, 1)
}

func TestConfirmUnlockCodeRejected(t *testing.T) {
	useStock(t, models.FilmStock{Name: "mini", Price: 20, Capacity: 1, AspectRatio: "3:4"})
	fx := newServiceFixture(t, 30)
	fx.unlock.accept = false

	_, err := fx.service.StartRoll(context.Background(), "u1", "mini")
	require.NoError(t, err)
	roll := fx.capture(t)

	code := "PRINT-1234"
	roll.UnlockCode = &code
	require.NoError(t, fx.repo.UpdateRoll(roll))

	_, err = fx.service.ConfirmUnlockCode(context.Background(), roll.ID.String(), "wrong")
	assert.True(t, apperrors.Is(err, apperrors.ErrRollLocked))
}

func TestSpeedUpDevelopment(t *testing.T) {
	useStock(t, models.FilmStock{Name: "mini", Price: 20, Capacity: 1, AspectRatio: "3:4"})
	fx := newServiceFixture(t, 60)

	_, err := fx.service.StartRoll(context.Background(), "u1", "mini")
	require.NoError(t, err)
	roll := fx.capture(t)

	developed, err := fx.service.SpeedUpDevelopment(context.Background(), "u1", roll.ID.String())
	require.NoError(t, err)
	require.NotNil(t, developed.DevelopedAt)
	assert.Equal(t, 15, fx.credits.balance, "film 20 + speedup 25 debited")

	_, err = fx.service.SpeedUpDevelopment(context.Background(), "u1", roll.ID.String())
	assert.True(t, apperrors.Is(err, apperrors.ErrRollDeveloped), "already developed rejects re-entry")
}

func TestConcurrentSpeedUpChargesOnce(t *testing.T) {
	useStock(t, models.FilmStock{Name: "mini", Price: 20, Capacity: 1, AspectRatio: "3:4"})
	fx := newServiceFixture(t, 80)

	_, err := fx.service.StartRoll(context.Background(), "u1", "mini")
	require.NoError(t, err)
	roll := fx.capture(t)

	// A slow remote widens the window between check and stamp.
	fx.credits.delay = 100 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.service.SpeedUpDevelopment(context.Background(), "u1", roll.ID.String())
		}(i)
	}
	wg.Wait()

	var succeeded, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case apperrors.Is(err, apperrors.ErrRollDeveloped):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one trigger stamps developed_at")
	assert.Equal(t, 1, rejected, "the loser is rejected before any debit")
	assert.Equal(t, 35, fx.credits.current(), "rejected speed-up must not leave a standing charge")
}

func TestConcurrentStartRollSingleCharge(t *testing.T) {
	useStock(t, models.FilmStock{Name: "mini", Price: 20, Capacity: 1, AspectRatio: "3:4"})
	fx := newServiceFixture(t, 20)

	fx.credits.delay = 100 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.service.StartRoll(context.Background(), "u1", "mini")
		}(i)
	}
	wg.Wait()

	var succeeded, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case apperrors.Is(err, apperrors.ErrInsufficientCredits):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)
	assert.Zero(t, fx.credits.current())

	active, err := fx.service.ActiveRoll("u1")
	require.NoError(t, err)
	assert.Equal(t, "mini", active.FilmType, "the paid-for roll survives the rejected double tap")
}

// Scenario: credits=30, film costs 20 with capacity 3; three captures
// complete the roll; speed-up costing 25 against the remaining 10 fails
// and stamps nothing.
func TestFilmPurchaseAndSpeedUpScenario(t *testing.T) {
	useStock(t, models.FilmStock{Name: "trial", Price: 20, Capacity: 3, AspectRatio: "3:4"})
	fx := newServiceFixture(t, 30)

	roll, err := fx.service.StartRoll(context.Background(), "u1", "trial")
	require.NoError(t, err)
	assert.Equal(t, 10, fx.credits.balance)
	assert.Equal(t, 0, roll.ShotsUsed)
	assert.Equal(t, 3, roll.Capacity)

	for i := 0; i < 3; i++ {
		roll = fx.capture(t)
	}
	assert.True(t, roll.IsCompleted())
	_, err = fx.service.ActiveRoll("u1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNoActiveRoll))

	_, err = fx.service.SpeedUpDevelopment(context.Background(), "u1", roll.ID.String())
	assert.True(t, apperrors.Is(err, apperrors.ErrInsufficientCredits))

	got, err := fx.repo.GetRoll(roll.ID.String())
	require.NoError(t, err)
	assert.Nil(t, got.DevelopedAt)
	assert.Equal(t, 10, fx.credits.balance)

	fx.advance(4 * 24 * time.Hour)
	assert.True(t, IsDeveloped(got, fx.clock, DefaultWindows()), "window elapse develops without stored mutation")
}

func TestRenameRollDuplicateTitle(t *testing.T) {
	useStock(t, models.FilmStock{Name: "mini", Price: 10, Capacity: 1, AspectRatio: "3:4"})
	fx := newServiceFixture(t, 100)

	first, err := fx.service.StartRoll(context.Background(), "u1", "mini")
	require.NoError(t, err)
	fx.capture(t)

	_, err = fx.service.RenameRoll(first.ID.String(), "summer")
	require.NoError(t, err)

	second, err := fx.service.StartRoll(context.Background(), "u1", "mini")
	require.NoError(t, err)

	_, err = fx.service.RenameRoll(second.ID.String(), "summer")
	assert.True(t, apperrors.Is(err, apperrors.ErrDuplicateTitle))
}

func TestSetArchivedRequiresDeveloped(t *testing.T) {
	useStock(t, models.FilmStock{Name: "mini", Price: 10, Capacity: 1, AspectRatio: "3:4"})
	fx := newServiceFixture(t, 100)

	_, err := fx.service.StartRoll(context.Background(), "u1", "mini")
	require.NoError(t, err)
	roll := fx.capture(t)

	_, err = fx.service.SetArchived(roll.ID.String(), true)
	assert.True(t, apperrors.Is(err, apperrors.ErrRollDeveloped))

	fx.advance(4 * 24 * time.Hour)

	archived, err := fx.service.SetArchived(roll.ID.String(), true)
	require.NoError(t, err)
	assert.True(t, archived.Archived)

	restored, err := fx.service.SetArchived(roll.ID.String(), false)
	require.NoError(t, err)
	assert.False(t, restored.Archived)
}

func TestDeleteLocalOnlyRollLeavesNoRemoteWork(t *testing.T) {
	useStock(t, models.FilmStock{Name: "mini", Price: 10, Capacity: 2, AspectRatio: "3:4"})
	fx := newServiceFixture(t, 100)

	roll, err := fx.service.StartRoll(context.Background(), "u1", "mini")
	require.NoError(t, err)
	fx.capture(t)

	require.NoError(t, fx.service.DeleteRoll("u1", roll.ID.String()))

	_, err = fx.repo.GetRoll(roll.ID.String())
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	stats, err := fx.queue.Stats("u1")
	require.NoError(t, err)
	assert.Zero(t, stats.Pending, "local-only deletion queues nothing")
}

func TestDeleteSyncedRollQueuesRemoteDeletion(t *testing.T) {
	useStock(t, models.FilmStock{Name: "mini", Price: 10, Capacity: 1, AspectRatio: "3:4"})
	fx := newServiceFixture(t, 100)

	_, err := fx.service.StartRoll(context.Background(), "u1", "mini")
	require.NoError(t, err)
	roll := fx.capture(t)

	require.NoError(t, fx.repo.SetRollSyncStatus(roll.ID, models.SyncLocalOnly, models.SyncSyncing))
	require.NoError(t, fx.repo.SetRollSyncStatus(roll.ID, models.SyncSyncing, models.SyncSynced))

	require.NoError(t, fx.service.DeleteRoll("u1", roll.ID.String()))

	photos, err := fx.repo.ListPhotosByRoll(roll.ID)
	require.NoError(t, err)
	assert.Empty(t, photos, "photos removed with the roll")

	// The backup entry from completion plus exactly one delete_roll.
	pending, err := fx.queue.Pending("u1")
	require.NoError(t, err)
	deletes := 0
	for _, op := range pending {
		if op.Kind == models.OpDeleteRoll {
			deletes++
		}
	}
	assert.Equal(t, 1, deletes)
}

func TestEnqueueCreatePostRequiresDevelopedRoll(t *testing.T) {
	useStock(t, models.FilmStock{Name: "mini", Price: 10, Capacity: 1, AspectRatio: "3:4"})
	fx := newServiceFixture(t, 100)

	_, err := fx.service.StartRoll(context.Background(), "u1", "mini")
	require.NoError(t, err)
	roll := fx.capture(t)

	_, err = fx.service.EnqueueCreatePost("u1", roll.ID.String(), "caption", "")
	assert.True(t, apperrors.Is(err, apperrors.ErrRollDeveloped))

	fx.advance(4 * 24 * time.Hour)

	op, err := fx.service.EnqueueCreatePost("u1", roll.ID.String(), "caption", "")
	require.NoError(t, err)
	assert.Equal(t, models.OpCreatePost, op.Kind)

	got, err := fx.repo.GetRoll(roll.ID.String())
	require.NoError(t, err)
	assert.Equal(t, models.SyncLocalOnly, got.SyncStatus, "enqueueing does not touch sync status")
}

func TestEnqueuePrintOrder(t *testing.T) {
	useStock(t, models.FilmStock{Name: "mini", Price: 10, Capacity: 2, AspectRatio: "3:4"})
	fx := newServiceFixture(t, 100)

	_, err := fx.service.StartRoll(context.Background(), "u1", "mini")
	require.NoError(t, err)
	fx.capture(t)
	roll := fx.capture(t)

	photos, err := fx.repo.ListPhotosByRoll(roll.ID)
	require.NoError(t, err)
	ids := []models.UUID{photos[0].ID, photos[1].ID}

	op, err := fx.service.EnqueuePrintOrder("u1", roll.ID.String(), ids)
	require.NoError(t, err)
	assert.Equal(t, models.OpPurchasePrint, op.Kind)

	got, err := fx.repo.GetRoll(roll.ID.String())
	require.NoError(t, err)
	assert.True(t, got.PrintOrdered, "print order extends the development window")
}

func TestEnqueuePrintOrderInsufficientCredits(t *testing.T) {
	useStock(t, models.FilmStock{Name: "mini", Price: 10, Capacity: 1, AspectRatio: "3:4"})
	fx := newServiceFixture(t, 15)

	_, err := fx.service.StartRoll(context.Background(), "u1", "mini")
	require.NoError(t, err)
	roll := fx.capture(t)

	photos, err := fx.repo.ListPhotosByRoll(roll.ID)
	require.NoError(t, err)

	// Balance 5 after film; one print costs 10.
	_, err = fx.service.EnqueuePrintOrder("u1", roll.ID.String(), []models.UUID{photos[0].ID})
	assert.True(t, apperrors.Is(err, apperrors.ErrInsufficientCredits))

	stats, err := fx.queue.Stats("u1")
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestRollsByStage(t *testing.T) {
	useStock(t, models.FilmStock{Name: "mini", Price: 10, Capacity: 1, AspectRatio: "3:4"})
	fx := newServiceFixture(t, 100)

	_, err := fx.service.StartRoll(context.Background(), "u1", "mini")
	require.NoError(t, err)
	developed := fx.capture(t)
	fx.advance(4 * 24 * time.Hour)

	capturing, err := fx.service.StartRoll(context.Background(), "u1", "mini")
	require.NoError(t, err)

	grouped, err := fx.service.RollsByStage("u1")
	require.NoError(t, err)

	require.Len(t, grouped[StageCapturing], 1)
	assert.Equal(t, capturing.ID, grouped[StageCapturing][0].ID)
	require.Len(t, grouped[StageDeveloped], 1)
	assert.Equal(t, developed.ID, grouped[StageDeveloped][0].ID)
}
