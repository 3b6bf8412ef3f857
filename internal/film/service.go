package film

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/halation/darkroom/internal/db"
	apperrors "github.com/halation/darkroom/internal/errors"
	"github.com/halation/darkroom/internal/images"
	"github.com/halation/darkroom/internal/ledger"
	"github.com/halation/darkroom/internal/logging"
	"github.com/halation/darkroom/internal/models"
	"github.com/halation/darkroom/internal/sync/queue"
)

// Costs holds the credit prices for paid actions beyond film purchase.
type Costs struct {
	SpeedUp       int
	PrintPerPhoto int
}

// DefaultCosts returns the stock pricing.
func DefaultCosts() Costs {
	return Costs{SpeedUp: 25, PrintPerPhoto: 10}
}

// stocks is the static film catalog. Purchasable stocks are not a
// persisted table; the catalog ships with the build.
var stocks = []models.FilmStock{
	{Name: "classic", Price: 20, Capacity: 24, AspectRatio: "3:4"},
	{Name: "bw400", Price: 25, Capacity: 24, AspectRatio: "3:4"},
	{Name: "slide", Price: 35, Capacity: 12, AspectRatio: "3:4"},
	{Name: "half-frame", Price: 15, Capacity: 48, AspectRatio: "3:4"},
	{Name: "wide", Price: 30, Capacity: 16, AspectRatio: "16:9"},
}

// Stocks returns the purchasable film catalog.
func Stocks() []models.FilmStock {
	out := make([]models.FilmStock, len(stocks))
	copy(out, stocks)
	return out
}

// StockByName looks up a catalog entry.
func StockByName(name string) (models.FilmStock, error) {
	for _, s := range stocks {
		if s.Name == name {
			return s, nil
		}
	}
	return models.FilmStock{}, apperrors.New(apperrors.ErrInvalid,
		fmt.Sprintf("unknown film stock %q", name))
}

// Unlocker confirms print unlock codes against the remote record.
type Unlocker interface {
	ConfirmUnlockCode(ctx context.Context, rollID, code string) (bool, error)
}

// Service is the presentation layer's entry point for everything a user
// does with film: buying, shooting, developing, sharing, printing. All
// mutations are synchronous local writes; remote side effects go through
// the operation queue.
type Service struct {
	repo     *db.Repository
	ledger   *ledger.Service
	queue    *queue.Queue
	pool     *images.Pool
	unlocker Unlocker

	assetsDir string
	windows   Windows
	costs     Costs
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex // capture serialization per user
}

// NewService creates a film Service. The unlocker may be nil when print
// unlock codes are not in play.
func NewService(repo *db.Repository, led *ledger.Service, q *queue.Queue, pool *images.Pool,
	unlocker Unlocker, assetsDir string, windows Windows, costs Costs) *Service {
	return &Service{
		repo:      repo,
		ledger:    led,
		queue:     q,
		pool:      pool,
		unlocker:  unlocker,
		assetsDir: assetsDir,
		windows:   windows,
		costs:     costs,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the time source. Used by tests to simulate the
// development wait window.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[userID] = lock
	}
	return lock
}

// StartRoll purchases film and loads it as the user's active roll. The
// remote debit happens first; no roll is created on speculative credit.
// Any existing active roll and its local photos are discarded.
func (s *Service) StartRoll(ctx context.Context, userID, stockName string) (*models.Roll, error) {
	stock, err := StockByName(stockName)
	if err != nil {
		return nil, err
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.ledger.Debit(ctx, userID, stock.Price, "film:"+stock.Name); err != nil {
		return nil, err
	}

	roll := &models.Roll{
		UserID:      userID,
		FilmType:    stock.Name,
		Capacity:    stock.Capacity,
		AspectRatio: stock.AspectRatio,
	}
	if err := s.repo.CreateRollReplacingActive(roll); err != nil {
		// The debit already stands remotely; give the credits back.
		if rerr := s.ledger.Refund(ctx, userID, stock.Price, "film:rollback"); rerr != nil {
			logging.Error("failed to refund after roll creation failure", rerr,
				map[string]interface{}{"user_id": userID})
		}
		return nil, err
	}

	logging.Info("roll started", map[string]interface{}{
		"user_id": userID, "roll_id": roll.ID.String(), "stock": stock.Name,
	})
	return roll, nil
}

// CapturePhoto runs the film filter on the shot, persists the asset to
// local storage and records the photo on the active roll. Filling the
// last frame completes the roll and queues its backup.
func (s *Service) CapturePhoto(ctx context.Context, userID string, data []byte, metadata []byte) (*models.Photo, *models.Roll, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	roll, err := s.repo.GetActiveRoll(userID)
	if err != nil {
		return nil, nil, err
	}
	if !CanCapture(roll) {
		if roll.IsFull() {
			return nil, nil, apperrors.New(apperrors.ErrRollFull, "roll has no frames left")
		}
		return nil, nil, apperrors.New(apperrors.ErrRollCompleted, "roll is completed")
	}

	filtered, err := s.pool.Apply(ctx, data, roll.FilmType)
	if err != nil {
		return nil, nil, err
	}

	photo := &models.Photo{
		UserID:   userID,
		Metadata: metadata,
	}
	path, err := s.writeAsset(roll, filtered)
	if err != nil {
		return nil, nil, err
	}
	photo.LocalPath = path

	updated, err := s.repo.CapturePhoto(roll.ID, photo, s.now().Unix())
	if err != nil {
		os.Remove(path)
		return nil, nil, err
	}

	if updated.IsCompleted() {
		s.queueBackup(userID, updated.ID)
	}
	return photo, updated, nil
}

func (s *Service) writeAsset(roll *models.Roll, data []byte) (string, error) {
	dir := filepath.Join(s.assetsDir, roll.ID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to create asset directory", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d-%d.jpg", roll.ShotsUsed+1, s.now().UnixNano()))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to write asset", err)
	}
	return path, nil
}

// queueBackup enqueues a backup_roll operation. Enqueue failures are
// logged, not surfaced: the roll stays fully usable locally and the next
// completion-related action re-queues it.
func (s *Service) queueBackup(userID string, rollID models.UUID) {
	if _, err := s.queue.Enqueue(userID, models.OpBackupRoll, models.BackupRollPayload{RollID: rollID}); err != nil {
		logging.Error("failed to queue roll backup", err, map[string]interface{}{
			"roll_id": rollID.String(),
		})
	}
}

// FinishRoll closes the active roll early, before the last frame. The
// roll enters the development wait and its backup is queued.
func (s *Service) FinishRoll(ctx context.Context, userID string) (*models.Roll, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	roll, err := s.repo.GetActiveRoll(userID)
	if err != nil {
		return nil, err
	}

	finished, err := s.repo.FinishRoll(roll.ID, s.now().Unix())
	if err != nil {
		return nil, err
	}

	s.queueBackup(userID, finished.ID)
	return finished, nil
}

// DevelopRoll reveals a roll's photos once development is done. A roll
// still in its wait window, or a printed roll with an unconfirmed unlock
// code, stays sealed.
func (s *Service) DevelopRoll(rollID string) (*models.Roll, []*models.Photo, error) {
	roll, err := s.repo.GetRoll(rollID)
	if err != nil {
		return nil, nil, err
	}

	if !IsDeveloped(roll, s.now(), s.windows) {
		return nil, nil, apperrors.New(apperrors.ErrRollDeveloped, "roll is still developing")
	}
	if !roll.PhotosVisible() {
		return nil, nil, apperrors.New(apperrors.ErrRollLocked, "roll is locked behind an unlock code")
	}

	photos, err := s.repo.ListPhotosByRoll(roll.ID)
	if err != nil {
		return nil, nil, err
	}
	return roll, photos, nil
}

// SpeedUpDevelopment pays to finish development immediately. The debit
// happens remote-first; developed_at is only stamped after the charge
// succeeds. The check, debit and stamp run under the user lock so a
// double trigger charges at most once.
func (s *Service) SpeedUpDevelopment(ctx context.Context, userID, rollID string) (*models.Roll, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	roll, err := s.repo.GetRoll(rollID)
	if err != nil {
		return nil, err
	}
	if !CanSpeedUp(roll, s.now(), s.windows) {
		return nil, apperrors.New(apperrors.ErrRollDeveloped, "roll is not awaiting development")
	}

	if err := s.ledger.Debit(ctx, userID, s.costs.SpeedUp, "develop:speedup"); err != nil {
		return nil, err
	}

	if err := s.repo.SetDevelopedAt(roll.ID, s.now().Unix()); err != nil {
		// The debit already stands remotely; give the credits back.
		if rerr := s.ledger.Refund(ctx, userID, s.costs.SpeedUp, "develop:rollback"); rerr != nil {
			logging.Error("failed to refund after speed-up failure", rerr,
				map[string]interface{}{"user_id": userID, "roll_id": rollID})
		}
		return nil, err
	}
	return s.repo.GetRoll(rollID)
}

// RenameRoll sets the roll's title. Titles are unique per user once set.
func (s *Service) RenameRoll(rollID, title string) (*models.Roll, error) {
	roll, err := s.repo.GetRoll(rollID)
	if err != nil {
		return nil, err
	}
	roll.Title = &title
	if err := s.repo.UpdateRoll(roll); err != nil {
		return nil, err
	}
	return roll, nil
}

// TagRoll replaces the roll's tag list.
func (s *Service) TagRoll(rollID, tags string) (*models.Roll, error) {
	roll, err := s.repo.GetRoll(rollID)
	if err != nil {
		return nil, err
	}
	roll.Tags = tags
	if err := s.repo.UpdateRoll(roll); err != nil {
		return nil, err
	}
	return roll, nil
}

// SetArchived archives or unarchives a developed roll. Archiving is
// reversible and local-only.
func (s *Service) SetArchived(rollID string, archived bool) (*models.Roll, error) {
	roll, err := s.repo.GetRoll(rollID)
	if err != nil {
		return nil, err
	}
	if archived && !IsDeveloped(roll, s.now(), s.windows) {
		return nil, apperrors.New(apperrors.ErrRollDeveloped, "only developed rolls can be archived")
	}
	roll.Archived = archived
	if err := s.repo.UpdateRoll(roll); err != nil {
		return nil, err
	}
	return roll, nil
}

// DeleteRoll removes a roll and all its photos locally. When the roll has
// any remote footprint a delete_roll operation is queued; a purely local
// roll leaves no remote work behind.
func (s *Service) DeleteRoll(userID, rollID string) error {
	roll, err := s.repo.GetRoll(rollID)
	if err != nil {
		return err
	}

	var op *models.PendingOperation
	if roll.SyncStatus != models.SyncLocalOnly {
		payload, err := queue.EncodePayload(models.DeleteRollPayload{RollID: roll.ID})
		if err != nil {
			return err
		}
		op = &models.PendingOperation{
			UserID:  userID,
			Kind:    models.OpDeleteRoll,
			Payload: payload,
		}
	}

	if err := s.repo.DeleteRollCascade(roll.ID, op); err != nil {
		return err
	}
	if op != nil {
		s.queue.Kick()
	}

	// Local assets are best-effort cleanup; orphaned files are harmless.
	os.RemoveAll(filepath.Join(s.assetsDir, roll.ID.String()))
	return nil
}

// ConfirmUnlockCode checks a printed roll's code against the remote
// record and unlocks the photos on a match.
func (s *Service) ConfirmUnlockCode(ctx context.Context, rollID, code string) (*models.Roll, error) {
	roll, err := s.repo.GetRoll(rollID)
	if err != nil {
		return nil, err
	}
	if roll.UnlockCode == nil || roll.Unlocked {
		return roll, nil
	}
	if s.unlocker == nil {
		return nil, apperrors.New(apperrors.ErrNetworkUnavailable, "unlock confirmation requires the remote service")
	}

	ok, err := s.unlocker.ConfirmUnlockCode(ctx, rollID, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.New(apperrors.ErrRollLocked, "unlock code rejected")
	}

	roll.Unlocked = true
	if err := s.repo.UpdateRoll(roll); err != nil {
		return nil, err
	}
	return roll, nil
}

// EnqueueCreatePost queues sharing a developed roll to the feed. The
// caption survives retries because it rides in the durable payload.
func (s *Service) EnqueueCreatePost(userID, rollID, caption, albumID string) (*models.PendingOperation, error) {
	roll, err := s.repo.GetRoll(rollID)
	if err != nil {
		return nil, err
	}
	if !IsDeveloped(roll, s.now(), s.windows) {
		return nil, apperrors.New(apperrors.ErrRollDeveloped, "roll is still developing")
	}
	if !roll.PhotosVisible() {
		return nil, apperrors.New(apperrors.ErrRollLocked, "roll is locked behind an unlock code")
	}

	return s.queue.Enqueue(userID, models.OpCreatePost, models.CreatePostPayload{
		RollID:  roll.ID,
		Caption: caption,
		AlbumID: albumID,
	})
}

// EnqueuePrintOrder queues a physical print purchase for photos of one
// roll. Affordability is checked against the cached balance; the remote
// charge happens during the drain with the queue entry id as idempotency
// key. The roll switches to the longer print development window.
func (s *Service) EnqueuePrintOrder(userID, rollID string, photoIDs []models.UUID) (*models.PendingOperation, error) {
	if len(photoIDs) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "no photos selected")
	}

	roll, err := s.repo.GetRoll(rollID)
	if err != nil {
		return nil, err
	}

	cost := len(photoIDs) * s.costs.PrintPerPhoto
	balance, err := s.ledger.Balance(userID)
	if err != nil {
		return nil, err
	}
	if balance < cost {
		return nil, apperrors.New(apperrors.ErrInsufficientCredits, "not enough credits for prints")
	}

	if !roll.PrintOrdered {
		roll.PrintOrdered = true
		if err := s.repo.UpdateRoll(roll); err != nil {
			return nil, err
		}
	}

	return s.queue.Enqueue(userID, models.OpPurchasePrint, models.PurchasePrintPayload{
		RollID:       roll.ID,
		PhotoIDs:     photoIDs,
		CostPerPhoto: s.costs.PrintPerPhoto,
	})
}

// CancelPrintOrder refunds a print purchase. The remote side owns the
// order record; locally only the credits move.
func (s *Service) CancelPrintOrder(ctx context.Context, userID string, photoCount int) error {
	if photoCount <= 0 {
		return apperrors.New(apperrors.ErrInvalid, "nothing to refund")
	}
	return s.ledger.Refund(ctx, userID, photoCount*s.costs.PrintPerPhoto, "print:cancel")
}

// RetryFailedOperation puts a failed queue entry back in line.
func (s *Service) RetryFailedOperation(id int64) error {
	return s.queue.Retry(id)
}

// DiscardFailedOperation drops a failed queue entry without running it.
func (s *Service) DiscardFailedOperation(id int64) error {
	return s.queue.Discard(id)
}

// ActiveRoll returns the user's roll currently open for capture.
func (s *Service) ActiveRoll(userID string) (*models.Roll, error) {
	return s.repo.GetActiveRoll(userID)
}

// RollsByStage groups the user's rolls by derived lifecycle stage.
func (s *Service) RollsByStage(userID string) (map[Stage][]*models.Roll, error) {
	rolls, err := s.repo.ListRolls(userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	grouped := make(map[Stage][]*models.Roll)
	for _, roll := range rolls {
		stage := StageOf(roll, now, s.windows)
		grouped[stage] = append(grouped[stage], roll)
	}
	return grouped, nil
}

// PendingOperations lists queue entries awaiting drain, oldest first.
func (s *Service) PendingOperations(userID string) ([]*models.PendingOperation, error) {
	return s.queue.Pending(userID)
}

// FailedOperations lists queue entries awaiting manual retry or discard.
func (s *Service) FailedOperations(userID string) ([]*models.PendingOperation, error) {
	return s.queue.Failed(userID)
}

// QueueStats returns pending/failed counts for the sync indicator.
func (s *Service) QueueStats(userID string) (queue.Stats, error) {
	return s.queue.Stats(userID)
}
