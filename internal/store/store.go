package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"pose-studio-backend/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence layer for generations, generated items and
// avatars. Checkpoint counters are only ever updated with atomic
// in-database increments, never read-modify-write from memory.
type Store struct {
	db *sql.DB
}

func New(connectionString string) (*Store, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const generationColumns = `id, user_id, avatar_id, status, prompt,
	total_expected_items, items_completed, items_failed, selected_pose_ids,
	fashion_settings, background_settings, profession_theme,
	queue_job_id, recovery_attempts, last_recovery_at,
	started_at, completed_at, error_message,
	credit_charged, credit_refunded, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGeneration(row rowScanner) (*models.Generation, error) {
	var gen models.Generation
	var selectedPoseIDs, fashionSettings, backgroundSettings []byte
	err := row.Scan(
		&gen.ID, &gen.UserID, &gen.AvatarID, &gen.Status, &gen.Prompt,
		&gen.TotalExpectedItems, &gen.ItemsCompleted, &gen.ItemsFailed, &selectedPoseIDs,
		&fashionSettings, &backgroundSettings, &gen.ProfessionTheme,
		&gen.QueueJobID, &gen.RecoveryAttempts, &gen.LastRecoveryAt,
		&gen.StartedAt, &gen.CompletedAt, &gen.ErrorMessage,
		&gen.CreditCharged, &gen.CreditRefunded, &gen.CreatedAt, &gen.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan generation: %w", err)
	}
	gen.SelectedPoseIDs = selectedPoseIDs
	gen.FashionSettings = fashionSettings
	gen.BackgroundSettings = backgroundSettings
	return &gen, nil
}

func (s *Store) CreateGeneration(ctx context.Context, gen *models.Generation) (*models.Generation, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO generations (id, user_id, avatar_id, status, prompt,
			total_expected_items, selected_pose_ids,
			fashion_settings, background_settings, profession_theme, credit_charged)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+generationColumns,
		gen.ID, gen.UserID, gen.AvatarID, models.StatusPending, gen.Prompt,
		gen.TotalExpectedItems, []byte(gen.SelectedPoseIDs),
		nullableJSON(gen.FashionSettings), nullableJSON(gen.BackgroundSettings),
		gen.ProfessionTheme, gen.CreditCharged,
	)

	created, err := scanGeneration(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation: %w", err)
	}
	return created, nil
}

func (s *Store) GetGeneration(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE id = $1`, id)
	return scanGeneration(row)
}

func (s *Store) GetUserGeneration(ctx context.Context, id, userID uuid.UUID) (*models.Generation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE id = $1 AND user_id = $2`, id, userID)
	return scanGeneration(row)
}

func (s *Store) ListGenerations(ctx context.Context, userID uuid.UUID) ([]models.Generation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+generationColumns+`
		FROM generations
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 50
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	defer rows.Close()

	var generations []models.Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		generations = append(generations, *gen)
	}
	return generations, rows.Err()
}

// MarkQueued records the queue job for a fresh generation and moves it
// from pending to queued. The update is conditional on pending: queued
// must never overwrite a later status, so a late call after the worker
// has already picked the job up is a no-op.
func (s *Store) MarkQueued(ctx context.Context, id uuid.UUID, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE generations
		SET status = $1, queue_job_id = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`, models.StatusQueued, jobID, id, models.StatusPending)
	return err
}

// MarkProcessing is idempotent on resume: started_at is only set the
// first time the generation enters processing.
func (s *Store) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE generations
		SET status = $1, started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $2
	`, models.StatusProcessing, id)
	return err
}

func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE generations
		SET status = $1, completed_at = NOW(), updated_at = NOW()
		WHERE id = $2
	`, models.StatusCompleted, id)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE generations
		SET status = $1, error_message = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $3
	`, models.StatusFailed, errorMsg, id)
	return err
}

func (s *Store) IncrementItemsCompleted(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE generations
		SET items_completed = items_completed + 1, updated_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

func (s *Store) IncrementItemsFailed(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE generations
		SET items_failed = items_failed + 1, updated_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

func (s *Store) AddCreditRefunded(ctx context.Context, id uuid.UUID, amount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE generations
		SET credit_refunded = credit_refunded + $1, updated_at = NOW()
		WHERE id = $2
	`, amount, id)
	return err
}

// ListStalledGenerations returns generations stuck in processing since
// before the cutoff. Candidates for the recovery service.
func (s *Store) ListStalledGenerations(ctx context.Context, cutoff time.Time) ([]models.Generation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+generationColumns+`
		FROM generations
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at ASC
	`, models.StatusProcessing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled generations: %w", err)
	}
	defer rows.Close()

	var generations []models.Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		generations = append(generations, *gen)
	}
	return generations, rows.Err()
}

// FailTimedOut force-fails every generation processing since before the
// cutoff, regardless of recovery attempts. Hard timeout backstop.
func (s *Store) FailTimedOut(ctx context.Context, cutoff time.Time, errorMsg string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE generations
		SET status = $1, error_message = $2, completed_at = NOW(), updated_at = NOW()
		WHERE status = $3 AND started_at < $4
	`, models.StatusFailed, errorMsg, models.StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark timed-out generations: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) CreateGeneratedItem(ctx context.Context, item *models.GeneratedItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generated_items (id, generation_id, pose_template_id,
			output_url, applied_stages, success, error_message, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.GenerationID, item.PoseTemplateID,
		item.OutputURL, nullableJSON(item.AppliedStages), item.Success,
		item.ErrorMessage, item.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to create generated item: %w", err)
	}
	return nil
}

func (s *Store) ListGeneratedItems(ctx context.Context, generationID uuid.UUID) ([]models.GeneratedItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, generation_id, pose_template_id, output_url, applied_stages,
			success, error_message, duration_ms, created_at
		FROM generated_items
		WHERE generation_id = $1
		ORDER BY created_at ASC
	`, generationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list generated items: %w", err)
	}
	defer rows.Close()

	var items []models.GeneratedItem
	for rows.Next() {
		var item models.GeneratedItem
		var appliedStages []byte
		err := rows.Scan(
			&item.ID, &item.GenerationID, &item.PoseTemplateID, &item.OutputURL,
			&appliedStages, &item.Success, &item.ErrorMessage, &item.DurationMs,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generated item: %w", err)
		}
		item.AppliedStages = appliedStages
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) CreateAvatar(ctx context.Context, avatar *models.Avatar) (*models.Avatar, error) {
	var created models.Avatar
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO avatars (id, user_id, name, base_image_url)
		VALUES ($1, $2, $3, $4)
		RETURNING id, user_id, name, base_image_url, usage_count, created_at, updated_at
	`, avatar.ID, avatar.UserID, avatar.Name, avatar.BaseImageURL).Scan(
		&created.ID, &created.UserID, &created.Name, &created.BaseImageURL,
		&created.UsageCount, &created.CreatedAt, &created.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create avatar: %w", err)
	}
	return &created, nil
}

func (s *Store) GetAvatar(ctx context.Context, id, userID uuid.UUID) (*models.Avatar, error) {
	return s.getAvatar(ctx, `SELECT id, user_id, name, base_image_url, usage_count, created_at, updated_at
		FROM avatars WHERE id = $1 AND user_id = $2`, id, userID)
}

func (s *Store) GetAvatarByID(ctx context.Context, id uuid.UUID) (*models.Avatar, error) {
	return s.getAvatar(ctx, `SELECT id, user_id, name, base_image_url, usage_count, created_at, updated_at
		FROM avatars WHERE id = $1`, id)
}

func (s *Store) getAvatar(ctx context.Context, query string, args ...interface{}) (*models.Avatar, error) {
	var avatar models.Avatar
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&avatar.ID, &avatar.UserID, &avatar.Name, &avatar.BaseImageURL,
		&avatar.UsageCount, &avatar.CreatedAt, &avatar.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get avatar: %w", err)
	}
	return &avatar, nil
}

func (s *Store) ListAvatars(ctx context.Context, userID uuid.UUID) ([]models.Avatar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, base_image_url, usage_count, created_at, updated_at
		FROM avatars
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list avatars: %w", err)
	}
	defer rows.Close()

	var avatars []models.Avatar
	for rows.Next() {
		var avatar models.Avatar
		err := rows.Scan(
			&avatar.ID, &avatar.UserID, &avatar.Name, &avatar.BaseImageURL,
			&avatar.UsageCount, &avatar.CreatedAt, &avatar.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan avatar: %w", err)
		}
		avatars = append(avatars, avatar)
	}
	return avatars, rows.Err()
}

func (s *Store) IncrementAvatarUsage(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE avatars
		SET usage_count = usage_count + 1, updated_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// --- serializable transactions with row locks ---

// TxOps is the set of generation updates available inside a serializable
// transaction. The recovery service performs all of its cross-cutting
// writes through this interface, starting with a locking read.
type TxOps interface {
	GetGenerationForUpdate(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	CompleteGeneration(ctx context.Context, id uuid.UUID) error
	FailGeneration(ctx context.Context, id uuid.UUID, errorMsg string) error
	RequeueGeneration(ctx context.Context, id uuid.UUID, jobID string) error
}

const serializableAttempts = 3

// RunSerializable runs fn inside a SERIALIZABLE transaction, retrying on
// serialization failures (SQLSTATE 40001) up to a small bound.
func (s *Store) RunSerializable(ctx context.Context, fn func(ops TxOps) error) error {
	var lastErr error
	for attempt := 0; attempt < serializableAttempts; attempt++ {
		err := s.runSerializableOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("serializable transaction did not commit after %d attempts: %w", serializableAttempts, lastErr)
}

func (s *Store) runSerializableOnce(ctx context.Context, fn func(ops TxOps) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&txOps{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "40001"
}

type txOps struct {
	tx *sql.Tx
}

// GetGenerationForUpdate takes a row-level lock on the generation so
// concurrent recovery attempts serialize on the same row.
func (t *txOps) GetGenerationForUpdate(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE id = $1 FOR UPDATE`, id)
	return scanGeneration(row)
}

func (t *txOps) CompleteGeneration(ctx context.Context, id uuid.UUID) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE generations
		SET status = $1, completed_at = NOW(), updated_at = NOW()
		WHERE id = $2
	`, models.StatusCompleted, id)
	return err
}

func (t *txOps) FailGeneration(ctx context.Context, id uuid.UUID, errorMsg string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE generations
		SET status = $1, error_message = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $3
	`, models.StatusFailed, errorMsg, id)
	return err
}

func (t *txOps) RequeueGeneration(ctx context.Context, id uuid.UUID, jobID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE generations
		SET status = $1, queue_job_id = $2,
			recovery_attempts = recovery_attempts + 1,
			last_recovery_at = NOW(), updated_at = NOW()
		WHERE id = $3
	`, models.StatusQueued, jobID, id)
	return err
}
