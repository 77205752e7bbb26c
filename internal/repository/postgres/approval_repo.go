package postgres

/*
Файл approval_repo.go — Task Store механизма Human-in-the-loop.

Строки не удаляются: решение, таймаут и сбой переводят задачу в терминальный
статус и обнуляют task_token тем же оператором UPDATE. Поэтому токен
выдается ровно одному вызывающему даже при конкурентных решениях.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
)

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `task_id, question_id, assessor_email, status, task_token, comments,
	execution_ref, resume_error, created_at, updated_at`

// CreateRequest пишет вопрос и задачу одной транзакцией: либо обе строки, либо ни одной.
func (r *TaskRepo) CreateRequest(ctx context.Context, q *domain.Question, t *domain.ApprovalTask) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin create request: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // после Commit это no-op

	err = tx.QueryRow(ctx,
		`INSERT INTO questions (question_id, title, content) VALUES ($1, $2, $3) RETURNING created_at`,
		q.QuestionID, q.Title, q.Content,
	).Scan(&q.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert question: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO approval_tasks (task_id, question_id, assessor_email, status)
		 VALUES ($1, $2, $3, $4) RETURNING created_at, updated_at`,
		t.TaskID, t.QuestionID, t.AssessorEmail, string(domain.StatusPending),
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert approval task: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit create request: %w", err)
	}
	t.Status = domain.StatusPending
	return nil
}

// GetToken возвращает живой токен. Нет строки, нет токена или задача закрыта: ErrTaskNotFound.
func (r *TaskRepo) GetToken(ctx context.Context, taskID string) (string, error) {
	var token string
	err := r.pool.QueryRow(ctx,
		`SELECT task_token FROM approval_tasks
		 WHERE task_id = $1 AND status = 'PENDING' AND task_token IS NOT NULL`,
		taskID,
	).Scan(&token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
		}
		return "", fmt.Errorf("postgres: get token: %w", err)
	}
	return token, nil
}

// SetToken привязывает токен к PENDING задаче. changed=false, если записан тот же токен.
func (r *TaskRepo) SetToken(ctx context.Context, taskID, token string) (bool, error) {
	// prev блокирует строку, upd пишет только в PENDING; select отдает прежнее состояние
	query := `
		WITH prev AS (
			SELECT task_id, status, task_token FROM approval_tasks
			WHERE task_id = $1
			FOR UPDATE
		), upd AS (
			UPDATE approval_tasks t
			SET task_token = $2, updated_at = NOW()
			FROM prev
			WHERE t.task_id = prev.task_id AND prev.status = 'PENDING'
			RETURNING t.task_id
		)
		SELECT prev.status, prev.task_token IS DISTINCT FROM $2::text FROM prev`

	var (
		status  string
		changed bool
	)
	err := r.pool.QueryRow(ctx, query, taskID, token).Scan(&status, &changed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
		}
		return false, fmt.Errorf("postgres: set token: %w", err)
	}
	if st := domain.ApprovalStatus(status); st.IsTerminal() {
		return false, fmt.Errorf("%w: task %s is %s", domain.ErrTaskClosed, taskID, st)
	}
	return changed, nil
}

// Resolve атомарно забирает токен и закрывает задачу одним оператором.
// Из двух конкурентных вызовов токен получит один, второй получит ErrTaskNotFound.
func (r *TaskRepo) Resolve(ctx context.Context, taskID string, status domain.ApprovalStatus, comments string) (string, error) {
	if err := domain.CanTransition(domain.StatusPending, status); err != nil {
		return "", err
	}

	// RETURNING в UPDATE видит уже новые значения, поэтому старый токен берем из prev
	query := `
		WITH prev AS (
			SELECT task_id, task_token FROM approval_tasks
			WHERE task_id = $1 AND status = 'PENDING' AND task_token IS NOT NULL
			FOR UPDATE
		)
		UPDATE approval_tasks t
		SET task_token = NULL, status = $2, comments = $3, updated_at = NOW()
		FROM prev
		WHERE t.task_id = prev.task_id
		RETURNING prev.task_token`

	var token string
	err := r.pool.QueryRow(ctx, query, taskID, string(status), comments).Scan(&token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Либо решение уже принято, либо токен еще не зарегистрирован, либо неверный id
			return "", fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
		}
		return "", fmt.Errorf("postgres: resolve task: %w", err)
	}
	return token, nil
}

// UpdateStatus применяет переходы, пришедшие от оркестратора (TIMED_OUT, FAILED). Токен обнуляется.
func (r *TaskRepo) UpdateStatus(ctx context.Context, taskID string, status domain.ApprovalStatus, comments string) error {
	if err := domain.CanTransition(domain.StatusPending, status); err != nil {
		return err
	}

	query := `
		WITH prev AS (
			SELECT task_id, status FROM approval_tasks
			WHERE task_id = $1
			FOR UPDATE
		), upd AS (
			UPDATE approval_tasks t
			SET status = $2, task_token = NULL,
			    comments = CASE WHEN $3::text = '' THEN t.comments ELSE $3::text END,
			    updated_at = NOW()
			FROM prev
			WHERE t.task_id = prev.task_id AND prev.status = 'PENDING'
			RETURNING t.task_id
		)
		SELECT prev.status FROM prev`

	var prev string
	err := r.pool.QueryRow(ctx, query, taskID, string(status), comments).Scan(&prev)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
		}
		return fmt.Errorf("postgres: update status: %w", err)
	}
	return domain.CanTransition(domain.ApprovalStatus(prev), status)
}

// MarkResumeFailed фиксирует разрыв: токен потрачен, исполнение не возобновлено.
func (r *TaskRepo) MarkResumeFailed(ctx context.Context, taskID, reason string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE approval_tasks SET resume_error = $2, updated_at = NOW() WHERE task_id = $1`,
		taskID, reason,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark resume failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	return nil
}

// SetExecutionRef запоминает id исполнения, запущенного при приеме запроса.
func (r *TaskRepo) SetExecutionRef(ctx context.Context, taskID, ref string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE approval_tasks SET execution_ref = $2, updated_at = NOW() WHERE task_id = $1`,
		taskID, ref,
	)
	if err != nil {
		return fmt.Errorf("postgres: set execution ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	return nil
}

// GetTask получение деталей задачи для консоли.
func (r *TaskRepo) GetTask(ctx context.Context, taskID string) (*domain.ApprovalTask, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM approval_tasks WHERE task_id = $1`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("postgres: get task: %w", err)
	}
	return t, nil
}

// ListTasks фильтрация задач (очередь решений и зависшие задачи).
func (r *TaskRepo) ListTasks(ctx context.Context, f domain.TaskFilter) ([]*domain.ApprovalTask, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Stuck {
		where = append(where, "resume_error IS NOT NULL")
	}

	query := `SELECT ` + taskColumns + ` FROM approval_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query tasks: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.ApprovalTask, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan task: %w", err)
		}
		results = append(results, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func scanTask(row pgx.Row) (*domain.ApprovalTask, error) {
	var (
		t      domain.ApprovalTask
		status string
	)
	err := row.Scan(
		&t.TaskID, &t.QuestionID, &t.AssessorEmail, &status, &t.TaskToken, &t.Comments,
		&t.ExecutionRef, &t.ResumeError, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = domain.ApprovalStatus(status)
	return &t, nil
}
