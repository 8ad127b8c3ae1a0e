package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zbcumt/thingsboard/internal/domain"
)

// ErrExportJobStatusConflict signals a state transition raced with another
// writer (for example a cancel landing while the worker marks the job
// running).
var ErrExportJobStatusConflict = errors.New("export job status conflict")

// ErrExportJobNotFound is returned when no job matches the id.
var ErrExportJobNotFound = errors.New("export job not found")

// ExportJobRepository persists export jobs and their progress.
type ExportJobRepository interface {
	Create(ctx context.Context, job domain.ExportJob) (domain.ExportJob, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.ExportJob, error)
	List(ctx context.Context, tenantID uuid.UUID, statuses []domain.ExportJobStatus, limit, offset int) ([]domain.ExportJob, error)
	MarkRunning(ctx context.Context, id uuid.UUID) error
	MarkCancelled(ctx context.Context, id uuid.UUID, reason string) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
	MarkCompleted(ctx context.Context, id uuid.UUID, result ExportResult) error
	UpdateProgress(ctx context.Context, id uuid.UUID, rowsExported int, bytesWritten int64, rowsRequested *int) error
}

// ExportResult is the terminal accounting of a completed job.
type ExportResult struct {
	RowsExported int
	BytesWritten int64
	FilePath     *string
	FileMimeType *string
	FileByteSize *int64
}

type exportJobRepository struct {
	pool *pgxpool.Pool
}

// NewExportJobRepository creates a repository over the shared pool.
func NewExportJobRepository(pool *pgxpool.Pool) ExportJobRepository {
	return &exportJobRepository{pool: pool}
}

const exportJobColumns = "id::text, tenant_id::text, customer_id::text, status, format, query, rows_requested, rows_exported, bytes_written, file_path, file_mime_type, file_byte_size, error, created_at, updated_at"

func (r *exportJobRepository) Create(ctx context.Context, job domain.ExportJob) (domain.ExportJob, error) {
	queryJSON, err := json.Marshal(job.Query)
	if err != nil {
		return domain.ExportJob{}, fmt.Errorf("marshal export query: %w", err)
	}
	var customerID any
	if job.CustomerID != uuid.Nil {
		customerID = job.CustomerID.String()
	}
	row := r.pool.QueryRow(ctx,
		"INSERT INTO entity_export_job (tenant_id, customer_id, format, query, rows_requested)"+
			" VALUES ($1, $2, $3, $4, $5) RETURNING "+exportJobColumns,
		job.TenantID.String(), customerID, string(job.Format), queryJSON, job.RowsRequested,
	)
	return scanExportJob(row)
}

func (r *exportJobRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.ExportJob, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+exportJobColumns+" FROM entity_export_job WHERE id = $1", id.String())
	job, err := scanExportJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ExportJob{}, ErrExportJobNotFound
	}
	return job, err
}

func (r *exportJobRepository) List(ctx context.Context, tenantID uuid.UUID, statuses []domain.ExportJobStatus, limit, offset int) ([]domain.ExportJob, error) {
	names := make([]string, 0, len(statuses))
	for _, status := range statuses {
		names = append(names, string(status))
	}
	rows, err := r.pool.Query(ctx,
		"SELECT "+exportJobColumns+" FROM entity_export_job"+
			" WHERE tenant_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))"+
			" ORDER BY created_at DESC LIMIT $3 OFFSET $4",
		tenantID.String(), names, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.ExportJob
	for rows.Next() {
		job, err := scanExportJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *exportJobRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, id,
		"UPDATE entity_export_job SET status = 'RUNNING', updated_at = now() WHERE id = $1 AND status = 'PENDING'")
}

func (r *exportJobRepository) MarkCancelled(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE entity_export_job SET status = 'CANCELLED', error = $2, updated_at = now()"+
			" WHERE id = $1 AND status IN ('PENDING', 'RUNNING')",
		id.String(), reason)
	if err != nil {
		return fmt.Errorf("cancel export job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExportJobStatusConflict
	}
	return nil
}

func (r *exportJobRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	_, err := r.pool.Exec(ctx,
		"UPDATE entity_export_job SET status = 'FAILED', error = $2, updated_at = now() WHERE id = $1",
		id.String(), message)
	if err != nil {
		return fmt.Errorf("fail export job: %w", err)
	}
	return nil
}

func (r *exportJobRepository) MarkCompleted(ctx context.Context, id uuid.UUID, result ExportResult) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE entity_export_job SET status = 'COMPLETED', rows_exported = $2, bytes_written = $3,"+
			" file_path = $4, file_mime_type = $5, file_byte_size = $6, updated_at = now()"+
			" WHERE id = $1 AND status = 'RUNNING'",
		id.String(), result.RowsExported, result.BytesWritten, result.FilePath, result.FileMimeType, result.FileByteSize)
	if err != nil {
		return fmt.Errorf("complete export job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExportJobStatusConflict
	}
	return nil
}

func (r *exportJobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, rowsExported int, bytesWritten int64, rowsRequested *int) error {
	_, err := r.pool.Exec(ctx,
		"UPDATE entity_export_job SET rows_exported = $2, bytes_written = $3,"+
			" rows_requested = COALESCE($4, rows_requested), updated_at = now() WHERE id = $1",
		id.String(), rowsExported, bytesWritten, rowsRequested)
	if err != nil {
		return fmt.Errorf("update export progress: %w", err)
	}
	return nil
}

func (r *exportJobRepository) transition(ctx context.Context, id uuid.UUID, sql string) error {
	tag, err := r.pool.Exec(ctx, sql, id.String())
	if err != nil {
		return fmt.Errorf("transition export job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExportJobStatusConflict
	}
	return nil
}

func scanExportJob(row pgx.Row) (domain.ExportJob, error) {
	var (
		job       domain.ExportJob
		idRaw     string
		tenantRaw string
		custRaw   *string
		status    string
		format    string
		queryJSON []byte
	)
	err := row.Scan(&idRaw, &tenantRaw, &custRaw, &status, &format, &queryJSON,
		&job.RowsRequested, &job.RowsExported, &job.BytesWritten,
		&job.FilePath, &job.FileMimeType, &job.FileByteSize, &job.Error,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return domain.ExportJob{}, err
	}
	if job.ID, err = uuid.Parse(idRaw); err != nil {
		return domain.ExportJob{}, fmt.Errorf("parse export job id: %w", err)
	}
	if job.TenantID, err = uuid.Parse(tenantRaw); err != nil {
		return domain.ExportJob{}, fmt.Errorf("parse export job tenant: %w", err)
	}
	if custRaw != nil {
		if job.CustomerID, err = uuid.Parse(*custRaw); err != nil {
			return domain.ExportJob{}, fmt.Errorf("parse export job customer: %w", err)
		}
	}
	job.Status = domain.ExportJobStatus(status)
	job.Format = domain.ExportFormat(format)
	if err := json.Unmarshal(queryJSON, &job.Query); err != nil {
		return domain.ExportJob{}, fmt.Errorf("decode export query: %w", err)
	}
	return job, nil
}
