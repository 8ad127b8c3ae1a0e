package export

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zbcumt/thingsboard/internal/domain"
	"github.com/zbcumt/thingsboard/internal/repository"
	"github.com/zbcumt/thingsboard/internal/service"
)

var errJobNotRunnable = errors.New("export job is no longer runnable")

// Service re-runs entity data queries in the background and streams the
// result pages into CSV or XLSX files.
type Service struct {
	queries    *service.EntityQueryService
	exportRepo repository.ExportJobRepository

	exportDir  string
	jobTimeout time.Duration
	pageSize   int
	now        func() time.Time

	downloadSigner *downloadSigner

	workerCancels sync.Map // map[uuid.UUID]context.CancelFunc
}

type Option func(*Service)

func WithExportDirectory(dir string) Option {
	return func(s *Service) {
		if strings.TrimSpace(dir) != "" {
			s.exportDir = filepath.Clean(dir)
		}
	}
}

func WithJobTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.jobTimeout = timeout
		}
	}
}

func WithPageSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

// WithDownloadTokenTTL customizes the TTL for generated download links.
func WithDownloadTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.downloadSigner = newDownloadSigner(ttl)
		}
	}
}

func NewService(queries *service.EntityQueryService, exportRepo repository.ExportJobRepository, opts ...Option) *Service {
	svc := &Service{
		queries:    queries,
		exportRepo: exportRepo,
		exportDir:  filepath.Join(os.TempDir(), "tb-exports"),
		jobTimeout: 30 * time.Minute,
		pageSize:   1000,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.downloadSigner == nil {
		svc.downloadSigner = newDownloadSigner(5 * time.Minute)
	}
	return svc
}

// Request queues one query export for the calling user.
type Request struct {
	Query  domain.EntityDataQuery
	Format domain.ExportFormat
}

// Queue validates the request, estimates the row count, persists the job, and
// starts its worker.
func (s *Service) Queue(ctx context.Context, user service.SecurityUser, req Request) (domain.ExportJob, error) {
	if err := req.Query.Filter.Validate(); err != nil {
		return domain.ExportJob{}, err
	}
	format := req.Format
	if format == "" {
		format = domain.ExportFormatCSV
	}
	if format != domain.ExportFormatCSV && format != domain.ExportFormatXLSX {
		return domain.ExportJob{}, domain.NewInvalidQuery(fmt.Sprintf("unsupported export format %q", req.Format))
	}
	total, err := s.queries.CountEntities(ctx, user, domain.EntityCountQuery{
		Filter:     req.Query.Filter,
		KeyFilters: req.Query.KeyFilters,
	})
	if err != nil {
		return domain.ExportJob{}, fmt.Errorf("estimate export rows: %w", err)
	}
	job := domain.ExportJob{
		TenantID:      user.TenantID,
		CustomerID:    user.CustomerID,
		Format:        format,
		Query:         req.Query,
		RowsRequested: int(total),
	}
	persisted, err := s.exportRepo.Create(ctx, job)
	if err != nil {
		return domain.ExportJob{}, fmt.Errorf("persist export job: %w", err)
	}
	s.launchWorker(persisted)
	return persisted, nil
}

func (s *Service) ListJobs(ctx context.Context, user service.SecurityUser, statuses []domain.ExportJobStatus, limit, offset int) ([]domain.ExportJob, error) {
	return s.exportRepo.List(ctx, user.TenantID, statuses, limit, offset)
}

// GetJob returns the metadata for a single export job, scoped to the caller's
// tenant.
func (s *Service) GetJob(ctx context.Context, user service.SecurityUser, id uuid.UUID) (domain.ExportJob, error) {
	job, err := s.exportRepo.GetByID(ctx, id)
	if err != nil {
		return domain.ExportJob{}, err
	}
	if job.TenantID != user.TenantID {
		return domain.ExportJob{}, repository.ErrExportJobNotFound
	}
	return job, nil
}

// CancelJob requests cancellation for a pending or running export job.
func (s *Service) CancelJob(ctx context.Context, user service.SecurityUser, id uuid.UUID) (domain.ExportJob, error) {
	job, err := s.GetJob(ctx, user, id)
	if err != nil {
		return domain.ExportJob{}, err
	}
	if job.Status != domain.ExportJobPending && job.Status != domain.ExportJobRunning {
		return job, fmt.Errorf("export job in status %s cannot be cancelled", job.Status)
	}
	if err := s.exportRepo.MarkCancelled(ctx, id, "Cancelled by user"); err != nil {
		if errors.Is(err, repository.ErrExportJobStatusConflict) {
			return s.GetJob(ctx, user, id)
		}
		return domain.ExportJob{}, err
	}
	if cancel, ok := s.workerCancels.LoadAndDelete(id); ok {
		if fn, okCast := cancel.(context.CancelFunc); okCast {
			fn()
		}
	}
	return s.GetJob(ctx, user, id)
}

// BuildDownloadURL signs a short-lived download URL for completed export files.
func (s *Service) BuildDownloadURL(job domain.ExportJob) (*string, error) {
	if job.Status != domain.ExportJobCompleted {
		return nil, nil
	}
	if job.FilePath == nil || strings.TrimSpace(*job.FilePath) == "" {
		return nil, nil
	}
	token := s.downloadSigner.Sign(job.ID, s.now())
	values := url.Values{}
	values.Set("token", token)
	download := fmt.Sprintf("/api/exports/files/%s?%s", job.ID.String(), values.Encode())
	return &download, nil
}

// ValidateDownloadToken ensures the token is valid for the given job.
func (s *Service) ValidateDownloadToken(jobID uuid.UUID, token string) error {
	return s.downloadSigner.Verify(jobID, token, s.now())
}

// OpenJobFile opens the completed export file for streaming to the client.
func (s *Service) OpenJobFile(job domain.ExportJob) (*os.File, error) {
	if job.Status != domain.ExportJobCompleted {
		return nil, errors.New("export is not completed")
	}
	if job.FilePath == nil || strings.TrimSpace(*job.FilePath) == "" {
		return nil, errors.New("export file is unavailable")
	}
	file, err := os.Open(*job.FilePath)
	if err != nil {
		return nil, fmt.Errorf("open export file: %w", err)
	}
	return file, nil
}

func (s *Service) launchWorker(job domain.ExportJob) {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	ctx := baseCtx
	cancelFunc := baseCancel
	if s.jobTimeout > 0 {
		timeoutCtx, timeoutCancel := context.WithTimeout(baseCtx, s.jobTimeout)
		ctx = timeoutCtx
		cancelFunc = func() {
			timeoutCancel()
			baseCancel()
		}
	}
	s.workerCancels.Store(job.ID, cancelFunc)
	go func() {
		defer func() {
			cancelFunc()
			s.workerCancels.Delete(job.ID)
		}()
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[export] panic while processing job %s: %v", job.ID, rec)
				s.failJob(context.Background(), job.ID, fmt.Errorf("panic: %v", rec))
			}
		}()
		if err := s.run(ctx, job); err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				log.Printf("[export] job %s cancelled", job.ID)
			case errors.Is(err, errJobNotRunnable):
				log.Printf("[export] job %s not runnable, skipping", job.ID)
			default:
				s.failJob(ctx, job.ID, err)
			}
		}
	}()
}

func (s *Service) failJob(ctx context.Context, jobID uuid.UUID, err error) {
	if err == nil {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	if markErr := s.exportRepo.MarkFailed(ctx, jobID, truncateError(err)); markErr != nil {
		log.Printf("[export] failed to mark job %s as failed: %v (original error: %v)", jobID, markErr, err)
		return
	}
	log.Printf("[export] job %s failed: %v", jobID, err)
}

func (s *Service) run(ctx context.Context, job domain.ExportJob) error {
	if err := s.exportRepo.MarkRunning(ctx, job.ID); err != nil {
		if errors.Is(err, repository.ErrExportJobStatusConflict) {
			return errJobNotRunnable
		}
		return fmt.Errorf("mark export job running: %w", err)
	}
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return fmt.Errorf("ensure export directory: %w", err)
	}

	ext := "csv"
	if job.Format == domain.ExportFormatXLSX {
		ext = "xlsx"
	}
	tempFile, err := os.CreateTemp(s.exportDir, fmt.Sprintf("%s-*.%s", job.ID, ext))
	if err != nil {
		return fmt.Errorf("create temp export file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = tempFile.Close()
			_ = os.Remove(tempPath)
		}
	}()

	writer, err := newRowWriter(job.Format, tempFile)
	if err != nil {
		return err
	}

	columns := exportColumns(job.Query)
	if err := writer.WriteHeader(columns.headers()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	user := service.SecurityUser{TenantID: job.TenantID, Authority: service.AuthorityTenantAdmin}
	if job.CustomerID != uuid.Nil {
		user.CustomerID = job.CustomerID
		user.Authority = service.AuthorityCustomerUser
	}

	query := job.Query
	query.PageLink.PageSize = s.pageSize
	query.PageLink.Page = 0

	rowsExported := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		page, err := s.queries.FindEntityData(ctx, user, query)
		if err != nil {
			return fmt.Errorf("run export query: %w", err)
		}
		for _, entity := range page.Data {
			if err := writer.WriteRow(columns.row(entity)); err != nil {
				return fmt.Errorf("write entity row: %w", err)
			}
			rowsExported++
		}
		if err := writer.Flush(); err != nil {
			return fmt.Errorf("flush rows: %w", err)
		}
		rowsTarget := int(page.TotalElements)
		if err := s.exportRepo.UpdateProgress(ctx, job.ID, rowsExported, writer.BytesWritten(), &rowsTarget); err != nil {
			return fmt.Errorf("update export progress: %w", err)
		}
		if !page.HasNext {
			break
		}
		query = query.Next()
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("finish export file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("sync export file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close export file: %w", err)
	}

	finalPath := filepath.Join(s.exportDir, fmt.Sprintf("entities-%s.%s", job.ID.String(), ext))
	if err := os.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("promote export file: %w", err)
	}
	cleanup = false
	info, err := os.Stat(finalPath)
	if err != nil {
		return fmt.Errorf("stat export file: %w", err)
	}
	size := info.Size()
	mime := "text/csv"
	if job.Format == domain.ExportFormatXLSX {
		mime = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	bytesWritten := writer.BytesWritten()
	if bytesWritten == 0 {
		bytesWritten = size
	}
	if err := s.exportRepo.MarkCompleted(ctx, job.ID, repository.ExportResult{
		RowsExported: rowsExported,
		BytesWritten: bytesWritten,
		FilePath:     &finalPath,
		FileMimeType: &mime,
		FileByteSize: &size,
	}); err != nil {
		return fmt.Errorf("mark export completed: %w", err)
	}
	log.Printf("[export] job %s completed (rows=%d path=%s)", job.ID, rowsExported, finalPath)
	return nil
}

// exportColumnSet fixes the column order of one export: identity columns,
// entity fields, then latest keys qualified by their key type.
type exportColumnSet struct {
	fieldKeys  []string
	latestKeys []domain.EntityKey
}

func exportColumns(query domain.EntityDataQuery) exportColumnSet {
	set := exportColumnSet{}
	for _, key := range query.EntityFields {
		set.fieldKeys = append(set.fieldKeys, key.Key)
	}
	set.latestKeys = append(set.latestKeys, query.LatestValues...)
	return set
}

func (c exportColumnSet) headers() []string {
	headers := []string{"entityType", "entityId"}
	headers = append(headers, c.fieldKeys...)
	for _, key := range c.latestKeys {
		headers = append(headers, fmt.Sprintf("%s.%s", key.Type, key.Key))
	}
	return headers
}

func (c exportColumnSet) row(entity domain.EntityData) []string {
	row := make([]string, 0, 2+len(c.fieldKeys)+len(c.latestKeys))
	row = append(row, string(entity.EntityID.EntityType), entity.EntityID.ID.String())
	fields := entity.Latest[domain.KeyTypeEntityField]
	for _, key := range c.fieldKeys {
		row = append(row, fields[key].Value)
	}
	for _, key := range c.latestKeys {
		row = append(row, entity.Latest[key.Type][key.Key].Value)
	}
	return row
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	const maxLen = 512
	msg := err.Error()
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
