package domain

import (
	"time"

	"github.com/google/uuid"
)

// ExportFormat selects the file format of a query export.
type ExportFormat string

const (
	ExportFormatCSV  ExportFormat = "CSV"
	ExportFormatXLSX ExportFormat = "XLSX"
)

// ExportJobStatus is the lifecycle state of a background export.
type ExportJobStatus string

const (
	ExportJobPending   ExportJobStatus = "PENDING"
	ExportJobRunning   ExportJobStatus = "RUNNING"
	ExportJobCompleted ExportJobStatus = "COMPLETED"
	ExportJobFailed    ExportJobStatus = "FAILED"
	ExportJobCancelled ExportJobStatus = "CANCELLED"
)

// ExportJob is one queued query export. The query re-runs page by page in the
// background and streams into the target file.
type ExportJob struct {
	ID            uuid.UUID       `json:"id"`
	TenantID      uuid.UUID       `json:"tenantId"`
	CustomerID    uuid.UUID       `json:"customerId,omitempty"`
	Status        ExportJobStatus `json:"status"`
	Format        ExportFormat    `json:"format"`
	Query         EntityDataQuery `json:"query"`
	RowsRequested int             `json:"rowsRequested"`
	RowsExported  int             `json:"rowsExported"`
	BytesWritten  int64           `json:"bytesWritten"`
	FilePath      *string         `json:"filePath,omitempty"`
	FileMimeType  *string         `json:"fileMimeType,omitempty"`
	FileByteSize  *int64          `json:"fileByteSize,omitempty"`
	Error         *string         `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}
