package processing

import (
	"errors"
	"fmt"

	"github.com/censys/scan-lifecycle/pkg/scans"
	"github.com/censys/scan-lifecycle/pkg/storage"
)

// DLQ reasons attached to dead-lettered messages.
const (
	ReasonValidation         = "validation_error"
	ReasonRepositoryNotFound = "repository_not_found"
)

// ParseScanMessage decodes a queued scan-create payload. It accepts the same
// JSON body as the HTTP create endpoint.
func ParseScanMessage(raw []byte) (storage.ScanCreate, error) {
	in, err := scans.DecodeScanCreate(raw)
	if err != nil {
		return storage.ScanCreate{}, fmt.Errorf("decode scan message: %w", err)
	}
	return in, nil
}

// dlqReason tells whether a failed message is dead-lettered. An empty
// reason means the failure is retriable and the message should be nacked.
func dlqReason(err error) string {
	var verr *scans.ValidationError
	switch {
	case errors.As(err, &verr):
		return ReasonValidation
	case errors.Is(err, scans.ErrRepositoryNotFound):
		return ReasonRepositoryNotFound
	default:
		return ""
	}
}
