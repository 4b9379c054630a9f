package scans

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	va "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/censys/scan-lifecycle/pkg/storage"
)

// timestampLayouts are tried in order. Layouts without a zone are read as
// UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// timestampProblem names what stops s from parsing.
func timestampProblem(s string) string {
	if len(s) < 4 {
		return "input is too short"
	}
	for _, r := range s[:4] {
		if r < '0' || r > '9' {
			return "invalid character in year"
		}
	}
	if len(s) < len("2006-01-02") {
		return "input is too short"
	}
	return "unexpected format"
}

var (
	errFieldRequired = va.NewError("missing", "Field required")
	errScanType      = va.NewError("enum", "Input should be 'BASE' or 'INCREMENTAL'")
	errNotNegative   = va.NewError("greater_than_equal", "Input should be greater than or equal to 0")
	errAtLeastOne    = va.NewError("greater_than_equal", "Input should be greater than or equal to 1")
)

const timestampMsg = "Input should be a valid datetime or date"

// scanPayload is the wire form of a scan create/update body. Nil means the
// field was absent or null.
type scanPayload struct {
	ScanType          *string `json:"scan_type"`
	LastScannedCommit *string `json:"last_scanned_commit"`
	Timestamp         *string `json:"timestamp"`
	IncrementNumber   *int    `json:"increment_number"`
	RulePack          *string `json:"rule_pack"`
	RepositoryID      *int64  `json:"repository_id"`
}

// scanPayloadFields is the order in which field errors are reported.
var scanPayloadFields = []string{
	"scan_type",
	"last_scanned_commit",
	"timestamp",
	"increment_number",
	"rule_pack",
	"repository_id",
}

func (p *scanPayload) Validate() error {
	return va.ValidateStruct(p,
		va.Field(&p.ScanType,
			va.NilOrNotEmpty.ErrorObject(errScanType),
			va.In(string(storage.ScanTypeBase), string(storage.ScanTypeIncremental)).ErrorObject(errScanType)),
		va.Field(&p.LastScannedCommit, va.NotNil.ErrorObject(errFieldRequired)),
		va.Field(&p.Timestamp, va.NotNil.ErrorObject(errFieldRequired), va.By(validTimestamp)),
		va.Field(&p.IncrementNumber, va.Min(0).ErrorObject(errNotNegative)),
		va.Field(&p.RulePack, va.NotNil.ErrorObject(errFieldRequired)),
		va.Field(&p.RepositoryID, va.NotNil.ErrorObject(errFieldRequired)),
	)
}

func validTimestamp(value interface{}) error {
	s, _ := value.(*string)
	if s == nil {
		return nil
	}
	if _, ok := parseTimestamp(*s); !ok {
		return va.NewError("datetime_from_date_parsing", timestampMsg+", "+timestampProblem(*s))
	}
	return nil
}

// DecodeScanCreate parses a scan create/update payload. Field problems are
// reported together as a *ValidationError.
func DecodeScanCreate(raw []byte) (storage.ScanCreate, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return storage.ScanCreate{}, &ValidationError{Fields: []*FieldError{missing("body")}}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return storage.ScanCreate{}, &ValidationError{Fields: []*FieldError{{
			Loc:  []string{"body"},
			Msg:  "Input should be a valid dictionary or object",
			Type: "model_attributes_type",
		}}}
	}

	var p scanPayload
	typeErrs := map[string]*FieldError{}
	decode := func(name string, dst any, onErr *FieldError) {
		v, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return
		}
		if err := json.Unmarshal(v, dst); err != nil {
			typeErrs[name] = onErr
		}
	}
	decode("scan_type", &p.ScanType, bodyError("scan_type", errScanType))
	decode("last_scanned_commit", &p.LastScannedCommit, stringType("last_scanned_commit"))
	decode("timestamp", &p.Timestamp, &FieldError{Loc: []string{"body", "timestamp"}, Msg: timestampMsg, Type: "datetime_type"})
	decode("increment_number", &p.IncrementNumber, intType("increment_number"))
	decode("rule_pack", &p.RulePack, stringType("rule_pack"))
	decode("repository_id", &p.RepositoryID, intType("repository_id"))

	rules, err := ruleErrors(p.Validate())
	if err != nil {
		return storage.ScanCreate{}, err
	}

	var merr *multierror.Error
	for _, name := range scanPayloadFields {
		if fe, ok := typeErrs[name]; ok {
			merr = multierror.Append(merr, fe)
			continue
		}
		if ve, ok := rules[name]; ok {
			merr = multierror.Append(merr, bodyError(name, ve))
		}
	}
	if err := validationError(merr); err != nil {
		return storage.ScanCreate{}, err
	}

	out := storage.ScanCreate{
		RepositoryID:      *p.RepositoryID,
		ScanType:          storage.ScanTypeBase,
		LastScannedCommit: *p.LastScannedCommit,
		RulePack:          *p.RulePack,
	}
	out.Timestamp, _ = parseTimestamp(*p.Timestamp)
	if p.ScanType != nil {
		out.ScanType = storage.ScanType(*p.ScanType)
	}
	if p.IncrementNumber != nil {
		out.IncrementNumber = *p.IncrementNumber
	}
	return out, nil
}

// ruleErrors splits a ValidateStruct result into per-field rule errors. Any
// other error is returned as is.
func ruleErrors(err error) (map[string]va.Error, error) {
	out := map[string]va.Error{}
	if err == nil {
		return out, nil
	}
	var errs va.Errors
	if !errors.As(err, &errs) {
		return nil, err
	}
	for name, fieldErr := range errs {
		var ve va.Error
		if !errors.As(fieldErr, &ve) {
			return nil, fieldErr
		}
		out[name] = ve
	}
	return out, nil
}

func bodyError(field string, ve va.Error) *FieldError {
	return &FieldError{Loc: []string{"body", field}, Msg: ve.Message(), Type: ve.Code()}
}

func stringType(field string) *FieldError {
	return &FieldError{Loc: []string{"body", field}, Msg: "Input should be a valid string", Type: "string_type"}
}

func intType(field string) *FieldError {
	return &FieldError{Loc: []string{"body", field}, Msg: "Input should be a valid integer", Type: "int_type"}
}
