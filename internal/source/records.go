package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	cxerrors "github.com/cxhealth/cxhealth/pkg/errors"
	"github.com/cxhealth/cxhealth/pkg/types"
)

// Canonical column names.
const (
	colAccountID      = "account_id"
	colSignupDate     = "signup_date"
	colPlanTier       = "plan_tier"
	colPortfolioSize  = "portfolio_size"
	colAnnualRevenue  = "annual_revenue"
	colNPSScore       = "nps_score"
	colSupportTickets = "support_tickets_last_90d"
	colRenewalDue     = "renewal_due_date"
	colSuccessManager = "success_manager_assigned"
	colIsActive       = "is_active"

	colEventID   = "event_id"
	colEventTS   = "event_ts"
	colEventType = "event_type"
	colValueNum  = "event_value_num"
	colValueText = "event_value_txt"
)

// columnAliases maps legacy export headers onto canonical names.
var columnAliases = map[string]string{
	"user_id":   colAccountID,
	"plan_type": colPlanTier,
}

var (
	accountRequired = []string{colAccountID, colSignupDate, colPlanTier, colAnnualRevenue, colIsActive}
	accountOptional = []string{colPortfolioSize, colNPSScore, colSupportTickets, colRenewalDue, colSuccessManager}
	eventRequired   = []string{colAccountID, colEventTS, colEventType}
	eventOptional   = []string{colEventID, colValueNum, colValueText}
)

// dateLayouts are tried in order. Slash dates are day-first.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
}

// Record is one input row keyed by canonical column name.
type Record map[string]string

// NormalizeColumn lowercases a header and resolves legacy aliases.
func NormalizeColumn(name string) string {
	n := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
	if canonical, ok := columnAliases[n]; ok {
		return canonical
	}
	return n
}

// ParseDate parses the date formats found in exports; empty input yields the zero time.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false", "f", "no", "n":
		return false, nil
	case "1", "true", "t", "yes", "y":
		return true, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

func parseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	// Warehouse exports sometimes render integers as "12.0".
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !finite(f) || f != float64(int(f)) {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return int(f), nil
}

// finite rejects the NaN and Inf spellings strconv accepts; they cannot be
// encoded as JSON.
func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	if !finite(f) {
		return 0, fmt.Errorf("non-finite number %q", s)
	}
	return f, nil
}

// fieldError reports a malformed value at a 1-based row.
func fieldError(origin string, row int, column string, err error) error {
	return cxerrors.Wrap(err, cxerrors.ErrCodeDataSourceMalformed, "malformed field").
		WithComponent("source").
		WithContext("origin", origin).
		WithDetail("row", row).
		WithDetail("column", column)
}

// CheckColumns fails on a missing required column and logs each missing optional one.
func CheckColumns(origin string, present map[string]bool, required, optional []string, logger zerolog.Logger) error {
	for _, col := range required {
		if !present[col] {
			return cxerrors.Newf(cxerrors.ErrCodeSchemaFieldMissing, "required column %q missing", col).
				WithComponent("source").
				WithContext("origin", origin)
		}
	}
	for _, col := range optional {
		if !present[col] {
			logger.Warn().
				Str("origin", origin).
				Str("column", col).
				Str("code", string(cxerrors.ErrCodeSchemaFieldMissing)).
				Msg("Optional column missing, using zero values")
		}
	}
	return nil
}

// AccountFromRecord maps a record onto an Account.
func AccountFromRecord(origin string, row int, rec Record) (types.Account, error) {
	var (
		a   types.Account
		err error
	)
	a.AccountID = strings.TrimSpace(rec[colAccountID])
	if a.AccountID == "" {
		return a, fieldError(origin, row, colAccountID, errors.New("empty account id"))
	}
	if a.SignupDate, err = ParseDate(rec[colSignupDate]); err != nil {
		return a, fieldError(origin, row, colSignupDate, err)
	}
	if a.SignupDate.IsZero() {
		return a, fieldError(origin, row, colSignupDate, errors.New("empty signup date"))
	}
	plan, ok := types.ParsePlanTier(rec[colPlanTier])
	if !ok {
		return a, fieldError(origin, row, colPlanTier, fmt.Errorf("unknown plan %q", rec[colPlanTier]))
	}
	a.PlanTier = plan
	if a.PortfolioSize, err = parseInt(rec[colPortfolioSize]); err != nil {
		return a, fieldError(origin, row, colPortfolioSize, err)
	}
	if a.AnnualRevenue, err = parseFloat(rec[colAnnualRevenue]); err != nil {
		return a, fieldError(origin, row, colAnnualRevenue, err)
	}
	if a.NPSScore, err = parseInt(rec[colNPSScore]); err != nil {
		return a, fieldError(origin, row, colNPSScore, err)
	}
	if a.NPSScore < -100 || a.NPSScore > 100 {
		return a, fieldError(origin, row, colNPSScore, fmt.Errorf("nps %d out of range", a.NPSScore))
	}
	if a.SupportTickets90d, err = parseInt(rec[colSupportTickets]); err != nil {
		return a, fieldError(origin, row, colSupportTickets, err)
	}
	if a.RenewalDueDate, err = ParseDate(rec[colRenewalDue]); err != nil {
		return a, fieldError(origin, row, colRenewalDue, err)
	}
	if a.SuccessManagerAssigned, err = parseBool(rec[colSuccessManager]); err != nil {
		return a, fieldError(origin, row, colSuccessManager, err)
	}
	if a.IsActive, err = parseBool(rec[colIsActive]); err != nil {
		return a, fieldError(origin, row, colIsActive, err)
	}
	return a, nil
}

// EventFromRecord maps a record onto an Event. A missing event id is derived from the row.
func EventFromRecord(origin string, row int, rec Record) (types.Event, error) {
	var (
		e   types.Event
		err error
	)
	e.EventID = strings.TrimSpace(rec[colEventID])
	if e.EventID == "" {
		e.EventID = fmt.Sprintf("%s#%d", origin, row)
	}
	e.AccountID = strings.TrimSpace(rec[colAccountID])
	if e.AccountID == "" {
		return e, fieldError(origin, row, colAccountID, errors.New("empty account id"))
	}
	if e.Timestamp, err = ParseDate(rec[colEventTS]); err != nil {
		return e, fieldError(origin, row, colEventTS, err)
	}
	if e.Timestamp.IsZero() {
		return e, fieldError(origin, row, colEventTS, errors.New("empty timestamp"))
	}
	e.Type = strings.ToLower(strings.TrimSpace(rec[colEventType]))
	if e.Type == "" {
		return e, fieldError(origin, row, colEventType, errors.New("empty event type"))
	}
	if v := strings.TrimSpace(rec[colValueNum]); v != "" {
		f, err := parseFloat(v)
		if err != nil {
			return e, fieldError(origin, row, colValueNum, err)
		}
		e.ValueNum = &f
	}
	if v, ok := rec[colValueText]; ok && v != "" {
		e.ValueText = &v
	}
	return e, nil
}

// csvRows streams a CSV with a header row, handing each record to fn.
func csvRows(origin string, r io.Reader, required, optional []string, logger zerolog.Logger, fn func(row int, rec Record) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return cxerrors.New(cxerrors.ErrCodeDataSourceMalformed, "empty csv").
			WithComponent("source").
			WithContext("origin", origin)
	}
	if err != nil {
		return cxerrors.Wrap(err, cxerrors.ErrCodeDataSourceMalformed, "read csv header").
			WithComponent("source").
			WithContext("origin", origin)
	}
	columns := make([]string, len(header))
	present := make(map[string]bool, len(header))
	for i, h := range header {
		columns[i] = NormalizeColumn(h)
		present[columns[i]] = true
	}
	if err := CheckColumns(origin, present, required, optional, logger); err != nil {
		return err
	}

	for row := 1; ; row++ {
		fields, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return cxerrors.Wrap(err, cxerrors.ErrCodeDataSourceMalformed, "read csv row").
				WithComponent("source").
				WithContext("origin", origin).
				WithDetail("row", row)
		}
		rec := make(Record, len(columns))
		for i, col := range columns {
			if i < len(fields) {
				rec[col] = fields[i]
			}
		}
		if err := fn(row, rec); err != nil {
			return err
		}
	}
}

// DecodeAccounts parses an accounts CSV.
func DecodeAccounts(origin string, r io.Reader, logger zerolog.Logger) ([]types.Account, error) {
	var accounts []types.Account
	err := csvRows(origin, r, accountRequired, accountOptional, logger, func(row int, rec Record) error {
		a, err := AccountFromRecord(origin, row, rec)
		if err != nil {
			return err
		}
		accounts = append(accounts, a)
		return nil
	})
	return accounts, err
}

// DecodeEvents parses an events CSV.
func DecodeEvents(origin string, r io.Reader, logger zerolog.Logger) ([]types.Event, error) {
	var events []types.Event
	err := csvRows(origin, r, eventRequired, eventOptional, logger, func(row int, rec Record) error {
		e, err := EventFromRecord(origin, row, rec)
		if err != nil {
			return err
		}
		events = append(events, e)
		return nil
	})
	return events, err
}
