package contract

import (
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Status is the extraction lifecycle state of a record.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// MaxNoticeDays bounds notice periods, extracted or edited.
const MaxNoticeDays = 3650

// Field names as they appear in JSON, uncertain_fields and candidate_dates.
const (
	FieldVendorName       = "vendor_name"
	FieldStartDate        = "start_date"
	FieldEndDate          = "end_date"
	FieldRenewalDate      = "renewal_date"
	FieldRenewalTerm      = "renewal_term"
	FieldNoticePeriodDays = "notice_period_days"
)

// Fields lists the extracted fields in canonical order.
var Fields = []string{
	FieldVendorName,
	FieldStartDate,
	FieldEndDate,
	FieldRenewalDate,
	FieldRenewalTerm,
	FieldNoticePeriodDays,
}

// DateFields are the fields that carry candidate dates.
var DateFields = []string{FieldStartDate, FieldEndDate, FieldRenewalDate}

// IsField reports whether name is a known extracted field.
func IsField(name string) bool {
	for _, f := range Fields {
		if f == name {
			return true
		}
	}
	return false
}

// IsDateField reports whether name is a date field.
func IsDateField(name string) bool {
	for _, f := range DateFields {
		if f == name {
			return true
		}
	}
	return false
}

// Terms holds the extracted contract terms. Any of them may be unknown.
type Terms struct {
	VendorName       *string `json:"vendor_name"`
	StartDate        *Date   `json:"start_date"`
	EndDate          *Date   `json:"end_date"`
	RenewalDate      *Date   `json:"renewal_date"`
	RenewalTerm      *string `json:"renewal_term"`
	NoticePeriodDays *int    `json:"notice_period_days"`
}

// Quality describes how far the extracted terms can be trusted.
type Quality struct {
	Confidence      *float64          `json:"extraction_confidence"`
	NeedsReview     bool              `json:"needs_review"`
	Notes           *string           `json:"extraction_notes"`
	UncertainFields []string          `json:"uncertain_fields"`
	CandidateDates  map[string][]Date `json:"candidate_dates"`
}

// Record is the persisted result of extracting one contract document.
type Record struct {
	ID           string `json:"id"`
	FileName     string `json:"file_name"`
	DisplayName  string `json:"display_name"`
	Location     string `json:"pdf_path"`
	TextLocation string `json:"text_path,omitempty"`
	OCRPages     []int  `json:"ocr_pages,omitempty"`

	Terms
	NoticeDeadline *Date  `json:"notice_deadline"`
	Status         Status `json:"extraction_status"`
	Quality

	// CustomDisplayName is set once a user names the record explicitly; vendor edits
	// then stop overriding the display name.
	CustomDisplayName bool `json:"custom_display_name,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPending returns a record for a document whose extraction has not run yet.
func NewPending(id, fileName, location string, now time.Time) *Record {
	return &Record{
		ID:          id,
		FileName:    fileName,
		DisplayName: FileStem(fileName),
		Location:    location,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// FileStem returns the file name without directory and extension.
func FileStem(name string) string {
	base := filepath.Base(name)
	if base == "." || base == "/" {
		return name
	}
	if stem := strings.TrimSuffix(base, filepath.Ext(base)); stem != "" {
		return stem
	}
	return base
}

// ComputeNoticeDeadline returns renewal minus days when both are known.
// A zero-day notice period yields the renewal date itself.
func ComputeNoticeDeadline(renewal *Date, days *int) *Date {
	if renewal == nil || days == nil {
		return nil
	}
	d := renewal.AddDays(-*days)
	return &d
}

// RecomputeDeadline refreshes NoticeDeadline from the current terms.
func (r *Record) RecomputeDeadline() {
	r.NoticeDeadline = ComputeNoticeDeadline(r.RenewalDate, r.NoticePeriodDays)
}

// refreshDisplayName derives the display name from the vendor unless the user set one.
func (r *Record) refreshDisplayName() {
	if r.CustomDisplayName {
		return
	}
	if r.VendorName != nil && strings.TrimSpace(*r.VendorName) != "" {
		r.DisplayName = strings.TrimSpace(*r.VendorName)
		return
	}
	r.DisplayName = FileStem(r.FileName)
}

// Complete stores a successful extraction on the record.
func (r *Record) Complete(t Terms, q Quality, now time.Time) {
	r.Terms = t
	r.Quality = q
	r.Quality.UncertainFields = SortFields(q.UncertainFields)
	r.Status = StatusSuccess
	r.RecomputeDeadline()
	r.refreshDisplayName()
	r.UpdatedAt = now
}

// Fail marks the record failed, clearing any previously extracted terms.
func (r *Record) Fail(note string, now time.Time) {
	r.Terms = Terms{}
	r.Quality = Quality{NeedsReview: true}
	if note != "" {
		r.Notes = &note
	}
	r.Status = StatusFailed
	r.RecomputeDeadline()
	r.refreshDisplayName()
	r.UpdatedAt = now
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.VendorName = clonePtr(r.VendorName)
	c.StartDate = clonePtr(r.StartDate)
	c.EndDate = clonePtr(r.EndDate)
	c.RenewalDate = clonePtr(r.RenewalDate)
	c.RenewalTerm = clonePtr(r.RenewalTerm)
	c.NoticePeriodDays = clonePtr(r.NoticePeriodDays)
	c.NoticeDeadline = clonePtr(r.NoticeDeadline)
	c.Confidence = clonePtr(r.Confidence)
	c.Notes = clonePtr(r.Notes)
	if r.UncertainFields != nil {
		c.UncertainFields = append([]string(nil), r.UncertainFields...)
	}
	if r.OCRPages != nil {
		c.OCRPages = append([]int(nil), r.OCRPages...)
	}
	if r.CandidateDates != nil {
		c.CandidateDates = make(map[string][]Date, len(r.CandidateDates))
		for k, v := range r.CandidateDates {
			c.CandidateDates[k] = append([]Date(nil), v...)
		}
	}
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// SortFields deduplicates field names and orders them canonically; unknown names go last.
func SortFields(fields []string) []string {
	if len(fields) == 0 {
		return nil
	}
	rank := func(f string) int {
		for i, k := range Fields {
			if k == f {
				return i
			}
		}
		return len(Fields)
	}
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}
