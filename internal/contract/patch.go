package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Optional distinguishes an absent JSON key from an explicit null.
type Optional[T any] struct {
	Set   bool
	Value *T
}

func (o *Optional[T]) UnmarshalJSON(b []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		o.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

// Some builds a set optional holding v.
func Some[T any](v T) Optional[T] { return Optional[T]{Set: true, Value: &v} }

// Null builds a set optional that clears the field.
func Null[T any]() Optional[T] { return Optional[T]{Set: true} }

// ValidationError reports a rejected edit.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Patch is a partial human correction of a record. Only keys present in the
// request are applied; an explicit null clears the field.
type Patch struct {
	DisplayName      Optional[string]            `json:"display_name"`
	VendorName       Optional[string]            `json:"vendor_name"`
	StartDate        Optional[Date]              `json:"start_date"`
	EndDate          Optional[Date]              `json:"end_date"`
	RenewalDate      Optional[Date]              `json:"renewal_date"`
	RenewalTerm      Optional[string]            `json:"renewal_term"`
	NoticePeriodDays Optional[int]               `json:"notice_period_days"`
	NeedsReview      Optional[bool]              `json:"needs_review"`
	Notes            Optional[string]            `json:"extraction_notes"`
	UncertainFields  Optional[[]string]          `json:"uncertain_fields"`
	CandidateDates   Optional[map[string][]Date] `json:"candidate_dates"`
}

// Validate checks the patch without applying it.
func (p Patch) Validate() error {
	if v := p.NoticePeriodDays.Value; v != nil && (*v < 0 || *v > MaxNoticeDays) {
		return &ValidationError{Field: FieldNoticePeriodDays, Message: fmt.Sprintf("must be between 0 and %d", MaxNoticeDays)}
	}
	if p.UncertainFields.Value != nil {
		for _, f := range *p.UncertainFields.Value {
			if !IsField(f) {
				return &ValidationError{Field: "uncertain_fields", Message: fmt.Sprintf("unknown field %q", f)}
			}
		}
	}
	if p.CandidateDates.Value != nil {
		for f := range *p.CandidateDates.Value {
			if !IsDateField(f) {
				return &ValidationError{Field: "candidate_dates", Message: fmt.Sprintf("%q is not a date field", f)}
			}
		}
	}
	return nil
}

// Apply validates and applies the patch, then recomputes the notice deadline.
// Uncertainty metadata changes only when the patch names it; status is kept.
func (r *Record) Apply(p Patch, now time.Time) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.VendorName.Set {
		r.VendorName = trimmedOrNil(p.VendorName.Value)
	}
	if p.StartDate.Set {
		r.StartDate = p.StartDate.Value
	}
	if p.EndDate.Set {
		r.EndDate = p.EndDate.Value
	}
	if p.RenewalDate.Set {
		r.RenewalDate = p.RenewalDate.Value
	}
	if p.RenewalTerm.Set {
		r.RenewalTerm = trimmedOrNil(p.RenewalTerm.Value)
	}
	if p.NoticePeriodDays.Set {
		r.NoticePeriodDays = p.NoticePeriodDays.Value
	}
	if p.NeedsReview.Set {
		r.NeedsReview = p.NeedsReview.Value != nil && *p.NeedsReview.Value
	}
	if p.Notes.Set {
		r.Notes = trimmedOrNil(p.Notes.Value)
	}
	if p.UncertainFields.Set {
		if p.UncertainFields.Value == nil {
			r.UncertainFields = nil
		} else {
			r.UncertainFields = SortFields(*p.UncertainFields.Value)
		}
	}
	if p.CandidateDates.Set {
		if p.CandidateDates.Value == nil || len(*p.CandidateDates.Value) == 0 {
			r.CandidateDates = nil
		} else {
			r.CandidateDates = *p.CandidateDates.Value
		}
	}
	if p.DisplayName.Set {
		if name := trimmedOrNil(p.DisplayName.Value); name != nil {
			r.DisplayName = *name
			r.CustomDisplayName = true
		} else {
			r.CustomDisplayName = false
		}
	}
	r.refreshDisplayName()
	r.RecomputeDeadline()
	r.UpdatedAt = now
	return nil
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
