package web

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/local/renewalcal/internal/contract"
	"github.com/local/renewalcal/internal/inference"
	"github.com/local/renewalcal/internal/pipeline"
	"github.com/local/renewalcal/internal/storage"
	"github.com/local/renewalcal/internal/store"
	"github.com/local/renewalcal/internal/textlayer"
)

var pdfBytes = []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<< /Type /Catalog >>\nendobj\n")

const agreement = "MASTER SERVICES AGREEMENT between Acme Corp and Customer. Renewal date June 30, 2024."

type staticText struct{}

func (staticText) Name() string { return "static" }

func (staticText) Extract([]byte) (textlayer.Document, error) {
	return textlayer.Document{Pages: []textlayer.Page{textlayer.NewPage(0, agreement)}}, nil
}

type staticInference struct{}

func (staticInference) Extract(context.Context, string, string) inference.Result {
	s := func(v string) *string { return &v }
	conf := 0.9
	return inference.Result{Fields: &inference.Fields{
		VendorName:       s("Acme Corp"),
		StartDate:        s("2023-07-01"),
		EndDate:          s("2024-06-30"),
		RenewalDate:      s("2024-06-30"),
		RenewalTerm:      s("12 months"),
		NoticePeriodDays: float64(30),
		Confidence:       &conf,
	}}
}

type captureMailer struct {
	to  []string
	ics []byte
}

func (m *captureMailer) SendCalendar(_ context.Context, to []string, ics []byte) error {
	m.to, m.ics = to, ics
	return nil
}

type testServer struct {
	h      http.Handler
	store  *store.Memory
	mailer *captureMailer
}

func newTestServer(t *testing.T, withMailer bool) *testServer {
	t.Helper()
	docs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemory()
	p := pipeline.New(pipeline.Dependencies{
		Store:     st,
		Documents: docs,
		Text:      staticText{},
		Inference: staticInference{},
	}, pipeline.Config{SaveText: true})
	deps := Dependencies{Pipeline: p, Store: st, Documents: docs}
	ts := &testServer{store: st}
	if withMailer {
		ts.mailer = &captureMailer{}
		deps.Mailer = ts.mailer
	}
	ts.h = New(deps, Options{}).Router()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) upload(t *testing.T, names ...string) []uploadItem {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, n := range names {
		fw, err := mw.CreateFormFile("files", n)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write(pdfBytes)
	}
	_ = mw.Close()
	rec := ts.do(t, http.MethodPost, "/contracts", buf.Bytes(), mw.FormDataContentType())
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Items []uploadItem `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.Items
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body %q: %v", rec.Body, err)
	}
	return body.Error
}

func TestUploadListAndCalendar(t *testing.T) {
	ts := newTestServer(t, false)
	items := ts.upload(t, "acme.pdf", "globex.pdf")
	if len(items) != 2 {
		t.Fatalf("items = %+v", items)
	}
	for i, it := range items {
		if it.ID == nil || it.ExtractionStatus != contract.StatusSuccess {
			t.Fatalf("item %d = %+v", i, it)
		}
	}
	if items[0].FileName != "acme.pdf" || items[1].FileName != "globex.pdf" {
		t.Fatalf("items out of upload order: %+v", items)
	}

	rec := ts.do(t, http.MethodGet, "/contracts", nil, "")
	var list []contract.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 2 {
		t.Fatalf("list = %s (%v)", rec.Body, err)
	}
	if list[0].NoticeDeadline == nil || list[0].NoticeDeadline.String() != "2024-05-31" {
		t.Fatalf("deadline = %v", list[0].NoticeDeadline)
	}

	rec = ts.do(t, http.MethodGet, "/calendar", nil, "")
	var cal struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &cal); err != nil || len(cal.Events) != 6 {
		t.Fatalf("calendar = %s", rec.Body)
	}

	rec = ts.do(t, http.MethodGet, "/calendar.ics?reminder_days=7", nil, "")
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/calendar") {
		t.Fatalf("ics status %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	ics := rec.Body.String()
	if strings.Count(ics, "BEGIN:VEVENT") != 6 || !strings.Contains(ics, "TRIGGER:-PT10080M") {
		t.Fatalf("ics = %s", ics)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "brm-renewal-calendar.ics") {
		t.Fatalf("disposition = %q", rec.Header().Get("Content-Disposition"))
	}
}

func TestUploadWithoutFiles(t *testing.T) {
	ts := newTestServer(t, false)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("note", "x")
	_ = mw.Close()
	rec := ts.do(t, http.MethodPost, "/contracts", buf.Bytes(), mw.FormDataContentType())
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != "bad_request" {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
}

func TestUploadRejectsNonPDF(t *testing.T) {
	ts := newTestServer(t, false)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("files", "notes.pdf")
	_, _ = fw.Write([]byte("just some plain text pretending to be a pdf"))
	_ = mw.Close()
	rec := ts.do(t, http.MethodPost, "/contracts", buf.Bytes(), mw.FormDataContentType())
	var resp struct {
		Items []uploadItem `json:"items"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Items) != 1 || resp.Items[0].ExtractionStatus != contract.StatusFailed || resp.Items[0].ID == nil {
		t.Fatalf("items = %+v", resp.Items)
	}
	got := ts.do(t, http.MethodGet, "/contracts/"+*resp.Items[0].ID, nil, "")
	var r contract.Record
	_ = json.Unmarshal(got.Body.Bytes(), &r)
	if r.Notes == nil || !strings.HasPrefix(*r.Notes, "document_unreadable: ") {
		t.Fatalf("notes = %v", r.Notes)
	}
}

func TestGetMissingContract(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(t, http.MethodGet, "/contracts/nope", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != "not_found" || e.Message != "Contract not found" {
		t.Fatalf("error = %+v", e)
	}
}

func TestUpdateContract(t *testing.T) {
	ts := newTestServer(t, false)
	id := *ts.upload(t, "acme.pdf")[0].ID

	rec := ts.do(t, http.MethodPut, "/contracts/"+id, []byte(`{"notice_period_days": 60, "renewal_term": null}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var r contract.Record
	_ = json.Unmarshal(rec.Body.Bytes(), &r)
	if r.NoticeDeadline == nil || r.NoticeDeadline.String() != "2024-05-01" {
		t.Fatalf("deadline = %v", r.NoticeDeadline)
	}
	if r.RenewalTerm != nil || r.VendorName == nil {
		t.Fatalf("record = %+v", r)
	}

	rec = ts.do(t, http.MethodPut, "/contracts/"+id, []byte(`{"notice_period_days": -1}`), "application/json")
	if rec.Code != http.StatusUnprocessableEntity || decodeError(t, rec).Code != "validation_error" {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	rec = ts.do(t, http.MethodPut, "/contracts/"+id, []byte(`{"renewal_date": "30/06/2024"}`), "application/json")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad date status %d", rec.Code)
	}
}

func TestPDFAndText(t *testing.T) {
	ts := newTestServer(t, false)
	id := *ts.upload(t, "acme.pdf")[0].ID

	rec := ts.do(t, http.MethodGet, "/contracts/"+id+"/pdf?download=true", nil, "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("status %d type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename="Acme Corp.pdf"` {
		t.Fatalf("disposition = %q", cd)
	}
	if !bytes.Equal(rec.Body.Bytes(), pdfBytes) {
		t.Fatal("pdf bytes differ")
	}
	rec = ts.do(t, http.MethodGet, "/contracts/"+id+"/pdf", nil, "")
	if !strings.HasPrefix(rec.Header().Get("Content-Disposition"), "inline") {
		t.Fatalf("disposition = %q", rec.Header().Get("Content-Disposition"))
	}

	rec = ts.do(t, http.MethodGet, "/contracts/"+id+"/ocr_text", nil, "")
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if !strings.Contains(body["text"], "MASTER SERVICES AGREEMENT") {
		t.Fatalf("text = %q", body["text"])
	}
}

func TestReprocess(t *testing.T) {
	ts := newTestServer(t, false)
	id := *ts.upload(t, "acme.pdf")[0].ID
	rec := ts.do(t, http.MethodPost, "/contracts/"+id+"/reprocess", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	rec = ts.do(t, http.MethodPost, "/contracts/missing/reprocess", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing status %d", rec.Code)
	}
}

func TestDeleteContracts(t *testing.T) {
	ts := newTestServer(t, false)
	items := ts.upload(t, "a.pdf", "b.pdf", "c.pdf")

	rec := ts.do(t, http.MethodDelete, "/contracts/"+*items[0].ID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/contracts/"+*items[0].ID+"/pdf", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pdf after delete = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodDelete, "/contracts", nil, "")
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["message"] != "Cleared 2 contracts and removed uploads" {
		t.Fatalf("message = %q", body["message"])
	}
	recs, _ := ts.store.List(context.Background())
	if len(recs) != 0 {
		t.Fatalf("left %d records", len(recs))
	}
}

func TestCalendarICSRejectsBadReminder(t *testing.T) {
	ts := newTestServer(t, false)
	for _, v := range []string{"soon", "-1", "3651", "9223372036854775807"} {
		rec := ts.do(t, http.MethodGet, "/calendar.ics?reminder_days="+v, nil, "")
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: status %d", v, rec.Code)
		}
	}
	rec := ts.do(t, http.MethodGet, "/calendar.ics?reminder_days=3650", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("upper bound: status %d", rec.Code)
	}

	mail := newTestServer(t, true)
	rec = mail.do(t, http.MethodPost, "/calendar/email", []byte(`{"to":["ops@example.com"],"reminder_days":100000}`), "application/json")
	if rec.Code != http.StatusUnprocessableEntity || mail.mailer.to != nil {
		t.Fatalf("email status %d, sent to %v", rec.Code, mail.mailer.to)
	}
}

func TestEmailCalendar(t *testing.T) {
	ts := newTestServer(t, true)
	ts.upload(t, "acme.pdf")
	rec := ts.do(t, http.MethodPost, "/calendar/email", []byte(`{"to":["ops@example.com"],"reminder_days":3}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if len(ts.mailer.to) != 1 || !bytes.Contains(ts.mailer.ics, []byte("TRIGGER:-PT4320M")) {
		t.Fatalf("mailer got to=%v ics=%s", ts.mailer.to, ts.mailer.ics)
	}

	off := newTestServer(t, false)
	rec = off.do(t, http.MethodPost, "/calendar/email", []byte(`{"to":["ops@example.com"]}`), "application/json")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured status %d", rec.Code)
	}
}

func TestExportXLSX(t *testing.T) {
	ts := newTestServer(t, false)
	ts.upload(t, "acme.pdf")
	rec := ts.do(t, http.MethodGet, "/contracts.xlsx", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Header().Get("Content-Type"), "spreadsheetml") {
		t.Fatalf("status %d type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	// xlsx is a zip archive
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")) {
		t.Fatal("not a zip payload")
	}
}

func TestHealthWithoutChecker(t *testing.T) {
	ts := newTestServer(t, false)
	if rec := ts.do(t, http.MethodGet, "/health", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}
