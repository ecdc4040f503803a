package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/local/renewalcal/internal/contract"
	"github.com/local/renewalcal/internal/inference"
	"github.com/local/renewalcal/internal/storage"
	"github.com/local/renewalcal/internal/store"
	"github.com/local/renewalcal/internal/textlayer"
)

var pdfBytes = []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<< /Type /Catalog >>\nendobj\n")

const agreement = "MASTER SERVICES AGREEMENT between Acme Corp and Customer. Renewal date June 30, 2024."

type fakeText struct {
	doc textlayer.Document
	err error
}

func (f fakeText) Name() string { return "fake" }

func (f fakeText) Extract([]byte) (textlayer.Document, error) { return f.doc, f.err }

func textDoc(pages ...string) textlayer.Document {
	var d textlayer.Document
	for i, p := range pages {
		d.Pages = append(d.Pages, textlayer.NewPage(i, p))
	}
	return d
}

type fakeOCR struct {
	text  map[int]string
	notes []string
	calls int32
}

func (f *fakeOCR) Name() string { return "fake-ocr" }

func (f *fakeOCR) Recover(_ context.Context, _ []byte, doc textlayer.Document) (textlayer.Document, []string) {
	atomic.AddInt32(&f.calls, 1)
	for idx, txt := range f.text {
		p := textlayer.NewPage(idx, txt)
		p.OCR = true
		doc = doc.Replace(p)
	}
	return doc, f.notes
}

type inferFunc func(ctx context.Context, docID, text string) inference.Result

func (f inferFunc) Extract(ctx context.Context, docID, text string) inference.Result {
	return f(ctx, docID, text)
}

func str(s string) *string { return &s }
func f64(v float64) *float64 { return &v }

func goodFields() inference.Fields {
	return inference.Fields{
		VendorName:       str("Acme Corp"),
		StartDate:        str("2023-07-01"),
		EndDate:          str("2024-06-30"),
		RenewalDate:      str("2024-06-30"),
		RenewalTerm:      str("12 months"),
		NoticePeriodDays: float64(30),
		Confidence:       f64(0.92),
	}
}

func succeed(context.Context, string, string) inference.Result {
	f := goodFields()
	return inference.Result{Fields: &f}
}

func failWith(class inference.FailureClass, msg string) inferFunc {
	return func(context.Context, string, string) inference.Result {
		return inference.Result{Failure: &inference.Failure{Class: class, Err: errors.New(msg)}}
	}
}

type harness struct {
	p     *Pipeline
	store *store.Memory
	docs  *storage.Local
}

func newHarness(t *testing.T, text textlayer.Extractor, ocr OCR, inf Inferer, cfg Config) *harness {
	t.Helper()
	docs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemory()
	deps := Dependencies{Store: st, Documents: docs, Text: text, Inference: inf}
	if ocr != nil {
		deps.OCR = ocr
	}
	return &harness{p: New(deps, cfg), store: st, docs: docs}
}

func TestIngestSuccess(t *testing.T) {
	h := newHarness(t, fakeText{doc: textDoc(agreement)}, nil, inferFunc(succeed), Config{SaveText: true})
	rec, err := h.p.Ingest(context.Background(), Upload{FileName: "acme.pdf", Data: pdfBytes})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if rec.Status != contract.StatusSuccess || rec.DisplayName != "Acme Corp" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.NoticeDeadline == nil || rec.NoticeDeadline.String() != "2024-05-31" {
		t.Fatalf("deadline = %v", rec.NoticeDeadline)
	}
	if rec.NeedsReview {
		t.Fatalf("clean extraction flagged for review: %+v", rec.Quality)
	}

	stored, err := h.store.Get(context.Background(), rec.ID)
	if err != nil || stored.Status != contract.StatusSuccess {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
	data, err := h.docs.Get(context.Background(), stored.Location)
	if err != nil || string(data) != string(pdfBytes) {
		t.Fatalf("document not kept: %v", err)
	}
	text, err := h.p.Text(context.Background(), stored)
	if err != nil || !strings.Contains(text, "Acme Corp") {
		t.Fatalf("Text = %q, %v", text, err)
	}
}

func TestIngestTerminalFailures(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		text   textlayer.Extractor
		inf    inferFunc
		prefix string
	}{
		{"inference unavailable", pdfBytes, fakeText{doc: textDoc(agreement)}, failWith(inference.ClassUnavailable, "status 502"), "inference_unavailable: "},
		{"inference malformed", pdfBytes, fakeText{doc: textDoc(agreement)}, failWith(inference.ClassMalformed, "missing properties"), "inference_malformed: "},
		{"not a pdf", []byte("hello, this is plain text"), fakeText{doc: textDoc(agreement)}, inferFunc(succeed), "document_unreadable: unsupported file type"},
		{"unreadable pdf", pdfBytes, fakeText{err: fmt.Errorf("%w: bad xref", textlayer.ErrDocumentUnreadable)}, inferFunc(succeed), "document_unreadable: bad xref"},
		{"no text", pdfBytes, fakeText{doc: textDoc("", "")}, inferFunc(succeed), "no_text: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var called int32
			inf := inferFunc(func(ctx context.Context, id, text string) inference.Result {
				atomic.AddInt32(&called, 1)
				return tt.inf(ctx, id, text)
			})
			h := newHarness(t, tt.text, nil, inf, Config{})
			rec, err := h.p.Ingest(context.Background(), Upload{FileName: "x.pdf", Data: tt.data})
			if err != nil {
				t.Fatalf("Ingest returned error: %v", err)
			}
			if rec.Status != contract.StatusFailed || !rec.NeedsReview {
				t.Fatalf("record = %+v", rec)
			}
			if rec.Notes == nil || !strings.HasPrefix(*rec.Notes, tt.prefix) {
				t.Fatalf("notes = %v", rec.Notes)
			}
			if rec.VendorName != nil || rec.RenewalDate != nil || rec.NoticeDeadline != nil {
				t.Fatalf("failed record kept terms: %+v", rec.Terms)
			}
			if !strings.HasPrefix(tt.prefix, "inference") && called != 0 {
				t.Fatal("inference called for a document without text")
			}
			if _, err := h.store.Get(context.Background(), rec.ID); err != nil {
				t.Fatalf("failed record not persisted: %v", err)
			}
		})
	}
}

func TestIngestUsesOCRForImageDocuments(t *testing.T) {
	ocr := &fakeOCR{
		text:  map[int]string{0: agreement, 1: "Notice: thirty (30) days before renewal."},
		notes: []string{"page 3: ocr failed: timed out"},
	}
	var seen string
	inf := inferFunc(func(ctx context.Context, id, text string) inference.Result {
		seen = text
		return succeed(ctx, id, text)
	})
	h := newHarness(t, fakeText{doc: textDoc("", "", "")}, ocr, inf, Config{})
	rec, err := h.p.Ingest(context.Background(), Upload{FileName: "scan.pdf", Data: pdfBytes})
	if err != nil {
		t.Fatal(err)
	}
	if ocr.calls != 1 {
		t.Fatalf("ocr calls = %d", ocr.calls)
	}
	if !strings.Contains(seen, "Acme Corp") || !strings.Contains(seen, "thirty (30)") {
		t.Fatalf("inference saw %q", seen)
	}
	if len(rec.OCRPages) != 2 || rec.OCRPages[0] != 1 || rec.OCRPages[1] != 2 {
		t.Fatalf("ocr pages = %v", rec.OCRPages)
	}
	if rec.Notes == nil || !strings.Contains(*rec.Notes, "page 3: ocr failed") {
		t.Fatalf("notes = %v", rec.Notes)
	}
}

func TestIngestSkipsOCRForMostlyTextDocuments(t *testing.T) {
	ocr := &fakeOCR{}
	h := newHarness(t, fakeText{doc: textDoc(agreement, "", agreement)}, ocr, inferFunc(succeed), Config{})
	if _, err := h.p.Ingest(context.Background(), Upload{FileName: "a.pdf", Data: pdfBytes}); err != nil {
		t.Fatal(err)
	}
	if ocr.calls != 0 {
		t.Fatal("ocr ran although only one page in three is sparse")
	}
}

func TestIngestIgnoresCallerCancellation(t *testing.T) {
	inf := inferFunc(func(ctx context.Context, id, text string) inference.Result {
		if ctx.Err() != nil {
			return inference.Result{Failure: &inference.Failure{Class: inference.ClassUnavailable, Err: ctx.Err()}}
		}
		return succeed(ctx, id, text)
	})
	h := newHarness(t, fakeText{doc: textDoc(agreement)}, nil, inf, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec, err := h.p.Ingest(ctx, Upload{FileName: "a.pdf", Data: pdfBytes})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != contract.StatusSuccess {
		t.Fatalf("status = %s, notes = %v", rec.Status, rec.Notes)
	}
}

func TestIngestBatchBoundsConcurrency(t *testing.T) {
	var inflight, peak int32
	inf := inferFunc(func(ctx context.Context, id, text string) inference.Result {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return succeed(ctx, id, text)
	})
	h := newHarness(t, fakeText{doc: textDoc(agreement)}, nil, inf, Config{Concurrency: 2})

	uploads := make([]Upload, 6)
	for i := range uploads {
		uploads[i] = Upload{FileName: fmt.Sprintf("c%d.pdf", i), Data: pdfBytes}
	}
	outcomes := Collect(h.p.IngestBatch(context.Background(), uploads), len(uploads))

	ids := map[string]bool{}
	for i, o := range outcomes {
		if o.Err != nil || o.Record == nil || o.Record.Status != contract.StatusSuccess {
			t.Fatalf("outcome %d = %+v", i, o)
		}
		if o.FileName != uploads[i].FileName {
			t.Fatalf("outcome %d is for %s", i, o.FileName)
		}
		ids[o.Record.ID] = true
	}
	if len(ids) != len(uploads) {
		t.Fatalf("ids not unique: %d", len(ids))
	}
	if peak > 2 {
		t.Fatalf("peak concurrency = %d", peak)
	}
	list, _ := h.store.List(context.Background())
	if len(list) != len(uploads) {
		t.Fatalf("stored %d records", len(list))
	}
}

func TestRunReprocessesStoredDocument(t *testing.T) {
	var mu sync.Mutex
	current := failWith(inference.ClassUnavailable, "timeout")
	inf := inferFunc(func(ctx context.Context, id, text string) inference.Result {
		mu.Lock()
		defer mu.Unlock()
		return current(ctx, id, text)
	})
	h := newHarness(t, fakeText{doc: textDoc(agreement)}, nil, inf, Config{})
	rec, _ := h.p.Ingest(context.Background(), Upload{FileName: "a.pdf", Data: pdfBytes})
	if rec.Status != contract.StatusFailed {
		t.Fatalf("status = %s", rec.Status)
	}

	mu.Lock()
	current = inferFunc(succeed)
	mu.Unlock()
	again, err := h.p.Run(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if again.Status != contract.StatusSuccess || again.ID != rec.ID || !again.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("rerun = %+v", again)
	}
	if _, err := h.p.Run(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Run missing = %v", err)
	}
}

func TestRunWithMissingDocument(t *testing.T) {
	h := newHarness(t, fakeText{doc: textDoc(agreement)}, nil, inferFunc(succeed), Config{})
	rec, _ := h.p.Ingest(context.Background(), Upload{FileName: "a.pdf", Data: pdfBytes})
	if err := h.docs.Delete(context.Background(), rec.Location); err != nil {
		t.Fatal(err)
	}
	again, err := h.p.Run(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != contract.StatusFailed || !strings.HasPrefix(*again.Notes, "document_unreadable") {
		t.Fatalf("rerun = %+v", again)
	}
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *fakeQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

func TestSubmitQueuesPendingRecord(t *testing.T) {
	q := &fakeQueue{}
	h := newHarness(t, fakeText{doc: textDoc(agreement)}, nil, inferFunc(succeed), Config{})
	h.p.deps.Queue = q
	rec, err := h.p.Submit(context.Background(), Upload{FileName: "a.pdf", Data: pdfBytes})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != contract.StatusPending || len(q.ids) != 1 || q.ids[0] != rec.ID {
		t.Fatalf("record %+v, queued %v", rec, q.ids)
	}

	q.err = errors.New("redis down")
	rec, err = h.p.Submit(context.Background(), Upload{FileName: "b.pdf", Data: pdfBytes})
	if err != nil || rec.Status != contract.StatusSuccess {
		t.Fatalf("inline fallback = %+v, %v", rec, err)
	}
}

type fakeConverter struct {
	err   error
	calls int
}

func (c *fakeConverter) Supports(ext string) bool { return strings.EqualFold(ext, ".docx") }

func (c *fakeConverter) ToPDF(_ context.Context, name string, _ []byte) ([]byte, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return pdfBytes, nil
}

func TestIngestConvertsOfficeDocuments(t *testing.T) {
	conv := &fakeConverter{}
	h := newHarness(t, fakeText{doc: textDoc(agreement)}, nil, inferFunc(succeed), Config{})
	h.p.deps.Converter = conv

	rec, err := h.p.Ingest(context.Background(), Upload{FileName: "lease.docx", Data: []byte("PK\x03\x04 word document")})
	if err != nil {
		t.Fatal(err)
	}
	if conv.calls != 1 || rec.Status != contract.StatusSuccess || rec.FileName != "lease.docx" {
		t.Fatalf("calls %d, record %+v", conv.calls, rec)
	}
	if !strings.HasSuffix(rec.Location, "lease.pdf") {
		t.Fatalf("location = %q", rec.Location)
	}
	data, err := h.docs.Get(context.Background(), rec.Location)
	if err != nil || string(data) != string(pdfBytes) {
		t.Fatalf("stored = %q, %v", data, err)
	}

	// PDFs skip the converter.
	if _, err := h.p.Ingest(context.Background(), Upload{FileName: "a.pdf", Data: pdfBytes}); err != nil || conv.calls != 1 {
		t.Fatalf("calls = %d, %v", conv.calls, err)
	}
}

func TestIngestFailedConversionIsUnreadable(t *testing.T) {
	h := newHarness(t, fakeText{doc: textDoc(agreement)}, nil, inferFunc(succeed), Config{})
	h.p.deps.Converter = &fakeConverter{err: errors.New("document is password protected")}

	rec, err := h.p.Ingest(context.Background(), Upload{FileName: "lease.docx", Data: []byte("PK\x03\x04 word document")})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != contract.StatusFailed || rec.Notes == nil || !strings.HasPrefix(*rec.Notes, ReasonUnreadable) {
		t.Fatalf("record = %+v", rec)
	}
}
