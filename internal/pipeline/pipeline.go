// Package pipeline runs one contract document from bytes to a stored record:
// text layer, optional OCR fallback, inference, normalization and deadline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/renewalcal/internal/contract"
	"github.com/local/renewalcal/internal/filetype"
	"github.com/local/renewalcal/internal/inference"
	"github.com/local/renewalcal/internal/logger"
	"github.com/local/renewalcal/internal/metrics"
	"github.com/local/renewalcal/internal/normalize"
	"github.com/local/renewalcal/internal/storage"
	"github.com/local/renewalcal/internal/store"
	"github.com/local/renewalcal/internal/textlayer"
)

// Failure reasons recorded on failed records, as "<reason>: <detail>".
const (
	ReasonUnreadable  = "document_unreadable"
	ReasonNoText      = "no_text"
	ReasonUnavailable = string(inference.ClassUnavailable)
	ReasonMalformed   = string(inference.ClassMalformed)
)

// OCR recovers text for the sparse pages of doc.
type OCR interface {
	Name() string
	Recover(ctx context.Context, data []byte, doc textlayer.Document) (textlayer.Document, []string)
}

// Inferer extracts raw fields from document text.
type Inferer interface {
	Extract(ctx context.Context, docID, text string) inference.Result
}

// Converter turns non-PDF uploads into PDF.
type Converter interface {
	Supports(ext string) bool
	ToPDF(ctx context.Context, name string, data []byte) ([]byte, error)
}

// Enqueuer hands a record id to background workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, id string) error
}

type Dependencies struct {
	Store     store.Store
	Documents storage.Documents
	Detector  *filetype.Detector
	Text      textlayer.Extractor
	// OCR may be nil, in which case image-only documents fail with no_text.
	OCR       OCR
	Inference Inferer
	// Queue is only needed for Submit.
	Queue Enqueuer
	// Converter is optional; without it only PDFs are readable.
	Converter Converter
}

type Config struct {
	MinPageChars    int
	MaxSparseRatio  float64
	ReviewThreshold float64
	// Concurrency bounds IngestBatch.
	Concurrency int
	// SaveText keeps the combined text next to the document for the ocr_text view.
	SaveText bool
}

// Upload is one document to ingest.
type Upload struct {
	FileName string
	Data     []byte
}

type Pipeline struct {
	deps Dependencies
	cfg  Config
	now  func() time.Time
}

func New(deps Dependencies, cfg Config) *Pipeline {
	if cfg.MinPageChars <= 0 {
		cfg.MinPageChars = textlayer.DefaultMinPageChars
	}
	if cfg.MaxSparseRatio <= 0 {
		cfg.MaxSparseRatio = textlayer.DefaultMaxSparseRatio
	}
	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = normalize.DefaultReviewThreshold
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if deps.Detector == nil {
		deps.Detector = filetype.New()
	}
	return &Pipeline{deps: deps, cfg: cfg, now: time.Now}
}

// Ingest stores the document, creates a pending record and runs extraction.
// Extraction problems end up on the returned record as status failed; an error
// is returned only when storage itself fails.
func (p *Pipeline) Ingest(ctx context.Context, up Upload) (*contract.Record, error) {
	rec, data, err := p.createPending(ctx, up)
	if err != nil {
		return nil, err
	}
	return p.execute(ctx, rec, data)
}

// Submit stores the document and creates a pending record, then queues it for a worker.
func (p *Pipeline) Submit(ctx context.Context, up Upload) (*contract.Record, error) {
	if p.deps.Queue == nil {
		return nil, errors.New("no ingest queue configured")
	}
	rec, data, err := p.createPending(ctx, up)
	if err != nil {
		return nil, err
	}
	if err := p.deps.Queue.Enqueue(ctx, rec.ID); err != nil {
		log.Error().Err(err).Str("contract_id", rec.ID).Msg("enqueue failed; running inline")
		return p.execute(ctx, rec, data)
	}
	log.Info().Str("contract_id", rec.ID).Str("file", rec.FileName).Msg("contract queued")
	return rec, nil
}

// Run re-extracts an existing record from its stored document.
func (p *Pipeline) Run(ctx context.Context, id string) (*contract.Record, error) {
	rec, err := p.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := p.deps.Documents.Get(ctx, rec.Location)
	if errors.Is(err, storage.ErrNotFound) {
		rec.Fail(fmt.Sprintf("%s: stored document is missing", ReasonUnreadable), p.now())
		metrics.IncDocument(string(rec.Status), ReasonUnreadable)
		return rec, p.deps.Store.Update(ctx, rec)
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}
	return p.execute(ctx, rec, data)
}

// Text returns the combined text of a stored record, preferring the saved copy.
func (p *Pipeline) Text(ctx context.Context, rec *contract.Record) (string, error) {
	if rec.TextLocation != "" {
		b, err := p.deps.Documents.Get(ctx, rec.TextLocation)
		if err == nil {
			return string(b), nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
	}
	data, err := p.deps.Documents.Get(ctx, rec.Location)
	if err != nil {
		return "", err
	}
	doc, _, err := p.readText(context.WithoutCancel(ctx), rec.ID, data)
	if err != nil {
		return "", err
	}
	return doc.Text(), nil
}

func (p *Pipeline) createPending(ctx context.Context, up Upload) (*contract.Record, []byte, error) {
	id := uuid.NewString()
	name := filepath.Base(up.FileName)
	if name == "." || name == "/" || name == "" {
		name = "document.pdf"
	}
	data, key := p.prepare(ctx, name, up.Data)
	loc, err := p.deps.Documents.Put(ctx, id+"/"+key, data, storage.Meta{
		OriginalName: name,
		ContentType:  "application/pdf",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("store document: %w", err)
	}
	rec := contract.NewPending(id, name, loc, p.now())
	if err := p.deps.Store.CreatePending(ctx, rec); err != nil {
		_ = p.deps.Documents.Delete(ctx, loc)
		return nil, nil, fmt.Errorf("create record: %w", err)
	}
	log.Info().Str("contract_id", id).Str("file", name).Int("bytes", len(data)).Msg("contract received")
	return rec, data, nil
}

// prepare converts supported non-PDF uploads and returns the bytes to store
// with their storage name. When conversion is unavailable or fails the upload
// is kept as is and extraction reports it as unreadable.
func (p *Pipeline) prepare(ctx context.Context, name string, data []byte) ([]byte, string) {
	if p.deps.Converter == nil {
		return data, name
	}
	info := p.deps.Detector.Detect(data)
	if info.Supported {
		return data, name
	}
	ext := filepath.Ext(name)
	if !p.deps.Converter.Supports(ext) {
		ext = info.Extension
		if !p.deps.Converter.Supports(ext) {
			return data, name
		}
	}
	stem := contract.FileStem(name)
	pdf, err := p.deps.Converter.ToPDF(ctx, stem+ext, data)
	if err != nil {
		log.Warn().Err(err).Str("file", name).Str("mime", info.MIMEType).Msg("conversion to PDF failed")
		metrics.IncConversion("failed")
		return data, name
	}
	metrics.IncConversion("ok")
	return pdf, stem + ".pdf"
}

// execute runs extraction on a context detached from the caller: a client that
// goes away does not interrupt the document, the OCR and inference timeouts bound it.
func (p *Pipeline) execute(ctx context.Context, rec *contract.Record, data []byte) (*contract.Record, error) {
	start := time.Now()
	p.process(context.WithoutCancel(ctx), rec, data)

	if err := p.deps.Store.Update(context.WithoutCancel(ctx), rec); err != nil {
		return rec, fmt.Errorf("save record %s: %w", rec.ID, err)
	}
	lg := logger.Contract(rec.ID)
	ev := lg.Info()
	if rec.Status == contract.StatusFailed {
		ev = lg.Warn()
	}
	ev.Str("status", string(rec.Status)).
		Bool("needs_review", rec.NeedsReview).
		Strs("uncertain", rec.UncertainFields).
		Ints("ocr_pages", rec.OCRPages).
		Dur("elapsed", time.Since(start)).
		Msg("contract processed")
	return rec, nil
}

// process mutates rec into its terminal state. It never returns an error.
func (p *Pipeline) process(ctx context.Context, rec *contract.Record, data []byte) {
	fail := func(reason, detail string) {
		rec.Fail(reason+": "+detail, p.now())
		metrics.IncDocument(string(contract.StatusFailed), reason)
	}

	doc, ocrNotes, err := p.readText(ctx, rec.ID, data)
	if err != nil {
		fail(ReasonUnreadable, strings.TrimPrefix(err.Error(), textlayer.ErrDocumentUnreadable.Error()+": "))
		return
	}
	rec.OCRPages = nil
	for _, pg := range doc.Pages {
		if pg.OCR {
			rec.OCRPages = append(rec.OCRPages, pg.Index+1)
		}
	}

	text := doc.Text()
	if strings.TrimSpace(text) == "" {
		fail(ReasonNoText, fmt.Sprintf("no extractable text on %d pages", len(doc.Pages)))
		return
	}
	if p.cfg.SaveText {
		loc, err := p.deps.Documents.Put(ctx, rec.ID+"/text.txt", []byte(text), storage.Meta{
			OriginalName: contract.FileStem(rec.FileName) + ".txt",
			ContentType:  "text/plain; charset=utf-8",
		})
		if err != nil {
			log.Warn().Err(err).Str("contract_id", rec.ID).Msg("failed to save extracted text")
		} else {
			rec.TextLocation = loc
		}
	}

	res := p.deps.Inference.Extract(ctx, rec.ID, text)
	if !res.OK() {
		fail(string(res.Failure.Class), res.Failure.Err.Error())
		return
	}

	norm := normalize.Normalize(*res.Fields, normalize.Options{ReviewThreshold: p.cfg.ReviewThreshold})
	q := norm.Quality
	if res.Truncated {
		ocrNotes = append(ocrNotes, "document text truncated before inference")
	}
	if len(ocrNotes) > 0 {
		all := ocrNotes
		if q.Notes != nil {
			all = append([]string{*q.Notes}, ocrNotes...)
		}
		joined := strings.Join(all, "; ")
		q.Notes = &joined
	}
	rec.Complete(norm.Terms, q, p.now())
	metrics.IncDocument(string(contract.StatusSuccess), "")
	if rec.NeedsReview {
		metrics.IncNeedsReview()
	}
}

// readText extracts the text layer and, when most pages are sparse, runs OCR.
func (p *Pipeline) readText(ctx context.Context, id string, data []byte) (textlayer.Document, []string, error) {
	info, err := p.deps.Detector.RequirePDF(data)
	if err != nil {
		return textlayer.Document{}, nil, fmt.Errorf("%w: %v", textlayer.ErrDocumentUnreadable, err)
	}
	doc, err := p.deps.Text.Extract(data)
	if err != nil {
		return textlayer.Document{}, nil, err
	}
	if info.Pages > 0 && info.Pages != len(doc.Pages) {
		log.Debug().Str("contract_id", id).Int("pdfcpu_pages", info.Pages).Int("text_pages", len(doc.Pages)).Msg("page count mismatch")
	}
	if !doc.NeedsOCR(p.cfg.MinPageChars, p.cfg.MaxSparseRatio) {
		return doc, nil, nil
	}
	if p.deps.OCR == nil {
		log.Warn().Str("contract_id", id).Float64("sparse_ratio", doc.SparseRatio(p.cfg.MinPageChars)).Msg("document needs OCR but no engine is configured")
		return doc, nil, nil
	}
	log.Info().
		Str("contract_id", id).
		Int("pages", len(doc.Pages)).
		Int("sparse", len(doc.SparsePages(p.cfg.MinPageChars))).
		Str("engine", p.deps.OCR.Name()).
		Msg("text layer insufficient, running OCR")
	recovered, notes := p.deps.OCR.Recover(ctx, data, doc)
	return recovered, notes, nil
}
