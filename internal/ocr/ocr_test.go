package ocr

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/local/renewalcal/internal/ai"
	"github.com/local/renewalcal/internal/textlayer"
)

type fakePages struct {
	renderErr map[int]error
	closed    bool
}

func (f *fakePages) RenderPNG(index, dpi int) ([]byte, error) {
	if err := f.renderErr[index]; err != nil {
		return nil, err
	}
	return []byte{byte(index)}, nil
}

func (f *fakePages) Close() error {
	f.closed = true
	return nil
}

type fakeRaster struct {
	pages   *fakePages
	openErr error
}

func (f fakeRaster) Open([]byte) (Pages, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.pages, nil
}

type fakeRecognizer struct {
	mu    sync.Mutex
	text  map[int]string
	errs  map[int]error
	block map[int]bool
	seen  []int
}

func (f *fakeRecognizer) Name() string { return "fake" }

func (f *fakeRecognizer) Recognize(ctx context.Context, img PageImage) (string, error) {
	f.mu.Lock()
	f.seen = append(f.seen, img.Index)
	f.mu.Unlock()
	if f.block[img.Index] {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err := f.errs[img.Index]; err != nil {
		return "", err
	}
	return f.text[img.Index], nil
}

func sampleDoc() textlayer.Document {
	return textlayer.Document{Pages: []textlayer.Page{
		textlayer.NewPage(0, ""),
		textlayer.NewPage(1, "This Agreement renews automatically for successive one year terms."),
		textlayer.NewPage(2, "  "),
	}}
}

func TestRecoverReplacesSparsePagesInOrder(t *testing.T) {
	pages := &fakePages{}
	rec := &fakeRecognizer{text: map[int]string{
		0: "MASTER SERVICES AGREEMENT\nAcme Corp",
		2: "Notice of non-renewal must be given sixty (60) days prior.",
	}}
	eng := NewEngine(fakeRaster{pages: pages}, rec, Config{})

	doc, notes := eng.Recover(context.Background(), nil, sampleDoc())
	if len(notes) != 0 {
		t.Fatalf("notes = %v", notes)
	}
	if !pages.closed {
		t.Fatal("rendered document not closed")
	}
	if got := rec.seen; len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("recognized pages = %v", got)
	}
	if !doc.Pages[0].OCR || !doc.Pages[2].OCR || doc.Pages[1].OCR {
		t.Fatalf("ocr flags = %v %v %v", doc.Pages[0].OCR, doc.Pages[1].OCR, doc.Pages[2].OCR)
	}
	text := doc.Text()
	first := strings.Index(text, "Acme Corp")
	mid := strings.Index(text, "renews automatically")
	last := strings.Index(text, "sixty (60)")
	if first < 0 || mid < first || last < mid {
		t.Fatalf("page order lost: %q", text)
	}
}

func TestRecoverDegradesFailedPages(t *testing.T) {
	pages := &fakePages{renderErr: map[int]error{2: errors.New("bad image")}}
	rec := &fakeRecognizer{
		text: map[int]string{},
		errs: map[int]error{0: errors.New("engine crashed")},
	}
	eng := NewEngine(fakeRaster{pages: pages}, rec, Config{})

	doc, notes := eng.Recover(context.Background(), nil, sampleDoc())
	if len(notes) != 2 {
		t.Fatalf("notes = %v", notes)
	}
	if !strings.HasPrefix(notes[0], "page 1: ocr failed") || !strings.HasPrefix(notes[1], "page 3: ocr failed") {
		t.Fatalf("notes = %v", notes)
	}
	if !doc.Pages[0].Failed || doc.Pages[0].Text != "" {
		t.Fatalf("page 0 = %+v", doc.Pages[0])
	}
	if !strings.Contains(doc.Text(), "renews automatically") {
		t.Fatal("text-layer page lost")
	}
}

func TestRecoverPageTimeout(t *testing.T) {
	rec := &fakeRecognizer{
		text:  map[int]string{2: "Vendor: Globex"},
		block: map[int]bool{0: true},
	}
	eng := NewEngine(fakeRaster{pages: &fakePages{}}, rec, Config{PageTimeout: 20 * time.Millisecond})

	start := time.Now()
	doc, notes := eng.Recover(context.Background(), nil, sampleDoc())
	if time.Since(start) > 2*time.Second {
		t.Fatal("page timeout not enforced")
	}
	if len(notes) != 1 || !strings.Contains(notes[0], "timed out") {
		t.Fatalf("notes = %v", notes)
	}
	if doc.Pages[2].Text != "Vendor: Globex" {
		t.Fatalf("page after timeout = %q", doc.Pages[2].Text)
	}
}

func TestRecoverUnrenderableDocument(t *testing.T) {
	eng := NewEngine(fakeRaster{openErr: errors.New("corrupt")}, &fakeRecognizer{}, Config{})
	doc, notes := eng.Recover(context.Background(), nil, sampleDoc())
	if len(notes) != 2 {
		t.Fatalf("notes = %v", notes)
	}
	if doc.Pages[1].Failed {
		t.Fatal("text-layer page should be untouched")
	}
}

func TestRecoverNothingSparse(t *testing.T) {
	in := textlayer.Document{Pages: []textlayer.Page{textlayer.NewPage(0, strings.Repeat("term ", 20))}}
	rec := &fakeRecognizer{}
	doc, notes := NewEngine(fakeRaster{openErr: errors.New("must not open")}, rec, Config{}).
		Recover(context.Background(), nil, in)
	if notes != nil || len(rec.seen) != 0 || doc.Pages[0].OCR {
		t.Fatalf("unexpected work: notes=%v seen=%v", notes, rec.seen)
	}
}

type recordRunner struct {
	name   string
	args   []string
	image  []byte
	stdout string
	stderr string
	err    error
}

func (r *recordRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	r.name, r.args = name, args
	r.image, _ = os.ReadFile(args[0])
	return []byte(r.stdout), []byte(r.stderr), r.err
}

func TestTesseractRecognizer(t *testing.T) {
	run := &recordRunner{stdout: "RENEWAL TERM: 12 months\n"}
	rec := NewTesseract("", "")
	rec.Runner = run

	text, err := rec.Recognize(context.Background(), PageImage{Index: 0, PNG: []byte("png-bytes"), DPI: 300})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if text != "RENEWAL TERM: 12 months\n" {
		t.Fatalf("text = %q", text)
	}
	if run.name != "tesseract" || string(run.image) != "png-bytes" {
		t.Fatalf("ran %s with image %q", run.name, run.image)
	}
	joined := strings.Join(run.args[1:], " ")
	if joined != "stdout -l eng --oem 1 --psm 6 --dpi 300" {
		t.Fatalf("args = %q", joined)
	}
	if _, err := os.Stat(run.args[0]); !os.IsNotExist(err) {
		t.Fatal("temp image not removed")
	}
}

func TestTesseractRecognizerError(t *testing.T) {
	run := &recordRunner{stderr: "Error opening data file eng.traineddata", err: errors.New("exit status 1")}
	rec := NewTesseract("/usr/bin/tesseract", "eng")
	rec.Runner = run
	_, err := rec.Recognize(context.Background(), PageImage{PNG: []byte("x")})
	if err == nil || !strings.Contains(err.Error(), "traineddata") {
		t.Fatalf("err = %v", err)
	}
}

type stubClient struct {
	req  ai.Request
	resp ai.Response
	err  error
}

func (s *stubClient) Name() string { return "stub" }

func (s *stubClient) Do(_ context.Context, req ai.Request) (ai.Response, error) {
	s.req = req
	return s.resp, s.err
}

func TestVisionRecognizer(t *testing.T) {
	c := &stubClient{resp: ai.Response{Text: "Term: 36 months"}}
	text, err := NewVision(c, "gpt-4o-mini").Recognize(context.Background(), PageImage{PNG: []byte{1, 2, 3}})
	if err != nil || text != "Term: 36 months" {
		t.Fatalf("Recognize = %q, %v", text, err)
	}
	if c.req.ImageMIME != "image/png" || c.req.ImageBase64 != "AQID" || c.req.JSONOutput {
		t.Fatalf("request = %+v", c.req)
	}

	blank := &stubClient{err: ai.ErrMalformedReply}
	if text, err := NewVision(blank, "m").Recognize(context.Background(), PageImage{}); err != nil || text != "" {
		t.Fatalf("blank page = %q, %v", text, err)
	}
}
