package filetype

import (
	"bytes"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"
)

const pdfMIME = "application/pdf"

// Info is what an upload turned out to be.
type Info struct {
	MIMEType  string
	Extension string
	Supported bool
	// Pages is the page count reported by pdfcpu, 0 when it could not tell.
	Pages int
}

// Detector checks uploads by magic bytes, never by file name.
type Detector struct{}

func New() *Detector {
	return &Detector{}
}

// Detect sniffs data. Only PDFs are supported; for those it also asks pdfcpu
// for a page count, which is advisory since pdfcpu is stricter than MuPDF.
func (d *Detector) Detect(data []byte) Info {
	mtype := mimetype.Detect(data)
	info := Info{
		MIMEType:  mtype.String(),
		Extension: mtype.Extension(),
		Supported: mtype.Is(pdfMIME),
	}
	if info.Supported {
		n, err := pageCount(data)
		if err != nil {
			log.Debug().Err(err).Msg("pdfcpu could not count pages")
		} else {
			info.Pages = n
		}
	}
	log.Debug().Str("mime", info.MIMEType).Int("pages", info.Pages).Msg("detected file type")
	return info
}

func pageCount(data []byte) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("pdfcpu panic: %v", r)
		}
	}()
	return api.PageCount(bytes.NewReader(data), nil)
}

// RequirePDF returns an error describing the actual type when data is not a PDF.
func (d *Detector) RequirePDF(data []byte) (Info, error) {
	info := d.Detect(data)
	if !info.Supported {
		return info, fmt.Errorf("unsupported file type %s, expected %s", info.MIMEType, pdfMIME)
	}
	return info, nil
}
