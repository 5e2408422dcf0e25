// Package document post-processes retrieved invoices: it strips the
// customer password from each PDF and archives the result.
package document

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"
	"sync"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-extractor/internal/extractor"
)

const passwordDigits = 5

var disableConfigDir sync.Once

// PasswordFor derives the PDF password from a customer document number:
// its first five digits, ignoring punctuation.
func PasswordFor(documentID string) string {
	var b strings.Builder
	for _, r := range documentID {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
			if b.Len() == passwordDigits {
				break
			}
		}
	}
	return b.String()
}

// Encrypted reports whether content carries a PDF encryption dictionary.
func Encrypted(content []byte) bool {
	return bytes.Contains(content, []byte("/Encrypt"))
}

func newConfig(password string) *model.Configuration {
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.UserPW = password
	conf.OwnerPW = password
	return conf
}

// Decrypt removes password protection from content.
func Decrypt(content []byte, password string) ([]byte, error) {
	var out bytes.Buffer
	if err := api.Decrypt(bytes.NewReader(content), &out, newConfig(password)); err != nil {
		return nil, fmt.Errorf("decrypt pdf: %w", err)
	}
	return out.Bytes(), nil
}

// Processor decrypts and archives documents for a job.
type Processor struct {
	blobs  extractor.BlobStore
	hasher extractor.Hasher
	prefix string
	logger *zap.Logger
}

// NewProcessor creates a Processor. A nil blob store skips archiving and a
// nil hasher leaves the fingerprint out of the object metadata. Documents
// whose fingerprint repeats within a job are tagged duplicate_of.
func NewProcessor(blobs extractor.BlobStore, hasher extractor.Hasher, prefix string, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{blobs: blobs, hasher: hasher, prefix: strings.Trim(prefix, "/"), logger: logger}
}

// Process turns raw documents into webhook PDFs. Decrypt and archive
// failures are logged and the document is kept as-is.
func (p *Processor) Process(ctx context.Context, jobID string, req extractor.JobRequest, docs []extractor.Document) ([]extractor.PDF, []extractor.DocumentRef) {
	password := PasswordFor(req.DocumentID)
	pdfs := make([]extractor.PDF, 0, len(docs))
	refs := make([]extractor.DocumentRef, 0, len(docs))
	seen := make(map[string]string, len(docs))

	for _, doc := range docs {
		content := doc.Content
		if password != "" && Encrypted(content) {
			decrypted, err := Decrypt(content, password)
			if err != nil {
				p.logger.Warn("keeping encrypted pdf",
					zap.String("job_id", jobID), zap.String("reference_month", doc.ReferenceMonth), zap.Error(err))
			} else {
				content = decrypted
			}
		}

		meta := map[string]string{"job_id": jobID, "reference_month": doc.ReferenceMonth}
		if digest := p.fingerprint(content); digest != "" {
			meta["sha256"] = digest
			if first, dup := seen[digest]; dup {
				meta["duplicate_of"] = first
				p.logger.Warn("portal returned identical documents",
					zap.String("job_id", jobID), zap.String("reference_month", doc.ReferenceMonth), zap.String("duplicate_of", first))
			} else {
				seen[digest] = doc.ReferenceMonth
			}
		}

		uri := p.archive(ctx, jobID, doc.ReferenceMonth, content, meta)
		pdfs = append(pdfs, extractor.PDF{
			ReferenceMonth: doc.ReferenceMonth,
			Base64Content:  base64.StdEncoding.EncodeToString(content),
			URI:            uri,
		})
		refs = append(refs, extractor.DocumentRef{ReferenceMonth: doc.ReferenceMonth, URI: uri})
	}
	return pdfs, refs
}

func (p *Processor) fingerprint(content []byte) string {
	if p.hasher == nil {
		return ""
	}
	digest, err := p.hasher.Hash(content)
	if err != nil {
		p.logger.Debug("document has no fingerprint", zap.Error(err))
		return ""
	}
	return digest
}

func (p *Processor) archive(ctx context.Context, jobID, month string, content []byte, meta map[string]string) string {
	if p.blobs == nil {
		return ""
	}
	uri, err := p.blobs.PutObject(ctx, extractor.Object{
		Path:        ObjectPath(p.prefix, jobID, month),
		ContentType: "application/pdf",
		Metadata:    meta,
		Data:        content,
	})
	if err != nil {
		p.logger.Warn("failed to archive pdf", zap.String("job_id", jobID), zap.String("reference_month", month), zap.Error(err))
		return ""
	}
	return uri
}

// ObjectPath returns <prefix>/<jobID>/<month>.pdf with the month made path-safe
// ("02/2025" becomes "02-2025").
func ObjectPath(prefix, jobID, month string) string {
	safe := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, month)
	if safe == "" {
		safe = "document"
	}
	return path.Join(prefix, jobID, safe+".pdf")
}
