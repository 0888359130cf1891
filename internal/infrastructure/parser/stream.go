// Package parser streams PubMed XML archives into citation directives.
package parser

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"TrialStreamer/internal/domain"
)

const (
	citationElement = "MedlineCitation"
	deleteElement   = "DeleteCitation"
)

// Options controls what a Stream emits.
type Options struct {
	// Incremental enables DeleteCitation directives. Baseline streams ignore them.
	Incremental bool
	// Skip omits citations whose PMID it reports; consulted in baseline mode only.
	Skip func(pmid string) bool
}

// Stream is a forward-only reader of directives. It holds one citation in
// memory at a time and cannot be rewound.
type Stream struct {
	dec     *xml.Decoder
	opts    Options
	closers []io.Closer
}

// Open starts streaming a gzip-compressed PubMed XML file.
func Open(path string, opts Options) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open gzip %s: %w", path, err)
	}

	s := NewStream(gz, opts)
	s.closers = []io.Closer{gz, f}
	return s, nil
}

// NewStream reads directives from an already decompressed document.
func NewStream(r io.Reader, opts Options) *Stream {
	return &Stream{dec: xml.NewDecoder(r), opts: opts}
}

// Next returns the following directive, or io.EOF once the document is exhausted.
func (s *Stream) Next() (domain.Directive, error) {
	for {
		tok, err := s.dec.Token()
		if errors.Is(err, io.EOF) {
			return domain.Directive{}, io.EOF
		}
		if err != nil {
			return domain.Directive{}, fmt.Errorf("read xml: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case citationElement:
			var raw citationXML
			if err := s.dec.DecodeElement(&raw, &start); err != nil {
				return domain.Directive{}, fmt.Errorf("decode citation: %w", err)
			}
			if s.skip(strings.TrimSpace(raw.PMID)) {
				continue
			}
			citation, err := raw.normalize()
			if err != nil {
				return domain.Directive{}, err
			}
			return domain.Directive{Action: domain.ActionUpdate, Citation: citation}, nil

		case deleteElement:
			var raw deleteXML
			if err := s.dec.DecodeElement(&raw, &start); err != nil {
				return domain.Directive{}, fmt.Errorf("decode delete list: %w", err)
			}
			if !s.opts.Incremental {
				continue
			}
			pmids := make([]string, 0, len(raw.PMIDs))
			for _, p := range raw.PMIDs {
				if p = strings.TrimSpace(p); p != "" {
					pmids = append(pmids, p)
				}
			}
			return domain.Directive{Action: domain.ActionDelete, Deletes: pmids}, nil
		}
	}
}

func (s *Stream) skip(pmid string) bool {
	return !s.opts.Incremental && s.opts.Skip != nil && pmid != "" && s.opts.Skip(pmid)
}

// Close releases the underlying archive.
func (s *Stream) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Counts summarizes a pre-flight walk over an archive.
type Counts struct {
	Citations int
	Deletions int
}

// Check walks a whole archive for well-formedness without normalizing any
// citation. It is the cheap rehearsal run before destructive baseline steps.
func Check(path string) (Counts, error) {
	var counts Counts

	f, err := os.Open(path)
	if err != nil {
		return counts, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return counts, fmt.Errorf("open gzip %s: %w", path, err)
	}
	defer gz.Close()

	dec := xml.NewDecoder(gz)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return counts, nil
		}
		if err != nil {
			return counts, fmt.Errorf("check %s: %w", path, err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			switch start.Name.Local {
			case citationElement:
				counts.Citations++
			case deleteElement:
				counts.Deletions++
			}
		}
	}
}
