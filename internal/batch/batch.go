// Package batch groups a directive stream into deduplicated chunks.
package batch

import (
	"errors"
	"io"

	"TrialStreamer/internal/domain"
)

// DefaultSize amortizes classifier round-trips over large chunks.
const DefaultSize = 5000

// Source yields directives until io.EOF.
type Source interface {
	Next() (domain.Directive, error)
}

// Batcher reads fixed-size windows of directives from a Source.
type Batcher struct {
	src  Source
	size int
	done bool
}

// New wraps src; size <= 0 selects DefaultSize.
func New(src Source, size int) *Batcher {
	if size <= 0 {
		size = DefaultSize
	}
	return &Batcher{src: src, size: size}
}

// Next returns the following non-empty batch, or io.EOF once the source is
// exhausted. The terminal chunk may be shorter than the configured size.
func (b *Batcher) Next() (domain.Batch, error) {
	for !b.done {
		window := make([]domain.Directive, 0, b.size)
		for len(window) < b.size {
			d, err := b.src.Next()
			if errors.Is(err, io.EOF) {
				b.done = true
				break
			}
			if err != nil {
				return domain.Batch{}, err
			}
			window = append(window, d)
		}

		out := Dedupe(window)
		if !out.Empty() {
			return out, nil
		}
	}
	return domain.Batch{}, io.EOF
}

// Dedupe collapses a window of directives so that, per PMID, only the last
// instruction survives. A delete after an update cancels the pending update;
// an update after a delete is kept and applied after the deletion.
func Dedupe(window []domain.Directive) domain.Batch {
	var (
		out     domain.Batch
		slots   = make([]*domain.Citation, 0, len(window))
		byPMID  = make(map[string]int, len(window))
		deleted = map[string]struct{}{}
	)

	for _, d := range window {
		switch d.Action {
		case domain.ActionDelete:
			for _, pmid := range d.Deletes {
				if idx, ok := byPMID[pmid]; ok {
					slots[idx] = nil
					delete(byPMID, pmid)
				}
				if _, ok := deleted[pmid]; !ok {
					deleted[pmid] = struct{}{}
					out.Deletes = append(out.Deletes, pmid)
				}
			}
		default:
			c := d.Citation
			if c.PMID == "" {
				out.Dropped++
				continue
			}
			if idx, ok := byPMID[c.PMID]; ok {
				slots[idx] = &c
				continue
			}
			byPMID[c.PMID] = len(slots)
			slots = append(slots, &c)
		}
	}

	for _, c := range slots {
		if c != nil {
			out.Citations = append(out.Citations, *c)
		}
	}
	return out
}
