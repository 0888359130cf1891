package domain

import (
	"encoding/json"
	"time"
)

// Collection names a remote directory of PubMed distribution files.
type Collection string

const (
	CollectionBaseline Collection = "baseline"
	CollectionUpdates  Collection = "updates"
)

// SourceFile is one remote archive and its local cached copy.
type SourceFile struct {
	Name       string
	RemotePath string
	LocalPath  string
	Collection Collection
	ModifiedAt time.Time
	Verified   bool
}

// DigestPath returns the sibling checksum file of the local copy.
func (f SourceFile) DigestPath() string {
	return f.LocalPath + ".md5"
}

// Citation is a normalized MedlineCitation entry.
type Citation struct {
	PMID             string
	Status           string
	Year             *int
	Title            string
	Abstract         string
	PublicationTypes []string
	IndexingMethod   string
	Payload          json.RawMessage
}

// UsesPublicationTypes reports whether the publication type tags were assigned or
// curated by human indexers and may be shown to the classifier.
func (c Citation) UsesPublicationTypes() bool {
	return c.Status == "MEDLINE" && c.IndexingMethod != "Automated"
}

// Action enumerates stream directive kinds.
type Action string

const (
	ActionUpdate Action = "update"
	ActionDelete Action = "delete_list"
)

// Directive is a single instruction produced by the record stream.
type Directive struct {
	Action   Action
	Citation Citation
	Deletes  []string
}

// Batch is a deduplicated chunk of directives ready for classification.
type Batch struct {
	Citations []Citation
	Deletes   []string
	Dropped   int
}

// Empty reports whether the batch carries nothing to apply.
func (b Batch) Empty() bool {
	return len(b.Citations) == 0 && len(b.Deletes) == 0
}
