package parser

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"TrialStreamer/internal/domain"
)

var yearExpr = regexp.MustCompile(`\d{4}`)

// citationXML mirrors the parts of a MedlineCitation element the pipeline keeps.
type citationXML struct {
	Status         string           `xml:"Status,attr"`
	IndexingMethod string           `xml:"IndexingMethod,attr"`
	Owner          string           `xml:"Owner,attr"`
	PMID           string           `xml:"PMID"`
	Article        articleXML       `xml:"Article"`
	JournalInfo    journalInfoXML   `xml:"MedlineJournalInfo"`
	MeshHeadings   []meshHeadingXML `xml:"MeshHeadingList>MeshHeading"`
	Keywords       []mixedText      `xml:"KeywordList>Keyword"`
}

type articleXML struct {
	Journal          journalXML        `xml:"Journal"`
	Title            mixedText         `xml:"ArticleTitle"`
	Pagination       string            `xml:"Pagination>MedlinePgn"`
	ELocationIDs     []eLocationXML    `xml:"ELocationID"`
	Abstract         []abstractTextXML `xml:"Abstract>AbstractText"`
	Authors          []authorXML       `xml:"AuthorList>Author"`
	Languages        []string          `xml:"Language"`
	PublicationTypes []string          `xml:"PublicationTypeList>PublicationType"`
	ArticleDates     []dateXML         `xml:"ArticleDate"`
}

type journalXML struct {
	Title           string  `xml:"Title"`
	ISOAbbreviation string  `xml:"ISOAbbreviation"`
	Volume          string  `xml:"JournalIssue>Volume"`
	Issue           string  `xml:"JournalIssue>Issue"`
	PubDate         dateXML `xml:"JournalIssue>PubDate"`
}

type journalInfoXML struct {
	MedlineTA   string `xml:"MedlineTA"`
	Country     string `xml:"Country"`
	NlmUniqueID string `xml:"NlmUniqueID"`
}

type dateXML struct {
	Year        string `xml:"Year"`
	Month       string `xml:"Month"`
	Day         string `xml:"Day"`
	MedlineDate string `xml:"MedlineDate"`
}

type eLocationXML struct {
	Type  string `xml:"EIdType,attr"`
	Value string `xml:",chardata"`
}

type authorXML struct {
	LastName       string `xml:"LastName"`
	ForeName       string `xml:"ForeName"`
	Initials       string `xml:"Initials"`
	CollectiveName string `xml:"CollectiveName"`
}

type meshHeadingXML struct {
	Descriptor meshTermXML   `xml:"DescriptorName"`
	Qualifiers []meshTermXML `xml:"QualifierName"`
}

type meshTermXML struct {
	UI    string `xml:"UI,attr"`
	Major string `xml:"MajorTopicYN,attr"`
	Name  string `xml:",chardata"`
}

type deleteXML struct {
	PMIDs []string `xml:"PMID"`
}

// mixedText flattens an element with inline markup (<i>, <sup>, ...) into plain text.
type mixedText string

func (t *mixedText) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	s, err := collectText(d)
	if err != nil {
		return err
	}
	*t = mixedText(s)
	return nil
}

type abstractTextXML struct {
	Label    string
	Category string
	Text     string
}

func (a *abstractTextXML) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "Label":
			a.Label = attr.Value
		case "NlmCategory":
			a.Category = attr.Value
		}
	}
	s, err := collectText(d)
	if err != nil {
		return err
	}
	a.Text = s
	return nil
}

// collectText consumes tokens up to the end of the current element.
func collectText(d *xml.Decoder) (string, error) {
	var (
		b     strings.Builder
		depth int
	)
	for {
		tok, err := d.Token()
		if err != nil {
			return "", err
		}
		switch v := tok.(type) {
		case xml.CharData:
			b.Write(v)
		case xml.StartElement:
			depth++
		case xml.EndElement:
			if depth == 0 {
				return strings.Join(strings.Fields(b.String()), " "), nil
			}
			depth--
		}
	}
}

// payload is the JSON document stored alongside each citation.
type payload struct {
	PMID              string            `json:"pmid"`
	Status            string            `json:"status"`
	IndexingMethod    string            `json:"indexing_method"`
	Owner             string            `json:"owner,omitempty"`
	Title             string            `json:"title"`
	Abstract          []abstractSection `json:"abstract"`
	AbstractPlaintext string            `json:"abstract_plaintext"`
	Year              *int              `json:"year"`
	Journal           string            `json:"journal"`
	JournalAbbrev     string            `json:"journal_abbrev,omitempty"`
	Volume            string            `json:"volume,omitempty"`
	Issue             string            `json:"issue,omitempty"`
	Pages             string            `json:"pages,omitempty"`
	DOI               string            `json:"doi,omitempty"`
	Country           string            `json:"country,omitempty"`
	Authors           []author          `json:"authors"`
	Languages         []string          `json:"languages,omitempty"`
	Ptyp              []string          `json:"ptyp"`
	Mesh              []meshHeading     `json:"mesh"`
	Keywords          []string          `json:"keywords"`
}

type abstractSection struct {
	Label    string `json:"label,omitempty"`
	Category string `json:"nlm_category,omitempty"`
	Text     string `json:"text"`
}

type author struct {
	LastName   string `json:"last_name,omitempty"`
	ForeName   string `json:"fore_name,omitempty"`
	Initials   string `json:"initials,omitempty"`
	Collective string `json:"collective,omitempty"`
}

type meshHeading struct {
	Descriptor string   `json:"descriptor"`
	UI         string   `json:"ui"`
	Major      bool     `json:"major"`
	Qualifiers []string `json:"qualifiers,omitempty"`
}

func (c citationXML) normalize() (domain.Citation, error) {
	a := c.Article
	p := payload{
		PMID:           strings.TrimSpace(c.PMID),
		Status:         c.Status,
		IndexingMethod: c.IndexingMethod,
		Owner:          c.Owner,
		Title:          string(a.Title),
		Year:           publicationYear(a),
		Journal:        strings.TrimSpace(a.Journal.Title),
		JournalAbbrev:  strings.TrimSpace(a.Journal.ISOAbbreviation),
		Volume:         strings.TrimSpace(a.Journal.Volume),
		Issue:          strings.TrimSpace(a.Journal.Issue),
		Pages:          strings.TrimSpace(a.Pagination),
		Country:        strings.TrimSpace(c.JournalInfo.Country),
		Languages:      a.Languages,
		Abstract:       []abstractSection{},
		Authors:        []author{},
		Ptyp:           []string{},
		Mesh:           []meshHeading{},
		Keywords:       []string{},
	}

	for _, loc := range a.ELocationIDs {
		if strings.EqualFold(loc.Type, "doi") {
			p.DOI = strings.TrimSpace(loc.Value)
			break
		}
	}

	paragraphs := make([]string, 0, len(a.Abstract))
	for _, section := range a.Abstract {
		p.Abstract = append(p.Abstract, abstractSection{Label: section.Label, Category: section.Category, Text: section.Text})
		if section.Label != "" {
			paragraphs = append(paragraphs, section.Label+": "+section.Text)
		} else {
			paragraphs = append(paragraphs, section.Text)
		}
	}
	p.AbstractPlaintext = strings.Join(paragraphs, "\n\n")

	for _, au := range a.Authors {
		p.Authors = append(p.Authors, author{
			LastName:   au.LastName,
			ForeName:   au.ForeName,
			Initials:   au.Initials,
			Collective: strings.TrimSpace(au.CollectiveName),
		})
	}

	for _, pt := range a.PublicationTypes {
		if pt = strings.TrimSpace(pt); pt != "" {
			p.Ptyp = append(p.Ptyp, pt)
		}
	}

	for _, mh := range c.MeshHeadings {
		heading := meshHeading{
			Descriptor: strings.TrimSpace(mh.Descriptor.Name),
			UI:         mh.Descriptor.UI,
			Major:      mh.Descriptor.Major == "Y",
		}
		for _, q := range mh.Qualifiers {
			heading.Qualifiers = append(heading.Qualifiers, strings.TrimSpace(q.Name))
		}
		p.Mesh = append(p.Mesh, heading)
	}

	for _, kw := range c.Keywords {
		if s := string(kw); s != "" {
			p.Keywords = append(p.Keywords, s)
		}
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return domain.Citation{}, fmt.Errorf("marshal payload for %s: %w", p.PMID, err)
	}

	return domain.Citation{
		PMID:             p.PMID,
		Status:           p.Status,
		Year:             p.Year,
		Title:            p.Title,
		Abstract:         p.AbstractPlaintext,
		PublicationTypes: p.Ptyp,
		IndexingMethod:   p.IndexingMethod,
		Payload:          raw,
	}, nil
}

// publicationYear prefers the journal issue date, then the free-form
// MedlineDate, then the electronic article date.
func publicationYear(a articleXML) *int {
	candidates := []string{a.Journal.PubDate.Year, yearExpr.FindString(a.Journal.PubDate.MedlineDate)}
	for _, d := range a.ArticleDates {
		candidates = append(candidates, d.Year)
	}
	for _, c := range candidates {
		if y, err := strconv.Atoi(strings.TrimSpace(c)); err == nil {
			return &y
		}
	}
	return nil
}
