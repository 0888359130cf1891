package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"TrialStreamer/internal/config"
	"TrialStreamer/internal/domain"
	"TrialStreamer/internal/ports"
)

const archiveSuffix = ".xml.gz"

var (
	isoStampExpr    = regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}`)
	apacheStampExpr = regexp.MustCompile(`\d{2}-[A-Za-z]{3}-\d{4} \d{2}:\d{2}`)
)

// Lister reads the HTTP directory index of the PubMed distribution.
type Lister struct {
	client      *http.Client
	baseURL     string
	baselineDir string
	updatesDir  string
	userAgent   string
	logger      *slog.Logger
}

var _ ports.FileLister = (*Lister)(nil)

// NewLister wires an HTTP client against the configured distribution root.
func NewLister(client *http.Client, cfg config.PubMedConfig, logger *slog.Logger) *Lister {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Lister{
		client:      client,
		baseURL:     cfg.BaseURL,
		baselineDir: cfg.BaselineDir,
		updatesDir:  cfg.UpdatesDir,
		userAgent:   userAgent(cfg.UserEmail),
		logger:      logger,
	}
}

// ListBaseline returns the baseline archives in listing order.
func (l *Lister) ListBaseline(ctx context.Context) ([]domain.SourceFile, error) {
	files, err := l.list(ctx, l.baselineDir, domain.CollectionBaseline)
	if err != nil {
		return nil, fmt.Errorf("list baseline: %w", err)
	}
	l.debug("baseline listed", "files", len(files))
	return files, nil
}

// ListUpdates returns the daily update archives sorted by name, which is also
// the order in which they must be applied.
func (l *Lister) ListUpdates(ctx context.Context) ([]domain.SourceFile, error) {
	files, err := l.list(ctx, l.updatesDir, domain.CollectionUpdates)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	l.debug("updates listed", "files", len(files))
	return files, nil
}

func (l *Lister) list(ctx context.Context, dir string, collection domain.Collection) ([]domain.SourceFile, error) {
	dirURL, err := url.JoinPath(l.baseURL, dir)
	if err != nil {
		return nil, fmt.Errorf("invalid listing url %s%s: %w", l.baseURL, dir, err)
	}

	doc, err := l.fetchDocument(ctx, dirURL)
	if err != nil {
		return nil, err
	}

	var (
		files []domain.SourceFile
		seen  = map[string]struct{}{}
	)
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		name := path.Base(strings.SplitN(href, "?", 2)[0])
		if !strings.HasSuffix(name, archiveSuffix) {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}

		files = append(files, domain.SourceFile{
			Name:       name,
			RemotePath: path.Join(dir, name),
			Collection: collection,
			ModifiedAt: entryTimestamp(a),
		})
	})

	return files, nil
}

func (l *Lister) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", l.userAgent)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request listing: %w", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: listing %s returned %s", domain.ErrTransient, pageURL, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse listing: %w", domain.ErrTransient, err)
	}
	return doc, nil
}

// entryTimestamp reads the modification time printed next to an index link,
// either in the same table row or in the text following the anchor.
func entryTimestamp(a *goquery.Selection) time.Time {
	var text string
	if row := a.Closest("tr"); row.Length() > 0 {
		text = row.Text()
	} else if len(a.Nodes) > 0 {
		for n := a.Nodes[0].NextSibling; n != nil; n = n.NextSibling {
			if n.Type == html.ElementNode && n.Data == "a" {
				break
			}
			if n.Type == html.TextNode {
				text += n.Data
			}
		}
	}
	return parseTimestamp(text)
}

func parseTimestamp(text string) time.Time {
	if m := isoStampExpr.FindString(text); m != "" {
		if t, err := time.Parse("2006-01-02 15:04", m); err == nil {
			return t
		}
	}
	if m := apacheStampExpr.FindString(text); m != "" {
		if t, err := time.Parse("02-Jan-2006 15:04", m); err == nil {
			return t
		}
	}
	return time.Time{}
}

func userAgent(email string) string {
	if email == "" {
		return "TrialStreamer/1.0"
	}
	return fmt.Sprintf("TrialStreamer/1.0 (mailto:%s)", email)
}

func (l *Lister) debug(msg string, args ...interface{}) {
	if l.logger != nil {
		l.logger.Debug(msg, args...)
	}
}
