package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"TrialStreamer/internal/config"
	"TrialStreamer/internal/domain"
	"TrialStreamer/internal/ports"
)

const (
	taskRCT        = "rct_bot"
	taskHuman      = "human_bot"
	taskPICO       = "pico_span_bot"
	taskSampleSize = "sample_size_bot"
	taskBias       = "bias_ab_bot"
	taskPunchline  = "punchline_bot"

	filterNone = "none"

	stateSuccess = "SUCCESS"
	stateFailure = "FAILURE"
	stateRevoked = "REVOKED"

	defaultPollInterval = 300 * time.Millisecond
	maxPollErrors       = 3
	maxSampleSize       = 1000000
)

// Client talks to a RobotReviewer-style service: documents are queued, the
// report status is polled, then the finished report is fetched.
type Client struct {
	endpoint     string
	apiKey       string
	pollInterval time.Duration
	maxWait      time.Duration
	thresholds   *Thresholds
	http         *http.Client
	logger       *slog.Logger
	now          func() time.Time
}

var _ ports.Classifier = (*Client)(nil)

// NewClient creates a reusable client; thresholds must already be loaded.
func NewClient(cfg config.ClassifierConfig, thresholds *Thresholds, logger *slog.Logger) *Client {
	endpoint := cfg.URL
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Client{
		endpoint:     endpoint,
		apiKey:       cfg.APIKey,
		pollInterval: poll,
		maxWait:      cfg.MaxWait,
		thresholds:   thresholds,
		http:         &http.Client{Timeout: cfg.RequestTimeout},
		logger:       logger,
		now:          time.Now,
	}
}

type article struct {
	PMID     string   `json:"pmid,omitempty"`
	Title    string   `json:"ti"`
	Abstract string   `json:"ab"`
	Ptyp     []string `json:"ptyp,omitempty"`
}

type queueRequest struct {
	Articles   []article `json:"articles"`
	Robots     []string  `json:"robots"`
	FilterRCTs string    `json:"filter_rcts"`
}

type queueResponse struct {
	ReportID string `json:"report_id"`
}

type statusResponse struct {
	State string `json:"state"`
}

type reportEntry struct {
	RCT        *rctResult        `json:"rct_bot"`
	Human      *humanResult      `json:"human_bot"`
	PICO       *picoResult       `json:"pico_span_bot"`
	SampleSize *sampleSizeResult `json:"sample_size_bot"`
	Bias       *biasResult       `json:"bias_ab_bot"`
	Punchline  *punchlineResult  `json:"punchline_bot"`
}

type rctResult struct {
	Model   string   `json:"model"`
	Score   *float64 `json:"score"`
	PtypRCT flag     `json:"ptyp_rct"`
	Preds   struct {
		CNN         *float64 `json:"cnn"`
		SVM         *float64 `json:"svm"`
		SVMCNN      *float64 `json:"svm_cnn"`
		SVMPtyp     *float64 `json:"svm_ptyp"`
		CNNPtyp     *float64 `json:"cnn_ptyp"`
		SVMCNNPtyp  *float64 `json:"svm_cnn_ptyp"`
		Probability *float64 `json:"probability"`
	} `json:"preds"`
}

type humanResult struct {
	IsHuman flag `json:"is_human"`
}

type picoResult struct {
	Population         json.RawMessage `json:"population"`
	Interventions      json.RawMessage `json:"interventions"`
	Outcomes           json.RawMessage `json:"outcomes"`
	PopulationMesh     json.RawMessage `json:"population_mesh"`
	InterventionsMesh  json.RawMessage `json:"interventions_mesh"`
	OutcomesMesh       json.RawMessage `json:"outcomes_mesh"`
	PopulationBerts    json.RawMessage `json:"population_berts"`
	InterventionsBerts json.RawMessage `json:"interventions_berts"`
	OutcomesBerts      json.RawMessage `json:"outcomes_berts"`
}

type sampleSizeResult struct {
	NumRandomized json.RawMessage `json:"num_randomized"`
}

type biasResult struct {
	ProbLowRoB *float64 `json:"prob_low_rob"`
}

type punchlineResult struct {
	PunchlineText string `json:"punchline_text"`
	Effect        string `json:"effect"`
}

// flag accepts JSON booleans as well as 0/1 numbers.
type flag bool

func (f *flag) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch s {
	case "true":
		*f = true
	case "false", "null", "0", "0.0":
		*f = false
	default:
		var n float64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid flag %s", s)
		}
		*f = n != 0
	}
	return nil
}

// Classify scores citations as RCT / not RCT at every sensitivity tier.
// Publication types are only sent when human indexers assigned or curated them.
func (c *Client) Classify(ctx context.Context, citations []domain.Citation) ([]domain.Classification, error) {
	if len(citations) == 0 {
		return nil, nil
	}
	if c.thresholds == nil {
		return nil, fmt.Errorf("classify: thresholds not loaded")
	}

	articles := make([]article, len(citations))
	for i, cit := range citations {
		articles[i] = article{Title: cit.Title, Abstract: cit.Abstract}
		if cit.UsesPublicationTypes() {
			articles[i].Ptyp = cit.PublicationTypes
		}
	}

	report, err := c.predict(ctx, articles, []string{taskRCT, taskHuman})
	if err != nil {
		return nil, err
	}

	classifiedAt := c.now()
	out := make([]domain.Classification, len(report))
	for i, entry := range report {
		if entry.RCT == nil || entry.RCT.Score == nil || entry.Human == nil {
			return nil, fmt.Errorf("%w: report entry %d lacks %s or %s result", domain.ErrProtocol, i, taskRCT, taskHuman)
		}
		decision, err := c.thresholds.Decide(entry.RCT.Model, *entry.RCT.Score)
		if err != nil {
			return nil, err
		}
		p := entry.RCT.Preds
		out[i] = domain.Classification{
			Model: entry.RCT.Model,
			Score: *entry.RCT.Score,
			Scores: domain.Scores{
				CNN:         p.CNN,
				SVM:         p.SVM,
				SVMCNN:      p.SVMCNN,
				SVMPtyp:     p.SVMPtyp,
				CNNPtyp:     p.CNNPtyp,
				SVMCNNPtyp:  p.SVMCNNPtyp,
				Probability: p.Probability,
			},
			PtypRCT:      bool(entry.RCT.PtypRCT),
			IsPrecise:    decision.Precise,
			IsBalanced:   decision.Balanced,
			IsSensitive:  decision.Sensitive,
			IsHuman:      bool(entry.Human.IsHuman),
			ClassifiedAt: classifiedAt,
		}
	}
	return out, nil
}

// Annotate extracts PICO spans, sample size, risk of bias and the punchline.
func (c *Client) Annotate(ctx context.Context, inputs []domain.AnnotationInput) ([]domain.Annotation, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	articles := make([]article, len(inputs))
	for i, in := range inputs {
		articles[i] = article{PMID: in.PMID, Title: in.Title, Abstract: in.Abstract}
	}

	report, err := c.predict(ctx, articles, []string{taskPICO, taskSampleSize, taskBias, taskPunchline})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Annotation, len(report))
	for i, entry := range report {
		if entry.PICO == nil || entry.Punchline == nil || entry.Bias == nil {
			return nil, fmt.Errorf("%w: report entry %d lacks annotation results", domain.ErrProtocol, i)
		}
		a := domain.Annotation{
			PMID:               inputs[i].PMID,
			Population:         entry.PICO.Population,
			Interventions:      entry.PICO.Interventions,
			Outcomes:           entry.PICO.Outcomes,
			PopulationMesh:     entry.PICO.PopulationMesh,
			InterventionsMesh:  entry.PICO.InterventionsMesh,
			OutcomesMesh:       entry.PICO.OutcomesMesh,
			PopulationBerts:    entry.PICO.PopulationBerts,
			InterventionsBerts: entry.PICO.InterventionsBerts,
			OutcomesBerts:      entry.PICO.OutcomesBerts,
			ProbLowRoB:         entry.Bias.ProbLowRoB,
			PunchlineText:      entry.Punchline.PunchlineText,
			Effect:             entry.Punchline.Effect,
		}
		if entry.SampleSize != nil {
			a.NumRandomized = parseSampleSize(entry.SampleSize.NumRandomized)
		}
		out[i] = a
	}
	return out, nil
}

// parseSampleSize drops "not found" and implausibly large values.
func parseSampleSize(raw json.RawMessage) *int {
	if len(raw) == 0 {
		return nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &n); err != nil {
			return nil
		}
	}
	if n < 0 || n > maxSampleSize {
		return nil
	}
	v := int(n)
	return &v
}

// predict drives one report through Submitted -> Polling -> Complete|Failed.
func (c *Client) predict(ctx context.Context, articles []article, tasks []string) ([]reportEntry, error) {
	reportID, err := c.submit(ctx, articles, tasks)
	if err != nil {
		return nil, err
	}
	c.debug("queued documents", "report_id", reportID, "articles", len(articles), "tasks", tasks)

	if err := c.await(ctx, reportID); err != nil {
		return nil, err
	}

	var report []reportEntry
	if err := c.do(ctx, http.MethodGet, "report/"+url.PathEscape(reportID), nil, &report); err != nil {
		return nil, fmt.Errorf("fetch report %s: %w", reportID, err)
	}
	if len(report) != len(articles) {
		return nil, fmt.Errorf("%w: report %s has %d entries for %d articles", domain.ErrProtocol, reportID, len(report), len(articles))
	}
	return report, nil
}

func (c *Client) submit(ctx context.Context, articles []article, tasks []string) (string, error) {
	var resp queueResponse
	err := c.do(ctx, http.MethodPost, "queue-documents", queueRequest{
		Articles:   articles,
		Robots:     tasks,
		FilterRCTs: filterNone,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("%w: queue documents: %w", domain.ErrProtocol, err)
	}
	if resp.ReportID == "" {
		return "", fmt.Errorf("%w: queue documents returned no report id", domain.ErrProtocol)
	}
	return resp.ReportID, nil
}

// await polls the report status at a fixed pace until it settles, the
// optional max wait elapses or ctx is cancelled.
func (c *Client) await(ctx context.Context, reportID string) error {
	if c.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.maxWait)
		defer cancel()
	}

	limiter := rate.NewLimiter(rate.Every(c.pollInterval), 1)
	failures := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: wait for report %s: %w", domain.ErrTransient, reportID, err)
		}

		var status statusResponse
		if err := c.do(ctx, http.MethodGet, "report-status/"+url.PathEscape(reportID), nil, &status); err != nil {
			failures++
			if failures >= maxPollErrors {
				return fmt.Errorf("%w: poll report %s: %w", domain.ErrTransient, reportID, err)
			}
			continue
		}
		failures = 0

		switch status.State {
		case stateSuccess:
			return nil
		case stateFailure, stateRevoked:
			return fmt.Errorf("%w: report %s finished in state %s", domain.ErrProtocol, reportID, status.State)
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload any, v any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode response: %w", domain.ErrProtocol, err)
	}
	return nil
}

func (c *Client) debug(msg string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}
