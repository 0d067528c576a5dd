package itemsource

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/harun/paperlens/internal/observability"
	"github.com/harun/paperlens/pkg/textgen"
	"github.com/harun/paperlens/pkg/types"
	"github.com/rs/zerolog"
)

const (
	defaultArxivBase  = "https://export.arxiv.org/api/query"
	defaultUserAgent  = "paperlens/1.0"
	defaultMaxResults = 50
)

// ArxivSource queries the arXiv Atom API.
type ArxivSource struct {
	baseURL    string
	userAgent  string
	maxResults int
	client     *http.Client
	retry      textgen.RetryPolicy
	logger     zerolog.Logger
}

type ArxivOption func(*ArxivSource)

func WithHTTPClient(c *http.Client) ArxivOption {
	return func(s *ArxivSource) { s.client = c }
}

func WithRetryPolicy(p textgen.RetryPolicy) ArxivOption {
	return func(s *ArxivSource) { s.retry = p }
}

func WithLogger(l zerolog.Logger) ArxivOption {
	return func(s *ArxivSource) { s.logger = l }
}

func NewArxivSource(cfg Config, opts ...ArxivOption) *ArxivSource {
	s := &ArxivSource{
		baseURL:    cfg.BaseURL,
		userAgent:  cfg.UserAgent,
		maxResults: cfg.MaxResults,
		client:     &http.Client{Timeout: 30 * time.Second},
		retry:      textgen.DefaultRetryPolicy(),
		logger:     zerolog.Nop(),
	}
	if s.baseURL == "" {
		s.baseURL = defaultArxivBase
	}
	if s.userAgent == "" {
		s.userAgent = defaultUserAgent
	}
	if s.maxResults <= 0 {
		s.maxResults = defaultMaxResults
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ArxivSource) Name() string { return "arxiv" }

// Search queries arXiv ordered by relevance. maxResults is capped by the
// configured ceiling. 429 and 5xx replies are retried with the source's policy.
func (s *ArxivSource) Search(ctx context.Context, query string, maxResults int) ([]types.Item, error) {
	q := buildArxivQuery(query)
	if q == "" {
		return nil, errors.New("empty arXiv query")
	}
	if maxResults <= 0 || maxResults > s.maxResults {
		maxResults = s.maxResults
	}

	params := url.Values{}
	params.Set("search_query", q)
	params.Set("start", "0")
	params.Set("max_results", strconv.Itoa(maxResults))
	params.Set("sortBy", "relevance")
	params.Set("sortOrder", "descending")

	items, attempts, err := s.query(ctx, "arxiv.search", params, maxResults)
	if err != nil {
		return nil, fmt.Errorf("arXiv search %q: %w", query, err)
	}
	s.logger.Debug().Str("query", query).Int("items", len(items)).Int("attempts", attempts).Msg("arXiv search completed")
	return items, nil
}

// Fetch looks items up by arXiv id, with or without a version suffix.
// The result follows the order of ids; ids arXiv does not know are left out.
func (s *ArxivSource) Fetch(ctx context.Context, ids []string) ([]types.Item, error) {
	want := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			want = append(want, id)
		}
	}
	if len(want) == 0 {
		return nil, errors.New("no arXiv ids")
	}

	params := url.Values{}
	params.Set("id_list", strings.Join(want, ","))
	params.Set("max_results", strconv.Itoa(len(want)))

	found, attempts, err := s.query(ctx, "arxiv.fetch", params, len(want))
	if err != nil {
		return nil, fmt.Errorf("arXiv fetch %s: %w", strings.Join(want, ","), err)
	}
	byID := make(map[string]types.Item, len(found))
	for _, it := range found {
		byID[it.ID] = it
	}
	items := make([]types.Item, 0, len(want))
	for _, id := range want {
		if it, ok := byID[stripVersion(id)]; ok {
			items = append(items, it)
			delete(byID, it.ID)
		}
	}
	s.logger.Debug().Strs("ids", want).Int("items", len(items)).Int("attempts", attempts).Msg("arXiv fetch completed")
	return items, nil
}

// query runs one API request with retries and decodes at most limit items.
func (s *ArxivSource) query(ctx context.Context, op string, params url.Values, limit int) ([]types.Item, int, error) {
	endpoint := s.baseURL + "?" + params.Encode()

	var feed arxivFeed
	attempts, err := s.retry.Do(ctx, op, func(ctx context.Context, attempt int) error {
		return s.fetch(ctx, endpoint, &feed)
	})
	observability.RecordSourceSearch(s.Name(), err == nil)
	if err != nil {
		return nil, attempts, err
	}

	items := make([]types.Item, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		id := extractArxivID(entry.ID)
		if id == "" {
			continue
		}
		item := types.Item{
			ID:       id,
			Title:    collapseSpace(entry.Title),
			Abstract: collapseSpace(entry.Summary),
			Link:     entry.link(),
			Source:   s.Name(),
		}
		for _, a := range entry.Authors {
			item.Authors = append(item.Authors, strings.TrimSpace(a.Name))
		}
		if t, perr := time.Parse(time.RFC3339, entry.Published); perr == nil {
			item.Published = t
		}
		items = append(items, item)
		if len(items) == limit {
			break
		}
	}
	return items, attempts, nil
}

func (s *ArxivSource) fetch(ctx context.Context, endpoint string, feed *arxivFeed) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return textgen.Classify(s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		kind := textgen.Permanent
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = textgen.Transient
		}
		return &textgen.Error{Kind: kind, Provider: s.Name(), Status: resp.StatusCode, Err: fmt.Errorf("arXiv API returned HTTP %d", resp.StatusCode)}
	}

	*feed = arxivFeed{}
	if err := xml.NewDecoder(resp.Body).Decode(feed); err != nil {
		return fmt.Errorf("parsing arXiv response: %w", err)
	}
	return nil
}

// buildArxivQuery turns free text into an all-fields conjunction.
func buildArxivQuery(query string) string {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return ""
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = "all:" + t
	}
	return strings.Join(parts, " AND ")
}

type arxivFeed struct {
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID        string        `xml:"id"`
	Title     string        `xml:"title"`
	Summary   string        `xml:"summary"`
	Published string        `xml:"published"`
	Authors   []arxivAuthor `xml:"author"`
	Links     []arxivLink   `xml:"link"`
}

type arxivAuthor struct {
	Name string `xml:"name"`
}

type arxivLink struct {
	Href  string `xml:"href,attr"`
	Rel   string `xml:"rel,attr"`
	Title string `xml:"title,attr"`
}

// link prefers the PDF link, then the abstract page, then the entry id.
func (e arxivEntry) link() string {
	var alternate string
	for _, l := range e.Links {
		if l.Title == "pdf" {
			return l.Href
		}
		if l.Rel == "alternate" && alternate == "" {
			alternate = l.Href
		}
	}
	if alternate != "" {
		return alternate
	}
	return strings.TrimSpace(e.ID)
}

// extractArxivID pulls the versionless id out of an entry URL such as
// http://arxiv.org/abs/2301.07041v1.
func extractArxivID(idURL string) string {
	const prefix = "/abs/"
	idx := strings.Index(idURL, prefix)
	if idx < 0 {
		return ""
	}
	return stripVersion(idURL[idx+len(prefix):])
}

// stripVersion drops a trailing version such as "v2" from an arXiv id.
func stripVersion(id string) string {
	id = strings.TrimSpace(id)
	if v := strings.LastIndex(id, "v"); v > 0 {
		if _, err := strconv.Atoi(id[v+1:]); err == nil {
			id = id[:v]
		}
	}
	return id
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
