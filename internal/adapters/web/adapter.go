package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/adapters/textmatch"
	"github.com/runbook-agent/backend/internal/models"
	"github.com/runbook-agent/backend/pkg/utils"
)

const maxContentLength = 5000

type Options struct {
	Name string
	// SearchURL is the wiki search endpoint. A {query} placeholder is replaced
	// with the escaped query; otherwise it is sent as the q parameter.
	SearchURL string
	// HealthURL defaults to the scheme and host of SearchURL.
	HealthURL       string
	ResultSelector  string
	TitleSelector   string
	LinkSelector    string
	SnippetSelector string
	MaxResults      int
	// FetchContent scrapes each result page for its body text.
	FetchContent bool
	UserAgent    string
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Adapter searches an HTML wiki by scraping its search result page.
type Adapter struct {
	opts       Options
	httpClient *http.Client
	logger     *zap.Logger
}

func New(opts Options) *Adapter {
	if opts.ResultSelector == "" {
		opts.ResultSelector = ".search-result"
	}
	if opts.TitleSelector == "" {
		opts.TitleSelector = "a"
	}
	if opts.LinkSelector == "" {
		opts.LinkSelector = "a"
	}
	if opts.SnippetSelector == "" {
		opts.SnippetSelector = ".snippet, p"
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 10
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "runbook-agent/1.0"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Adapter{opts: opts, httpClient: opts.HTTPClient, logger: opts.Logger}
}

func (a *Adapter) ValidateConfig() error {
	if a.opts.SearchURL == "" {
		return errors.New("settings.search_url is required")
	}
	u, err := url.Parse(strings.ReplaceAll(a.opts.SearchURL, "{query}", "q"))
	if err != nil {
		return fmt.Errorf("invalid search_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("search_url must be http or https, got %q", u.Scheme)
	}
	return nil
}

func (a *Adapter) Metadata() models.AdapterMetadata {
	return models.AdapterMetadata{
		Name:              a.opts.Name,
		Type:              "wiki",
		SupportedFeatures: []string{"full_text"},
	}
}

func (a *Adapter) healthURL() string {
	if a.opts.HealthURL != "" {
		return a.opts.HealthURL
	}
	u, err := url.Parse(strings.ReplaceAll(a.opts.SearchURL, "{query}", "q"))
	if err != nil {
		return a.opts.SearchURL
	}
	return u.Scheme + "://" + u.Host + "/"
}

func (a *Adapter) HealthCheck(ctx context.Context) models.HealthReport {
	start := time.Now()
	report := models.HealthReport{}

	resp, err := a.get(ctx, a.healthURL())
	report.ResponseTimeMS = time.Since(start).Milliseconds()
	if err != nil {
		report.ErrorMessage = err.Error()
		return report
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		report.ErrorMessage = fmt.Sprintf("health endpoint returned status %d", resp.StatusCode)
		return report
	}
	report.Healthy = true
	return report
}

func (a *Adapter) searchURL(q models.SearchQuery) string {
	text := q.Text
	if text == "" {
		text = strings.TrimSpace(q.Filters.AlertType + " " + q.Filters.Category)
	}
	if strings.Contains(a.opts.SearchURL, "{query}") {
		return strings.ReplaceAll(a.opts.SearchURL, "{query}", url.QueryEscape(text))
	}

	u, err := url.Parse(a.opts.SearchURL)
	if err != nil {
		return a.opts.SearchURL
	}
	params := u.Query()
	params.Set("q", text)
	u.RawQuery = params.Encode()
	return u.String()
}

func (a *Adapter) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", a.opts.UserAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	return resp, nil
}

func (a *Adapter) Search(ctx context.Context, q models.SearchQuery) ([]models.SearchResult, error) {
	target := a.searchURL(q)
	a.logger.Debug("Performing wiki search", zap.String("source", a.opts.Name), zap.String("url", target))

	resp, err := a.get(ctx, target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	base := resp.Request.URL
	terms := textmatch.Terms(q.Text + " " + q.Filters.AlertType)

	results := make([]models.SearchResult, 0)
	doc.Find(a.opts.ResultSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if len(results) >= a.opts.MaxResults {
			return false
		}

		title := strings.TrimSpace(s.Find(a.opts.TitleSelector).First().Text())
		href, _ := s.Find(a.opts.LinkSelector).First().Attr("href")
		snippet := collapse(s.Find(a.opts.SnippetSelector).First().Text())
		if title == "" || href == "" {
			return true
		}

		link := href
		if ref, err := url.Parse(href); err == nil {
			link = base.ResolveReference(ref).String()
		}

		confidence, reasons := textmatch.NewIndex(
			textmatch.Field{Name: "title", Text: title, Weight: 0.85},
			textmatch.Field{Name: "snippet", Text: snippet, Weight: 0.5},
		).Match(terms)
		if len(terms) > 0 && confidence == 0 {
			return true
		}

		results = append(results, models.SearchResult{
			ID:              utils.HashString(link)[:16],
			Title:           title,
			Content:         snippet,
			URL:             link,
			ConfidenceScore: confidence,
			MatchReasons:    reasons,
		})
		return true
	})

	if a.opts.FetchContent {
		for i := range results {
			content, err := a.scrapeContent(ctx, results[i].URL)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				a.logger.Warn("Failed to scrape content", zap.String("url", results[i].URL), zap.Error(err))
				continue
			}
			if content != "" {
				results[i].Content = content
			}
		}
	}

	a.logger.Debug("Wiki search completed", zap.String("source", a.opts.Name), zap.Int("results", len(results)))

	return results, nil
}

func (a *Adapter) scrapeContent(ctx context.Context, target string) (string, error) {
	resp, err := a.get(ctx, target)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("page returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, footer, header, aside").Remove()
	text := collapse(doc.Find("body").Text())

	if len(text) > maxContentLength {
		text = text[:maxContentLength]
	}
	return text, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
