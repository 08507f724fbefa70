package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbook-agent/backend/internal/models"
)

const searchPage = `<html><body>
<ul>
  <li class="search-result"><a href="/wiki/disk-full">Disk full on database hosts</a><p>Clean up WAL files when the disk fills.</p></li>
  <li class="search-result"><a href="https://other.example/cpu">CPU saturation</a><p>Throttle batch jobs.</p></li>
  <li class="search-result"><span>no link</span></li>
  <li class="search-result"><a href="/wiki/volume">Expand volume</a><p>Resize the disk online.</p></li>
</ul>
</body></html>`

const articlePage = `<html><head><style>.x{}</style></head><body><nav>menu</nav>
<h1>Disk full</h1>   <p>Step one:   remove old logs.</p><script>var x;</script></body></html>`

func newWiki(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "boom" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, searchPage)
	})
	mux.HandleFunc("/wiki/disk-full", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, articlePage)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchScrapesResults(t *testing.T) {
	srv := newWiki(t)
	a := New(Options{Name: "wiki", SearchURL: srv.URL + "/search"})
	require.NoError(t, a.ValidateConfig())

	results, err := a.Search(context.Background(), models.SearchQuery{Text: "disk full"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "Disk full on database hosts", results[0].Title)
	assert.Equal(t, srv.URL+"/wiki/disk-full", results[0].URL)
	assert.Equal(t, "Clean up WAL files when the disk fills.", results[0].Content)
	assert.Greater(t, results[0].ConfidenceScore, results[1].ConfidenceScore)
	assert.NotEmpty(t, results[0].MatchReasons)
	assert.Len(t, results[0].ID, 16)

	assert.Equal(t, "Expand volume", results[1].Title)
}

func TestSearchFetchContent(t *testing.T) {
	srv := newWiki(t)
	a := New(Options{Name: "wiki", SearchURL: srv.URL + "/search?q={query}", FetchContent: true, MaxResults: 1})

	results, err := a.Search(context.Background(), models.SearchQuery{Text: "disk"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Disk full Step one: remove old logs.", results[0].Content)
}

func TestSearchErrors(t *testing.T) {
	srv := newWiki(t)

	a := New(Options{Name: "wiki", SearchURL: srv.URL + "/search"})
	_, err := a.Search(context.Background(), models.SearchQuery{Text: "boom"})
	assert.Error(t, err)

	slow := New(Options{Name: "wiki", SearchURL: srv.URL + "/slow"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = slow.Search(ctx, models.SearchQuery{Text: "disk"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHealthAndConfig(t *testing.T) {
	srv := newWiki(t)

	a := New(Options{Name: "wiki", SearchURL: srv.URL + "/search"})
	assert.True(t, a.HealthCheck(context.Background()).Healthy)

	srv.Close()
	report := a.HealthCheck(context.Background())
	assert.False(t, report.Healthy)
	assert.NotEmpty(t, report.ErrorMessage)

	assert.Error(t, New(Options{Name: "wiki"}).ValidateConfig())
	assert.Error(t, New(Options{Name: "wiki", SearchURL: "ftp://wiki/search"}).ValidateConfig())
	assert.Equal(t, "wiki", a.Metadata().Type)
}
