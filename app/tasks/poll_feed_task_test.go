package tasks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lysyi3m/friend-mesh/app/database"
	"github.com/lysyi3m/friend-mesh/app/feed"
	"github.com/lysyi3m/friend-mesh/app/fetch"
	"github.com/lysyi3m/friend-mesh/app/ingest"
	"github.com/lysyi3m/friend-mesh/app/notify"
	"github.com/lysyi3m/friend-mesh/app/rules"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
<title>Test Blog</title>
<link>https://blog.example.com</link>
<item>
<title>First Post</title>
<link>https://blog.example.com/first</link>
<guid>https://blog.example.com/first</guid>
<description>Hello there</description>
</item>
<item>
<title>Second Post</title>
<link>https://blog.example.com/second</link>
<guid>https://blog.example.com/second</guid>
<description>Another one</description>
</item>
</channel>
</rss>`

type mockRelRepo struct {
	rel *database.Relationship
}

func (m *mockRelRepo) GetByID(id string) (*database.Relationship, error) { return m.rel, nil }
func (m *mockRelRepo) GetBySiteURL(s string) (*database.Relationship, error) { return nil, nil }
func (m *mockRelRepo) GetByRequestID(r string) (*database.Relationship, error) { return nil, nil }
func (m *mockRelRepo) GetByInboundToken(t string) (*database.Relationship, error) {
	return nil, nil
}
func (m *mockRelRepo) List() ([]database.Relationship, error) { return nil, nil }
func (m *mockRelRepo) GetCount() (int, error) { return 0, nil }
func (m *mockRelRepo) Create(rel *database.Relationship) error { return nil }
func (m *mockRelRepo) UpdateRole(id string, from, to database.Role) error { return nil }
func (m *mockRelRepo) UpdateRequestID(id, requestID string) error { return nil }
func (m *mockRelRepo) StageRequest(id, requestID, secret string) error { return nil }
func (m *mockRelRepo) StageAcceptToken(id, token string) error { return nil }
func (m *mockRelRepo) ActivateFriend(id, inToken, outToken string) error { return nil }
func (m *mockRelRepo) UpdateOutToken(id, token string) error { return nil }
func (m *mockRelRepo) UpdateNotifyPrefs(id string, newPosts, keywords bool) error { return nil }
func (m *mockRelRepo) UpdateRetention(id string, maxAgeDays, maxCount int) error { return nil }
func (m *mockRelRepo) Delete(id string) error { return nil }

// mockFeedRepo mimics the conditional poll claim with an in-memory CAS.
type mockFeedRepo struct {
	mu               sync.Mutex
	pollingStartedAt *time.Time
	finishCalls      []bool
	lastError        string
}

func (m *mockFeedRepo) GetByID(id string) (*database.Feed, error) { return nil, nil }
func (m *mockFeedRepo) GetByRelationship(id string) ([]database.Feed, error) { return nil, nil }
func (m *mockFeedRepo) GetActive() ([]database.Feed, error) { return nil, nil }
func (m *mockFeedRepo) GetCount() (int, error) { return 0, nil }
func (m *mockFeedRepo) Create(f *database.Feed) error { return nil }
func (m *mockFeedRepo) Update(f *database.Feed) error { return nil }
func (m *mockFeedRepo) UpdateRules(id string, ruleList []byte, catchAll string) error {
	return nil
}
func (m *mockFeedRepo) RepointURL(id, newURL string) error { return nil }
func (m *mockFeedRepo) Delete(id string) error { return nil }

func (m *mockFeedRepo) TryStartPoll(id string, now, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollingStartedAt != nil && m.pollingStartedAt.After(staleBefore) {
		return false, nil
	}
	m.pollingStartedAt = &now
	return true, nil
}

func (m *mockFeedRepo) FinishPoll(id string, success bool, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollingStartedAt = nil
	m.finishCalls = append(m.finishCalls, success)
	m.lastError = errText
	return nil
}

type mockItemRepo struct {
	mu    sync.Mutex
	items map[string]*database.Item
}

func newMockItemRepo() *mockItemRepo {
	return &mockItemRepo{items: make(map[string]*database.Item)}
}

func (m *mockItemRepo) GetByGUID(feedID, guid string) (*database.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[feedID+"|"+guid], nil
}
func (m *mockItemRepo) GetVisible(feedID string, limit int) ([]database.Item, error) {
	return nil, nil
}
func (m *mockItemRepo) GetStats(feedID string) (int, int, int, int, error) { return 0, 0, 0, 0, nil }
func (m *mockItemRepo) Upsert(item *database.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.FeedID+"|"+item.GUID] = item
	return nil
}
func (m *mockItemRepo) InsertTombstone(feedID, guid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[feedID+"|"+guid] = &database.Item{FeedID: feedID, GUID: guid, Status: database.ItemStatusDeleted}
	return nil
}
func (m *mockItemRepo) SetStatusByGUID(feedID, guid, status string) error { return nil }
func (m *mockItemRepo) PruneOlderThan(feedID string, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (m *mockItemRepo) PruneBeyondCount(feedID string, keep int) (int64, error) { return 0, nil }
func (m *mockItemRepo) GetItemsForExtraction(feedID string, limit int) ([]database.ItemForExtraction, error) {
	return nil, nil
}
func (m *mockItemRepo) UpdateExtractedContent(itemID, content, status string, extractedAt *time.Time, errMsg string) error {
	return nil
}
func (m *mockItemRepo) UpdateExtractionStatus(itemID, status string, extractedAt *time.Time, errMsg string) error {
	return nil
}

func newTestRegistry() *feed.Registry {
	registry := feed.NewRegistry()
	registry.Register(feed.NewRSSParser())
	registry.Register(feed.NewAPParser())
	return registry
}

func TestPollFeedTask_Execute_Success(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(sampleRSS))
	}))
	defer server.Close()

	relRepo := &mockRelRepo{rel: &database.Relationship{
		ID: "rel-1", Role: database.RoleFriend, OutToken: "secret-token",
		NotifyNewPosts: true, NotifyKeywords: true,
	}}
	feedRepo := &mockFeedRepo{}
	itemRepo := newMockItemRepo()

	ingester := ingest.NewIngester(itemRepo, rules.NewEngine(), notify.NewMatcher(false, nil), nil, "")
	fetcher := fetch.NewFetcher("test-agent", 5*time.Second)

	f := database.Feed{ID: "feed-1", RelationshipID: "rel-1", URL: server.URL, Parser: "rss", Active: true}
	task := NewPollFeedTask(f, relRepo, feedRepo, fetcher, newTestRegistry(), ingester)
	task.Start()

	if err := task.Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if gotAuth != "Bearer secret-token" {
		t.Errorf("Expected bearer token on feed fetch, got %q", gotAuth)
	}
	if len(itemRepo.items) != 2 {
		t.Errorf("Expected 2 items stored, got %d", len(itemRepo.items))
	}
	if len(feedRepo.finishCalls) != 1 || !feedRepo.finishCalls[0] {
		t.Errorf("Expected one successful FinishPoll, got %v", feedRepo.finishCalls)
	}
}

func TestPollFeedTask_Execute_SkipsWhenClaimHeld(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Fetch should not happen when the poll claim is held")
	}))
	defer server.Close()

	claimTime := time.Now().UTC()
	feedRepo := &mockFeedRepo{pollingStartedAt: &claimTime}
	itemRepo := newMockItemRepo()

	ingester := ingest.NewIngester(itemRepo, rules.NewEngine(), notify.NewMatcher(false, nil), nil, "")
	fetcher := fetch.NewFetcher("test-agent", 5*time.Second)

	f := database.Feed{ID: "feed-1", RelationshipID: "rel-1", URL: server.URL, Parser: "rss", Active: true}
	task := NewPollFeedTask(f, &mockRelRepo{}, feedRepo, fetcher, newTestRegistry(), ingester)
	task.Start()

	if err := task.Execute(context.Background()); err != nil {
		t.Fatalf("Execute should skip silently, got: %v", err)
	}
	if len(feedRepo.finishCalls) != 0 {
		t.Errorf("FinishPoll must not run for a skipped poll, got %v", feedRepo.finishCalls)
	}
}

func TestPollFeedTask_Execute_TakesOverStaleClaim(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(sampleRSS))
	}))
	defer server.Close()

	staleTime := time.Now().UTC().Add(-PollStaleness - time.Minute)
	feedRepo := &mockFeedRepo{pollingStartedAt: &staleTime}
	itemRepo := newMockItemRepo()

	relRepo := &mockRelRepo{rel: &database.Relationship{ID: "rel-1", Role: database.RoleFriend}}
	ingester := ingest.NewIngester(itemRepo, rules.NewEngine(), notify.NewMatcher(false, nil), nil, "")
	fetcher := fetch.NewFetcher("test-agent", 5*time.Second)

	f := database.Feed{ID: "feed-1", RelationshipID: "rel-1", URL: server.URL, Parser: "rss", Active: true}
	task := NewPollFeedTask(f, relRepo, feedRepo, fetcher, newTestRegistry(), ingester)
	task.Start()

	if err := task.Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(feedRepo.finishCalls) != 1 {
		t.Errorf("Stale claim should be taken over and finished, got %v", feedRepo.finishCalls)
	}
}

func TestPollFeedTask_Execute_RecordsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	relRepo := &mockRelRepo{rel: &database.Relationship{ID: "rel-1", Role: database.RoleFriend}}
	feedRepo := &mockFeedRepo{}
	itemRepo := newMockItemRepo()

	ingester := ingest.NewIngester(itemRepo, rules.NewEngine(), notify.NewMatcher(false, nil), nil, "")
	fetcher := fetch.NewFetcher("test-agent", 5*time.Second)

	f := database.Feed{ID: "feed-1", RelationshipID: "rel-1", URL: server.URL, Parser: "rss", Active: true}
	task := NewPollFeedTask(f, relRepo, feedRepo, fetcher, newTestRegistry(), ingester)
	task.Start()

	if err := task.Execute(context.Background()); err == nil {
		t.Fatal("Expected error from failing upstream")
	}
	if len(feedRepo.finishCalls) != 1 || feedRepo.finishCalls[0] {
		t.Errorf("Expected one failed FinishPoll, got %v", feedRepo.finishCalls)
	}
	if feedRepo.lastError == "" {
		t.Error("Expected the failure text to be recorded")
	}
}

func TestPollFeedTask_Execute_UnknownParserFallsBackToDetection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(sampleRSS))
	}))
	defer server.Close()

	relRepo := &mockRelRepo{rel: &database.Relationship{ID: "rel-1", Role: database.RoleFriend}}
	feedRepo := &mockFeedRepo{}
	itemRepo := newMockItemRepo()

	ingester := ingest.NewIngester(itemRepo, rules.NewEngine(), notify.NewMatcher(false, nil), nil, "")
	fetcher := fetch.NewFetcher("test-agent", 5*time.Second)

	f := database.Feed{ID: "feed-1", RelationshipID: "rel-1", URL: server.URL, Parser: "legacy", Active: true}
	task := NewPollFeedTask(f, relRepo, feedRepo, fetcher, newTestRegistry(), ingester)
	task.Start()

	if err := task.Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(itemRepo.items) != 2 {
		t.Errorf("Detection fallback should still ingest, got %d items", len(itemRepo.items))
	}
}
