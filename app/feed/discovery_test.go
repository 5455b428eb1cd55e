package feed

import (
	"testing"
)

func TestDiscoverFeeds_LinkElements(t *testing.T) {
	html := `<!DOCTYPE html>
<html>
<head>
<title>Example Blog</title>
<link rel="alternate" type="application/rss+xml" title="RSS" href="/feed.xml">
<link rel="alternate" type="application/activity+json" href="https://blog.example.com/actor">
<link rel="alternate" type="text/html" href="/mobile">
<link rel="stylesheet" href="/style.css">
</head>
<body></body>
</html>`

	candidates, err := DiscoverFeeds("https://blog.example.com", []byte(html))
	if err != nil {
		t.Fatalf("DiscoverFeeds failed: %v", err)
	}

	if len(candidates) != 2 {
		t.Fatalf("Expected 2 candidates, got %d: %v", len(candidates), candidates)
	}

	if candidates[0].URL != "https://blog.example.com/feed.xml" {
		t.Errorf("Relative href should resolve against the site URL, got %q", candidates[0].URL)
	}
	if candidates[0].Parser != "rss" {
		t.Errorf("Expected rss parser, got %q", candidates[0].Parser)
	}
	if candidates[0].Title != "RSS" {
		t.Errorf("Link title should be carried, got %q", candidates[0].Title)
	}

	if candidates[1].URL != "https://blog.example.com/actor" {
		t.Errorf("Absolute href should pass through, got %q", candidates[1].URL)
	}
	if candidates[1].Parser != "activitypub" {
		t.Errorf("Expected activitypub parser, got %q", candidates[1].Parser)
	}
}

func TestDiscoverFeeds_Deduplicates(t *testing.T) {
	html := `<html><head>
<link rel="alternate" type="application/rss+xml" href="/feed">
<link rel="alternate" type="application/atom+xml" href="/feed">
</head></html>`

	candidates, err := DiscoverFeeds("https://blog.example.com", []byte(html))
	if err != nil {
		t.Fatalf("DiscoverFeeds failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Errorf("Identical resolved URLs should deduplicate, got %d", len(candidates))
	}
}

func TestDiscoverFeeds_WellKnownFallback(t *testing.T) {
	html := `<html><head><title>No feeds advertised</title></head><body></body></html>`

	candidates, err := DiscoverFeeds("https://blog.example.com", []byte(html))
	if err != nil {
		t.Fatalf("DiscoverFeeds failed: %v", err)
	}

	if len(candidates) == 0 {
		t.Fatal("Fallback paths should always produce candidates")
	}
	if candidates[0].URL != "https://blog.example.com/feed" {
		t.Errorf("First fallback should be /feed, got %q", candidates[0].URL)
	}
}
