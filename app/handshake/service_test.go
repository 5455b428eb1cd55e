package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lysyi3m/friend-mesh/app/database"
)

type memoryRelRepo struct {
	rels   map[string]*database.Relationship
	nextID int
}

func newMemoryRelRepo() *memoryRelRepo {
	return &memoryRelRepo{rels: make(map[string]*database.Relationship)}
}

func (m *memoryRelRepo) GetByID(id string) (*database.Relationship, error) {
	if rel, ok := m.rels[id]; ok {
		copied := *rel
		return &copied, nil
	}
	return nil, nil
}

func (m *memoryRelRepo) GetBySiteURL(siteURL string) (*database.Relationship, error) {
	for _, rel := range m.rels {
		if rel.SiteURL == siteURL {
			copied := *rel
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memoryRelRepo) GetByRequestID(requestID string) (*database.Relationship, error) {
	for _, rel := range m.rels {
		if rel.RequestID == requestID && requestID != "" {
			copied := *rel
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memoryRelRepo) GetByInboundToken(token string) (*database.Relationship, error) {
	for _, rel := range m.rels {
		if rel.InToken == token && token != "" &&
			(rel.Role == database.RoleFriend || rel.Role == database.RoleAcquaintance) {
			copied := *rel
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memoryRelRepo) List() ([]database.Relationship, error) { return nil, nil }
func (m *memoryRelRepo) GetCount() (int, error)                 { return len(m.rels), nil }

func (m *memoryRelRepo) Create(rel *database.Relationship) error {
	m.nextID++
	rel.ID = fmt.Sprintf("rel-%d", m.nextID)
	copied := *rel
	m.rels[rel.ID] = &copied
	return nil
}

func (m *memoryRelRepo) UpdateRole(id string, from, to database.Role) error {
	rel, ok := m.rels[id]
	if !ok || rel.Role != from {
		return fmt.Errorf("relationship %s not in role %s", id, from)
	}
	if !from.CanTransition(to) {
		return fmt.Errorf("transition %s -> %s not allowed", from, to)
	}
	rel.Role = to
	return nil
}

func (m *memoryRelRepo) UpdateRequestID(id, requestID string) error {
	if rel, ok := m.rels[id]; ok {
		rel.RequestID = requestID
	}
	return nil
}

func (m *memoryRelRepo) StageRequest(id, requestID, secret string) error {
	rel, ok := m.rels[id]
	if !ok {
		return fmt.Errorf("relationship %s not found", id)
	}
	rel.RequestID = requestID
	rel.RequestSecret = secret
	return nil
}

func (m *memoryRelRepo) StageAcceptToken(id, token string) error {
	rel, ok := m.rels[id]
	if !ok {
		return fmt.Errorf("relationship %s not found", id)
	}
	if rel.Role == database.RolePendingRequestIn {
		rel.InToken = token
	}
	return nil
}

func (m *memoryRelRepo) ActivateFriend(id, inToken, outToken string) error {
	rel, ok := m.rels[id]
	if !ok {
		return fmt.Errorf("relationship %s not found", id)
	}
	if rel.Role != database.RolePendingRequestIn && rel.Role != database.RolePendingRequestOut {
		return fmt.Errorf("relationship %s not pending", id)
	}
	rel.Role = database.RoleFriend
	rel.InToken = inToken
	rel.OutToken = outToken
	rel.RequestSecret = ""
	return nil
}

func (m *memoryRelRepo) UpdateOutToken(id, token string) error {
	rel, ok := m.rels[id]
	if !ok {
		return fmt.Errorf("relationship %s not found", id)
	}
	if rel.Role == database.RoleFriend {
		rel.OutToken = token
	}
	return nil
}

func (m *memoryRelRepo) UpdateNotifyPrefs(id string, newPosts, keywords bool) error { return nil }
func (m *memoryRelRepo) UpdateRetention(id string, maxAgeDays, maxCount int) error  { return nil }

func (m *memoryRelRepo) Delete(id string) error {
	delete(m.rels, id)
	return nil
}

type memoryFeedRepo struct {
	feeds  []database.Feed
	nextID int
}

func (m *memoryFeedRepo) GetByID(id string) (*database.Feed, error) { return nil, nil }
func (m *memoryFeedRepo) GetByRelationship(relationshipID string) ([]database.Feed, error) {
	var result []database.Feed
	for _, f := range m.feeds {
		if f.RelationshipID == relationshipID {
			result = append(result, f)
		}
	}
	return result, nil
}
func (m *memoryFeedRepo) GetActive() ([]database.Feed, error) { return m.feeds, nil }
func (m *memoryFeedRepo) GetCount() (int, error)              { return len(m.feeds), nil }
func (m *memoryFeedRepo) Create(f *database.Feed) error {
	m.nextID++
	f.ID = fmt.Sprintf("feed-%d", m.nextID)
	m.feeds = append(m.feeds, *f)
	return nil
}
func (m *memoryFeedRepo) Update(f *database.Feed) error { return nil }
func (m *memoryFeedRepo) UpdateRules(id string, ruleList []byte, catchAll string) error {
	return nil
}
func (m *memoryFeedRepo) RepointURL(id, newURL string) error { return nil }
func (m *memoryFeedRepo) Delete(id string) error             { return nil }
func (m *memoryFeedRepo) TryStartPoll(id string, now, staleBefore time.Time) (bool, error) {
	return true, nil
}
func (m *memoryFeedRepo) FinishPoll(id string, success bool, errText string) error { return nil }

func newTestService(siteURL string, policy Policy) (*Service, *memoryRelRepo, *memoryFeedRepo) {
	relRepo := newMemoryRelRepo()
	feedRepo := &memoryFeedRepo{}
	client := NewClient(http.DefaultClient, siteURL, "test-agent", 5*time.Second)
	service := NewService(relRepo, feedRepo, client, policy, "rss", 3600)
	return service, relRepo, feedRepo
}

// TestHandshake_FullExchange runs both sides of the handshake against each
// other over real HTTP and checks the tokens end up mirrored.
func TestHandshake_FullExchange(t *testing.T) {
	var serviceA, serviceB *Service

	serverA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/friends/accept" {
			t.Errorf("Unexpected call to initiator: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var in AcceptIn
		json.NewDecoder(r.Body).Decode(&in)
		if err := serviceA.HandleAccept(in); err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer serverA.Close()

	serverB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/friends/request" {
			t.Errorf("Unexpected call to responder: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var in FriendRequestIn
		json.NewDecoder(r.Body).Decode(&in)
		out, err := serviceB.HandleFriendRequest(in)
		if err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer serverB.Close()

	var relRepoA, relRepoB *memoryRelRepo
	var feedRepoA, feedRepoB *memoryFeedRepo
	serviceA, relRepoA, feedRepoA = newTestService(serverA.URL, Policy{IncomingEnabled: true})
	serviceB, relRepoB, feedRepoB = newTestService(serverB.URL, Policy{IncomingEnabled: true})

	// Step 1+2: A sends the request, B stages it.
	relA, err := serviceA.SendFriendRequest(context.Background(), serverB.URL, "")
	if err != nil {
		t.Fatalf("SendFriendRequest failed: %v", err)
	}
	if relA.Role != database.RolePendingRequestOut {
		t.Errorf("Initiator should be pending out, got %s", relA.Role)
	}

	relB, err := relRepoB.GetBySiteURL(serverA.URL)
	if err != nil || relB == nil {
		t.Fatalf("Responder should have staged the request: %v", err)
	}
	if relB.Role != database.RolePendingRequestIn {
		t.Errorf("Responder should be pending in, got %s", relB.Role)
	}

	// Step 3+4: B's owner accepts; both sides activate.
	if err := serviceB.Accept(context.Background(), relB.ID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	finalA, _ := relRepoA.GetByID(relA.ID)
	finalB, _ := relRepoB.GetByID(relB.ID)

	if finalA.Role != database.RoleFriend || finalB.Role != database.RoleFriend {
		t.Fatalf("Both sides should be friends, got %s and %s", finalA.Role, finalB.Role)
	}
	if finalA.InToken == "" || finalB.InToken == "" {
		t.Fatal("Both sides should hold an inbound token")
	}
	if finalA.InToken != finalB.OutToken {
		t.Error("A's inbound token should be B's outbound token")
	}
	if finalA.OutToken != finalB.InToken {
		t.Error("A's outbound token should be B's inbound token")
	}
	if finalA.RequestSecret != "" || finalB.RequestSecret != "" {
		t.Error("Staged secrets should be cleared after activation")
	}

	feedsA, _ := feedRepoA.GetByRelationship(finalA.ID)
	feedsB, _ := feedRepoB.GetByRelationship(finalB.ID)
	if len(feedsA) != 1 || len(feedsB) != 1 {
		t.Errorf("Both sides should have a default feed, got %d and %d", len(feedsA), len(feedsB))
	}
}

func TestService_HandleFriendRequest_IncomingDisabled(t *testing.T) {
	service, relRepo, _ := newTestService("https://me.example.com", Policy{IncomingEnabled: false})

	_, err := service.HandleFriendRequest(FriendRequestIn{SiteURL: "https://other.example.com", Token: "tok"})
	if !errors.Is(err, ErrIncomingDisabled) {
		t.Errorf("Expected ErrIncomingDisabled, got %v", err)
	}
	if count, _ := relRepo.GetCount(); count != 0 {
		t.Error("Policy rejection must not create a relationship")
	}
}

func TestService_HandleFriendRequest_CodeWord(t *testing.T) {
	service, relRepo, _ := newTestService("https://me.example.com", Policy{IncomingEnabled: true, CodeWord: "swordfish"})

	_, err := service.HandleFriendRequest(FriendRequestIn{SiteURL: "https://other.example.com", Token: "tok", CodeWord: "wrong"})
	if !errors.Is(err, ErrBadCodeWord) {
		t.Errorf("Expected ErrBadCodeWord, got %v", err)
	}
	if count, _ := relRepo.GetCount(); count != 0 {
		t.Error("Code word rejection must not create a relationship")
	}

	out, err := service.HandleFriendRequest(FriendRequestIn{SiteURL: "https://other.example.com", Token: "tok", CodeWord: "swordfish"})
	if err != nil {
		t.Fatalf("Matching code word should pass: %v", err)
	}
	if out.RequestID == "" {
		t.Error("Expected a request identifier")
	}
}

func TestService_HandleFriendRequest_DuplicateReturnsSameRequestID(t *testing.T) {
	service, _, _ := newTestService("https://me.example.com", Policy{IncomingEnabled: true})

	first, err := service.HandleFriendRequest(FriendRequestIn{SiteURL: "https://other.example.com", Token: "tok-1"})
	if err != nil {
		t.Fatalf("First request failed: %v", err)
	}

	second, err := service.HandleFriendRequest(FriendRequestIn{SiteURL: "https://other.example.com", Token: "tok-2"})
	if err != nil {
		t.Fatalf("Duplicate request failed: %v", err)
	}

	if first.RequestID != second.RequestID {
		t.Errorf("Duplicate request should reuse the request identifier: %s vs %s", first.RequestID, second.RequestID)
	}
}

func TestService_HandleFriendRequest_AlreadyFriend(t *testing.T) {
	service, relRepo, _ := newTestService("https://me.example.com", Policy{IncomingEnabled: true})

	relRepo.Create(&database.Relationship{SiteURL: "https://other.example.com", Role: database.RoleFriend})

	_, err := service.HandleFriendRequest(FriendRequestIn{SiteURL: "https://other.example.com", Token: "tok"})
	if !errors.Is(err, ErrAlreadyRelated) {
		t.Errorf("Expected ErrAlreadyRelated, got %v", err)
	}
}

func TestService_HandleAccept_UnknownRequest(t *testing.T) {
	service, _, _ := newTestService("https://me.example.com", Policy{})

	err := service.HandleAccept(AcceptIn{RequestID: "missing", Proof: "x", Token: "y"})
	if !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Expected ErrUnknownRequest, got %v", err)
	}
}

func TestService_HandleAccept_ProofMismatchLeavesStateUntouched(t *testing.T) {
	service, relRepo, _ := newTestService("https://me.example.com", Policy{})

	rel := &database.Relationship{
		SiteURL:       "https://other.example.com",
		Role:          database.RolePendingRequestOut,
		RequestID:     "req-1",
		RequestSecret: "staged-token",
	}
	relRepo.Create(rel)

	err := service.HandleAccept(AcceptIn{
		RequestID: "req-1",
		Proof:     Proof("some-other-token", "req-1"),
		Token:     "their-token",
	})
	if !errors.Is(err, ErrProofMismatch) {
		t.Fatalf("Expected ErrProofMismatch, got %v", err)
	}

	stored, _ := relRepo.GetByID(rel.ID)
	if stored.Role != database.RolePendingRequestOut {
		t.Errorf("Failed proof must not change the role, got %s", stored.Role)
	}
	if stored.InToken != "" || stored.OutToken != "" {
		t.Error("Failed proof must not activate any token")
	}
}

func TestService_HandleAccept_ValidProofActivates(t *testing.T) {
	service, relRepo, feedRepo := newTestService("https://me.example.com", Policy{})

	rel := &database.Relationship{
		SiteURL:       "https://other.example.com",
		Role:          database.RolePendingRequestOut,
		RequestID:     "req-1",
		RequestSecret: "staged-token",
	}
	relRepo.Create(rel)

	err := service.HandleAccept(AcceptIn{
		RequestID: "req-1",
		Proof:     Proof("staged-token", "req-1"),
		Token:     "their-token",
	})
	if err != nil {
		t.Fatalf("HandleAccept failed: %v", err)
	}

	stored, _ := relRepo.GetByID(rel.ID)
	if stored.Role != database.RoleFriend {
		t.Errorf("Expected friend role, got %s", stored.Role)
	}
	if stored.InToken != "staged-token" {
		t.Errorf("Inbound token should be the staged one, got %q", stored.InToken)
	}
	if stored.OutToken != "their-token" {
		t.Errorf("Outbound token should be the presented one, got %q", stored.OutToken)
	}

	feeds, _ := feedRepo.GetByRelationship(rel.ID)
	if len(feeds) != 1 {
		t.Fatalf("Expected a default feed, got %d", len(feeds))
	}
	if feeds[0].URL != "https://other.example.com/feed" {
		t.Errorf("Unexpected default feed URL %q", feeds[0].URL)
	}
}

func TestService_HandleAccept_ReplayIsIdempotent(t *testing.T) {
	service, relRepo, _ := newTestService("https://me.example.com", Policy{})

	rel := &database.Relationship{
		SiteURL:       "https://other.example.com",
		Role:          database.RolePendingRequestOut,
		RequestID:     "req-1",
		RequestSecret: "staged-token",
	}
	relRepo.Create(rel)

	accept := AcceptIn{
		RequestID: "req-1",
		Proof:     Proof("staged-token", "req-1"),
		Token:     "their-token",
	}

	if err := service.HandleAccept(accept); err != nil {
		t.Fatalf("First HandleAccept failed: %v", err)
	}
	if err := service.HandleAccept(accept); err != nil {
		t.Fatalf("Replayed HandleAccept should succeed idempotently: %v", err)
	}

	bogus := accept
	bogus.Proof = Proof("wrong", "req-1")
	if err := service.HandleAccept(bogus); !errors.Is(err, ErrProofMismatch) {
		t.Errorf("Replay with a bad proof must be rejected, got %v", err)
	}
}

func TestService_Accept_RetryReusesStagedToken(t *testing.T) {
	var tokens []string
	var fail bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in AcceptIn
		json.NewDecoder(r.Body).Decode(&in)
		tokens = append(tokens, in.Token)
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	service, relRepo, _ := newTestService("https://me.example.com", Policy{})

	rel := &database.Relationship{
		SiteURL:       server.URL,
		Role:          database.RolePendingRequestIn,
		RequestID:     "req-1",
		RequestSecret: "initiator-token",
	}
	relRepo.Create(rel)

	// The initiator processed the acceptance but the response was lost.
	fail = true
	if err := service.Accept(context.Background(), rel.ID); err == nil {
		t.Fatal("Expected error when the acceptance response is lost")
	}

	staged, _ := relRepo.GetByID(rel.ID)
	if staged.Role != database.RolePendingRequestIn {
		t.Fatalf("Failed accept must stay pending, got %s", staged.Role)
	}
	if staged.InToken == "" {
		t.Fatal("Accept should stage the generated token before calling out")
	}

	fail = false
	if err := service.Accept(context.Background(), rel.ID); err != nil {
		t.Fatalf("Retried accept failed: %v", err)
	}

	if len(tokens) != 2 || tokens[0] != tokens[1] {
		t.Errorf("Retry must present the originally staged token, got %v", tokens)
	}

	final, _ := relRepo.GetByID(rel.ID)
	if final.Role != database.RoleFriend {
		t.Fatalf("Expected friend role after retry, got %s", final.Role)
	}
	if final.InToken != staged.InToken {
		t.Errorf("Activation should keep the staged token, got %q", final.InToken)
	}
}

func TestService_HandleAccept_ReplayAdoptsPresentedToken(t *testing.T) {
	service, relRepo, _ := newTestService("https://me.example.com", Policy{})

	rel := &database.Relationship{
		SiteURL:       "https://other.example.com",
		Role:          database.RolePendingRequestOut,
		RequestID:     "req-1",
		RequestSecret: "staged-token",
	}
	relRepo.Create(rel)

	if err := service.HandleAccept(AcceptIn{
		RequestID: "req-1",
		Proof:     Proof("staged-token", "req-1"),
		Token:     "first-token",
	}); err != nil {
		t.Fatalf("First HandleAccept failed: %v", err)
	}

	// The responder never saw our response and retried with a different
	// token; the valid proof makes it safe to adopt.
	if err := service.HandleAccept(AcceptIn{
		RequestID: "req-1",
		Proof:     Proof("staged-token", "req-1"),
		Token:     "second-token",
	}); err != nil {
		t.Fatalf("Replayed HandleAccept failed: %v", err)
	}

	stored, _ := relRepo.GetByID(rel.ID)
	if stored.OutToken != "second-token" {
		t.Errorf("Replay should adopt the presented token, got %q", stored.OutToken)
	}
}

func TestService_SendFriendRequest_RetryReusesStagedToken(t *testing.T) {
	var gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in FriendRequestIn
		json.NewDecoder(r.Body).Decode(&in)
		gotToken = in.Token
		json.NewEncoder(w).Encode(FriendRequestOut{RequestID: "req-9"})
	}))
	defer server.Close()

	service, relRepo, _ := newTestService("https://me.example.com", Policy{})

	relRepo.Create(&database.Relationship{
		SiteURL:       server.URL,
		Role:          database.RolePendingRequestOut,
		RequestSecret: "previously-staged",
	})

	if _, err := service.SendFriendRequest(context.Background(), server.URL, ""); err != nil {
		t.Fatalf("SendFriendRequest failed: %v", err)
	}

	if gotToken != "previously-staged" {
		t.Errorf("Retry should present the originally staged token, got %q", gotToken)
	}
}

func TestService_SendFriendRequest_RemoteFailureLeavesPending(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	service, relRepo, _ := newTestService("https://me.example.com", Policy{})

	if _, err := service.SendFriendRequest(context.Background(), server.URL, ""); err == nil {
		t.Fatal("Expected error from failing remote")
	}

	rel, _ := relRepo.GetBySiteURL(server.URL)
	if rel == nil {
		t.Fatal("Relationship should remain staged for retry")
	}
	if rel.Role != database.RolePendingRequestOut {
		t.Errorf("Expected pending out after failure, got %s", rel.Role)
	}
	if rel.InToken != "" || rel.OutToken != "" {
		t.Error("No token may be activated on a failed request")
	}
}

func TestService_Reject(t *testing.T) {
	service, relRepo, _ := newTestService("https://me.example.com", Policy{})

	rel := &database.Relationship{SiteURL: "https://other.example.com", Role: database.RolePendingRequestIn}
	relRepo.Create(rel)

	if err := service.Reject(rel.ID); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if stored, _ := relRepo.GetByID(rel.ID); stored != nil {
		t.Error("Rejected relationship should be removed")
	}

	active := &database.Relationship{SiteURL: "https://friend.example.com", Role: database.RoleFriend}
	relRepo.Create(active)
	if err := service.Reject(active.ID); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Reject of an active relationship must fail, got %v", err)
	}
}
