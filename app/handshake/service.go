package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lysyi3m/friend-mesh/app/database"
)

// ProtocolVersion is sent on outbound requests and echoed back for
// diagnostics. Version skew is logged, never rejected: the token exchange
// itself is the compatibility check.
const ProtocolVersion = "2"

// Handshake failure taxonomy. Integrity failures (unknown request, proof
// mismatch) reject without any state mutation; policy failures (disabled,
// code word) reject before any token is generated.
var (
	ErrIncomingDisabled = errors.New("incoming friend requests are disabled")
	ErrBadCodeWord      = errors.New("friend request code word does not match")
	ErrAlreadyRelated   = errors.New("a relationship with this site already exists")
	ErrUnknownRequest   = errors.New("friend request not found")
	ErrProofMismatch    = errors.New("acceptance proof does not match the issued token")
)

// Policy carries the owner's incoming-request configuration.
type Policy struct {
	IncomingEnabled bool
	CodeWord        string
}

// FriendRequestIn is the payload a remote initiator presents. Token is
// the future inbound token this site will use when calling the remote.
type FriendRequestIn struct {
	SiteURL  string `json:"site_url" binding:"required"`
	Token    string `json:"token" binding:"required"`
	Version  string `json:"version"`
	CodeWord string `json:"code_word"`
}

// FriendRequestOut acknowledges a staged request.
type FriendRequestOut struct {
	RequestID string `json:"request_id"`
	Version   string `json:"version"`
}

// AcceptIn is the payload the accepting side presents back to the
// initiator. Token is the accepting side's chosen outbound token for the
// initiator to use; Proof binds it to the original request.
type AcceptIn struct {
	RequestID string `json:"request_id" binding:"required"`
	Proof     string `json:"proof" binding:"required"`
	Token     string `json:"token" binding:"required"`
}

type feedDefaults struct {
	Parser       string
	PollInterval int
}

// Service owns every relationship state transition of the handshake, on
// both the initiator and the responder side. All transitions are local
// atomic commits; the temporary inconsistency between two sites during
// the handshake window is resolved by the proof check.
type Service struct {
	relRepo  database.RelationshipRepository
	feedRepo database.FeedRepository
	client   *Client
	policy   Policy
	defaults feedDefaults
}

func NewService(relRepo database.RelationshipRepository, feedRepo database.FeedRepository,
	client *Client, policy Policy, defaultParser string, defaultPollInterval int) *Service {
	return &Service{
		relRepo:  relRepo,
		feedRepo: feedRepo,
		client:   client,
		policy:   policy,
		defaults: feedDefaults{Parser: defaultParser, PollInterval: defaultPollInterval},
	}
}

// SendFriendRequest starts a handshake with a remote site: generates the
// future inbound token, stages it locally and presents it to the remote
// friend-request endpoint. Network failure leaves the relationship
// pending and is retryable; no token is activated.
func (s *Service) SendFriendRequest(ctx context.Context, remoteURL, codeWord string) (*database.Relationship, error) {
	token, err := NewToken()
	if err != nil {
		return nil, err
	}

	rel, err := s.relRepo.GetBySiteURL(remoteURL)
	if err != nil {
		return nil, err
	}

	switch {
	case rel == nil:
		rel = &database.Relationship{
			SiteURL:        remoteURL,
			Role:           database.RolePendingRequestOut,
			RequestSecret:  token,
			NotifyNewPosts: true,
			NotifyKeywords: true,
		}
		if err := s.relRepo.Create(rel); err != nil {
			return nil, err
		}
	case rel.Role == database.RoleSubscription:
		// Upgrade an existing one-way subscription to a friend request.
		if err := s.relRepo.UpdateRole(rel.ID, rel.Role, database.RolePendingRequestOut); err != nil {
			return nil, err
		}
		if err := s.relRepo.StageRequest(rel.ID, "", token); err != nil {
			return nil, err
		}
		rel.Role = database.RolePendingRequestOut
		rel.RequestSecret = token
	case rel.Role == database.RolePendingRequestOut:
		// Retry of an earlier attempt: reuse the staged token so an
		// in-flight response can still verify.
		token = rel.RequestSecret
	default:
		return nil, ErrAlreadyRelated
	}

	out, err := s.client.SendFriendRequest(ctx, remoteURL, FriendRequestIn{
		SiteURL:  s.client.siteURL,
		Token:    token,
		Version:  ProtocolVersion,
		CodeWord: codeWord,
	})
	if err != nil {
		return nil, fmt.Errorf("friend request to %s failed (will retry): %w", remoteURL, err)
	}

	if err := s.relRepo.StageRequest(rel.ID, out.RequestID, token); err != nil {
		return nil, err
	}
	rel.RequestID = out.RequestID

	slog.Info("Friend request sent", "site", remoteURL, "request_id", out.RequestID)

	return rel, nil
}

// HandleFriendRequest processes an incoming request from a remote
// initiator. Policy rejections happen before any token is generated. A
// duplicate request from a site already pending returns the original
// request identifier idempotently.
func (s *Service) HandleFriendRequest(in FriendRequestIn) (*FriendRequestOut, error) {
	if !s.policy.IncomingEnabled {
		return nil, ErrIncomingDisabled
	}
	if s.policy.CodeWord != "" && in.CodeWord != s.policy.CodeWord {
		return nil, ErrBadCodeWord
	}
	if in.Version != "" && in.Version != ProtocolVersion {
		slog.Warn("Friend request with different protocol version", "site", in.SiteURL, "version", in.Version)
	}

	rel, err := s.relRepo.GetBySiteURL(in.SiteURL)
	if err != nil {
		return nil, err
	}

	if rel != nil {
		switch rel.Role {
		case database.RolePendingRequestIn:
			// Duplicate request: restage the presented token under the
			// original identifier so the retried exchange stays coherent.
			if err := s.relRepo.StageRequest(rel.ID, rel.RequestID, in.Token); err != nil {
				return nil, err
			}
			return &FriendRequestOut{RequestID: rel.RequestID, Version: ProtocolVersion}, nil
		case database.RoleSubscription:
			requestID := uuid.NewString()
			if err := s.relRepo.UpdateRole(rel.ID, rel.Role, database.RolePendingRequestIn); err != nil {
				return nil, err
			}
			if err := s.relRepo.StageRequest(rel.ID, requestID, in.Token); err != nil {
				return nil, err
			}
			return &FriendRequestOut{RequestID: requestID, Version: ProtocolVersion}, nil
		default:
			return nil, ErrAlreadyRelated
		}
	}

	rel = &database.Relationship{
		SiteURL:        in.SiteURL,
		Role:           database.RolePendingRequestIn,
		RequestID:      uuid.NewString(),
		RequestSecret:  in.Token,
		NotifyNewPosts: true,
		NotifyKeywords: true,
	}
	if err := s.relRepo.Create(rel); err != nil {
		return nil, err
	}

	slog.Info("Friend request received", "site", in.SiteURL, "request_id", rel.RequestID)

	return &FriendRequestOut{RequestID: rel.RequestID, Version: ProtocolVersion}, nil
}

// Accept is the responder owner's action on a pending incoming request:
// generate our inbound token, prove possession of the initiator's token
// to the initiator, and activate locally once the initiator confirmed.
func (s *Service) Accept(ctx context.Context, relationshipID string) error {
	rel, err := s.relRepo.GetByID(relationshipID)
	if err != nil {
		return err
	}
	if rel == nil || rel.Role != database.RolePendingRequestIn {
		return ErrUnknownRequest
	}

	// Reuse a token staged by an earlier attempt whose response was lost,
	// so the initiator never ends up holding a different token than the
	// one we activate.
	inToken := rel.InToken
	if inToken == "" {
		inToken, err = NewToken()
		if err != nil {
			return err
		}
		if err := s.relRepo.StageAcceptToken(rel.ID, inToken); err != nil {
			return err
		}
	}

	err = s.client.SendAccept(ctx, rel.SiteURL, AcceptIn{
		RequestID: rel.RequestID,
		Proof:     Proof(rel.RequestSecret, rel.RequestID),
		Token:     inToken,
	})
	if err != nil {
		return fmt.Errorf("acceptance call to %s failed (will retry): %w", rel.SiteURL, err)
	}

	// Outbound token is the one the initiator staged with us in step 2.
	if err := s.relRepo.ActivateFriend(rel.ID, inToken, rel.RequestSecret); err != nil {
		return err
	}

	if err := s.ensureDefaultFeed(rel); err != nil {
		return err
	}

	slog.Info("Friend request accepted", "site", rel.SiteURL)

	return nil
}

// HandleAccept processes the acceptance callback on the initiator side.
// The proof must derive from the token we issued in step 1; a replayed
// call for an already active relationship is a no-op.
func (s *Service) HandleAccept(in AcceptIn) error {
	rel, err := s.relRepo.GetByRequestID(in.RequestID)
	if err != nil {
		return err
	}
	if rel == nil {
		return ErrUnknownRequest
	}

	if rel.Role == database.RoleFriend {
		// Replay of a completed handshake. Valid proof against the token
		// we issued means idempotent success; if the responder presents a
		// different token than the stored one, adopt it, otherwise the
		// pair diverges when our earlier response never reached them.
		if VerifyProof(rel.InToken, in.RequestID, in.Proof) {
			if in.Token != rel.OutToken {
				return s.relRepo.UpdateOutToken(rel.ID, in.Token)
			}
			return nil
		}
		return ErrProofMismatch
	}

	if rel.Role != database.RolePendingRequestOut {
		return ErrUnknownRequest
	}

	if !VerifyProof(rel.RequestSecret, in.RequestID, in.Proof) {
		return ErrProofMismatch
	}

	if err := s.relRepo.ActivateFriend(rel.ID, rel.RequestSecret, in.Token); err != nil {
		return err
	}

	rel.Role = database.RoleFriend
	if err := s.ensureDefaultFeed(rel); err != nil {
		return err
	}

	slog.Info("Friend request confirmed", "site", rel.SiteURL)

	return nil
}

// Reject removes a pending request without activating anything.
func (s *Service) Reject(relationshipID string) error {
	rel, err := s.relRepo.GetByID(relationshipID)
	if err != nil {
		return err
	}
	if rel == nil || (rel.Role != database.RolePendingRequestIn && rel.Role != database.RolePendingRequestOut) {
		return ErrUnknownRequest
	}

	return s.relRepo.Delete(rel.ID)
}

// Remove unfriends: the relationship, its feeds and its cached items are
// deleted in one cascade.
func (s *Service) Remove(relationshipID string) error {
	return s.relRepo.Delete(relationshipID)
}

func (s *Service) ensureDefaultFeed(rel *database.Relationship) error {
	feeds, err := s.feedRepo.GetByRelationship(rel.ID)
	if err != nil {
		return err
	}
	if len(feeds) > 0 {
		return nil
	}

	return s.feedRepo.Create(&database.Feed{
		RelationshipID: rel.ID,
		URL:            rel.SiteURL + "/feed",
		Parser:         s.defaults.Parser,
		PostFormat:     "standard",
		Active:         true,
		PollInterval:   s.defaults.PollInterval,
	})
}
