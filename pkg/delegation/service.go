package delegation

import (
	"context"
	"fmt"

	"github.com/forgenet/core-go/pkg/auth"
	"github.com/forgenet/core-go/pkg/crypto"
)

// Service couples the authority client with the local user and token
// mirrors. It is the entry point for registering previously-unseen
// credentials.
type Service struct {
	client  *Client
	users   *auth.UserStore
	tokens  *auth.TokenStore
	clients *auth.ClientStore
	network *crypto.NetworkKey
}

// NewService builds the delegation service. clients and network may be nil
// when the deployment mirrors no client registrations or has no
// internal-auth side channel.
func NewService(client *Client, users *auth.UserStore, tokens *auth.TokenStore, clients *auth.ClientStore, network *crypto.NetworkKey) *Service {
	return &Service{
		client:  client,
		users:   users,
		tokens:  tokens,
		clients: clients,
		network: network,
	}
}

// userFromProfile folds authority profile data into a user row.
func userFromProfile(user *auth.User, profile *Profile) *auth.User {
	if user == nil {
		user = &auth.User{}
	}
	user.Username = profile.Name
	user.Email = profile.Email
	user.UserType = auth.ParseUserType(profile.UserType)
	user.URL = deref(profile.URL)
	user.Location = deref(profile.Location)
	user.Bio = deref(profile.Bio)
	user.SuspensionNotice = deref(profile.SuspensionNotice)
	return user
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// LookupOrRegister exchanges a bearer token with the authority, mirrors the
// owning profile locally, and persists the external token row so future
// requests resolve without another round trip.
func (s *Service) LookupOrRegister(ctx context.Context, token string) (*auth.Token, error) {
	result, err := s.client.Exchange(ctx, token)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByUsername(ctx, result.Profile.Name)
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	user = userFromProfile(user, result.Profile)
	if err := s.users.Upsert(ctx, user); err != nil {
		return nil, fmt.Errorf("mirroring user: %w", err)
	}

	row, err := auth.NewExternalToken(user, result.Token, result.Scopes)
	if err != nil {
		return nil, fmt.Errorf("building token row: %w", err)
	}
	if err := s.linkClient(ctx, row); err != nil {
		return nil, err
	}
	if err := s.tokens.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("persisting token: %w", err)
	}
	return row, nil
}

// linkClient resolves the issuing application for client-qualified tokens.
// Tokens whose scopes name a client this service has never mirrored stay
// unlinked rather than failing the exchange.
func (s *Service) linkClient(ctx context.Context, row *auth.Token) error {
	if s.clients == nil {
		return nil
	}
	for _, scope := range row.Scopes {
		if scope.ClientID == "" {
			continue
		}
		client, err := s.clients.GetByClientID(ctx, scope.ClientID)
		if err != nil {
			return fmt.Errorf("resolving client %q: %w", scope.ClientID, err)
		}
		if client != nil {
			row.ClientID = &client.ID
		}
		return nil
	}
	return nil
}

// RegisterUnknownUser mirrors a user this service has never seen, fetching
// the profile over the internal-auth side channel. Used when a trusted
// service acts on behalf of a user before they ever hit this service
// directly.
func (s *Service) RegisterUnknownUser(ctx context.Context, username string) (*auth.User, error) {
	if s.network == nil {
		return nil, fmt.Errorf("no network key configured for internal profile fetch")
	}
	profile, err := s.client.FetchUnknownUser(ctx, s.network, username)
	if err != nil {
		return nil, err
	}
	user := userFromProfile(nil, profile)
	if err := s.users.Upsert(ctx, user); err != nil {
		return nil, fmt.Errorf("mirroring user: %w", err)
	}
	return user, nil
}
