package provider

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// StoredCredentials reads provider tokens from the durable store under
// "creds:{userId}". The auth subsystem that obtains and refreshes tokens
// writes them there; this pipeline only consumes them.
type StoredCredentials struct {
	rdb *redis.Client
}

// NewStoredCredentials returns a store-backed credential source.
func NewStoredCredentials(rdb *redis.Client) *StoredCredentials {
	return &StoredCredentials{rdb: rdb}
}

// Credentials resolves the user's current access token.
func (s *StoredCredentials) Credentials(ctx context.Context, userID string) (Credentials, error) {
	token, err := s.rdb.Get(ctx, "creds:"+userID).Result()
	if err == redis.Nil {
		return Credentials{}, fmt.Errorf("no credentials for user %s", userID)
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("load credentials for %s: %w", userID, err)
	}
	return Credentials{AccessToken: token}, nil
}
