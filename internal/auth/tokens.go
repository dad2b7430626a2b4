package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/store"
	"github.com/opendsc/opendsc/pkg/logging"
)

const (
	accessTokenPrefix  = "pat_"
	tokenTouchInterval = time.Minute
)

// IssueAccessToken mints a personal access token for username. The token
// value is returned exactly once; only its SHA-256 is stored. A ttlDays of
// zero issues a token without expiry.
func (s *Service) IssueAccessToken(ctx context.Context, username, name string, ttlDays int) (*store.AccessToken, string, error) {
	if name == "" {
		return nil, "", api.NewFieldValidationError("name", "must not be empty")
	}
	if ttlDays < 0 {
		return nil, "", api.NewFieldValidationError("ttlDays", "must not be negative")
	}
	token, err := newAccessTokenSecret()
	if err != nil {
		return nil, "", err
	}
	now := time.Now().UTC()
	record := &store.AccessToken{
		ID:        uuid.New().String(),
		Username:  username,
		Name:      name,
		TokenHash: hashSecret(token),
		CreatedAt: now,
	}
	if ttlDays > 0 {
		record.ExpiresAt = now.AddDate(0, 0, ttlDays)
	}
	err = s.store.Update(func(tx store.WriteTx) error {
		if tx.User(username) == nil {
			return api.NewNotFoundError("user", username)
		}
		tx.SaveAccessToken(record)
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	logging.Audit(logging.AuditEvent{
		Action:    "token_issue",
		Outcome:   "success",
		Principal: username,
		Target:    logging.TruncateID(record.ID),
		Detail:    name,
	})
	return record, token, nil
}

// ResolveAccessToken authenticates a bearer token and returns the owning
// account. Token use is recorded, throttled so busy tokens do not write on
// every request.
func (s *Service) ResolveAccessToken(ctx context.Context, token string) (*store.User, error) {
	if !strings.HasPrefix(token, accessTokenPrefix) {
		return nil, api.NewUnauthorizedError("malformed access token")
	}
	hash := hashSecret(token)

	var user *store.User
	var id string
	err := s.store.View(func(tx store.ReadTx) error {
		record := tx.AccessTokenByHash(hash)
		if record == nil {
			return api.NewUnauthorizedError("unknown access token")
		}
		if !record.ExpiresAt.IsZero() && time.Now().After(record.ExpiresAt) {
			return api.NewUnauthorizedError("access token expired")
		}
		u, err := activeUser(tx, record.Username)
		if err != nil {
			return err
		}
		user = u
		id = record.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.touchToken(id)
	return user, nil
}

// ListAccessTokens returns the account's tokens, newest first. An empty
// username lists every token.
func (s *Service) ListAccessTokens(ctx context.Context, username string) ([]*store.AccessToken, error) {
	var tokens []*store.AccessToken
	err := s.store.View(func(tx store.ReadTx) error {
		for _, record := range tx.AccessTokens() {
			if username != "" && record.Username != username {
				continue
			}
			tokens = append(tokens, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].CreatedAt.After(tokens[j].CreatedAt) })
	return tokens, nil
}

// RevokeAccessToken deletes a token by id.
func (s *Service) RevokeAccessToken(ctx context.Context, id string) error {
	var username string
	err := s.store.Update(func(tx store.WriteTx) error {
		record := tx.AccessToken(id)
		if record == nil {
			return api.NewNotFoundError("access token", id)
		}
		username = record.Username
		tx.DeleteAccessToken(id)
		return nil
	})
	if err != nil {
		return err
	}
	s.touchMu.Lock()
	delete(s.lastTouch, id)
	s.touchMu.Unlock()
	logging.Audit(logging.AuditEvent{
		Action:    "token_revoke",
		Outcome:   "success",
		Principal: username,
		Target:    logging.TruncateID(id),
	})
	return nil
}

func (s *Service) touchToken(id string) {
	now := time.Now()
	s.touchMu.Lock()
	last, ok := s.lastTouch[id]
	if ok && now.Sub(last) < tokenTouchInterval {
		s.touchMu.Unlock()
		return
	}
	s.lastTouch[id] = now
	s.touchMu.Unlock()

	err := s.store.Update(func(tx store.WriteTx) error {
		record := tx.AccessToken(id)
		if record == nil {
			return nil
		}
		clone := record.Clone()
		clone.LastUsed = now.UTC()
		tx.SaveAccessToken(clone)
		return nil
	})
	if err != nil {
		logging.Warn("Auth", "Failed to update last-used for token %s: %v", id, err)
	}
}

// newAccessTokenSecret returns the pat_ prefix plus 43 url-safe characters
// encoding 32 random bytes.
func newAccessTokenSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", api.NewTransientIOError("generate access token", err)
	}
	return accessTokenPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

func hashSecret(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
