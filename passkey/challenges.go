package passkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/gatehouselabs/gatehouse/internal/util"
	"github.com/gatehouselabs/gatehouse/kv"
)

const (
	challengeTTL = 5 * time.Minute

	regKeyPrefix   = "webauthn:reg:"
	loginKeyPrefix = "webauthn:login:"
)

// challengeStore persists ceremony state between begin and finish calls.
// Entries are consumed with GetDel: exactly one retrieval per ceremony, no
// matter whether the verification that follows succeeds. One-time use is
// the anti-replay guarantee, not the verification outcome.
type challengeStore struct {
	store kv.Store
}

func regKey(userID string) string {
	return regKeyPrefix + util.HashKey(userID)
}

func loginKey(id string) string {
	return loginKeyPrefix + util.HashKey(id)
}

func (c *challengeStore) save(ctx context.Context, key string, data *webauthn.SessionData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("serialize ceremony state: %w", err)
	}
	if err := c.store.SetEx(ctx, key, string(raw), challengeTTL); err != nil {
		return fmt.Errorf("store ceremony state: %w", err)
	}
	return nil
}

func (c *challengeStore) take(ctx context.Context, key string) (*webauthn.SessionData, error) {
	raw, err := c.store.GetDel(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrCeremonyExpired
	}
	if err != nil {
		return nil, fmt.Errorf("load ceremony state: %w", err)
	}
	var data webauthn.SessionData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, ErrCeremonyExpired
	}
	return &data, nil
}
