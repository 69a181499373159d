package svc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"shotcap/cfg"
	"shotcap/metrics"
	"shotcap/pkg/domain"
	"shotcap/pkg/kms"
	"shotcap/svc/db"
	"shotcap/svc/util"

	"github.com/pkg/errors"
)

const sealKeyMetaKey = "seal_key_wrapped"

// OAuth coordinates the account-linking handshake with the identity provider.
// State tokens are stored server-side and consumed exactly once; access
// tokens are sealed before they touch the devices table.
type OAuth struct {
	db        *db.SQLite
	adapter   *kms.Adapter
	sealCache *kms.SealKeyCache
	cfg       *cfg.Cfg
	client    *http.Client

	wrappedMu  sync.Mutex
	wrappedKey []byte
}

type HandshakeParams struct {
	ClientID string `json:"client_id"`
	State    string `json:"state"`
	OAuthURL string `json:"oauth_url"`
	Scopes   string `json:"scopes"`
}

func NewOAuth(sqlDB *db.SQLite, adapter *kms.Adapter, c *cfg.Cfg) *OAuth {
	if sqlDB == nil || adapter == nil || c == nil {
		panic("oauth service: nil dependency (sqlDB, adapter, or cfg)")
	}
	return &OAuth{
		db:        sqlDB,
		adapter:   adapter,
		sealCache: kms.NewSealKeyCache(adapter, c.SealKeyCacheTTL),
		cfg:       c,
		client:    &http.Client{Timeout: c.ProxyTimeout},
	}
}

func (o *OAuth) Shutdown() {
	o.sealCache.Stop()
}

func (o *OAuth) Enabled() bool {
	return o.cfg.FxAClientID != ""
}

// Begin mints a single-use state bound to the calling device. One handshake
// per device at a time: a second params call while a state is outstanding is
// rejected until that state is consumed or expires.
func (o *OAuth) Begin(ctx context.Context, deviceID string) (*HandshakeParams, error) {
	pending, err := o.db.HasPendingOAuthState(ctx, deviceID)
	if err != nil {
		return nil, errors.Wrap(err, "check pending oauth state")
	}
	if pending {
		return nil, domain.ErrHandshakePending
	}
	state, err := util.GenID(func(id string) (bool, error) {
		return o.db.OAuthStateExists(ctx, id)
	})
	if err != nil {
		return nil, errors.Wrap(err, "generate oauth state")
	}
	expiresAt := time.Now().Add(o.cfg.OAuthStateTTL)
	if err := o.db.CreateOAuthState(ctx, state, deviceID, expiresAt); err != nil {
		return nil, errors.Wrap(err, "create oauth state")
	}
	return &HandshakeParams{
		ClientID: o.cfg.FxAClientID,
		State:    state,
		OAuthURL: o.cfg.FxAOAuthURL + "/authorization",
		Scopes:   "profile",
	}, nil
}

// Complete consumes the state, trades the code for an access token, resolves
// the account id from the profile endpoint, and links the account. The state
// delete is the replay barrier: a second call with the same state fails
// before any upstream traffic happens.
func (o *OAuth) Complete(ctx context.Context, deviceID, state, code string) error {
	if state == "" || code == "" {
		return domain.ErrInvalidRequest
	}
	ok, err := o.db.ConsumeOAuthState(ctx, deviceID, state)
	if err != nil {
		return errors.Wrap(err, "consume oauth state")
	}
	if !ok {
		metrics.OAuthHandshakes.WithLabelValues("state_mismatch").Inc()
		return domain.ErrStateMismatch
	}
	accessToken, err := o.exchangeCode(ctx, code)
	if err != nil {
		metrics.OAuthHandshakes.WithLabelValues("exchange_failed").Inc()
		return err
	}
	accountID, err := o.resolveAccount(ctx, accessToken)
	if err != nil {
		metrics.OAuthHandshakes.WithLabelValues("profile_failed").Inc()
		return err
	}
	sealed, err := o.sealToken(ctx, accessToken)
	if err != nil {
		return errors.Wrap(err, "seal access token")
	}
	if err := o.db.LinkAccount(ctx, deviceID, accountID, sealed); err != nil {
		return errors.Wrap(err, "link account")
	}
	metrics.OAuthHandshakes.WithLabelValues("ok").Inc()
	util.Info().Str("device_id", deviceID).Msg("account linked")
	return nil
}

func (o *OAuth) exchangeCode(ctx context.Context, code string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"client_id":     o.cfg.FxAClientID,
		"client_secret": o.cfg.FxAClientSecret.Value(),
		"code":          code,
	})
	if err != nil {
		return "", errors.Wrap(err, "marshal token request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.FxAOAuthURL+"/token", strings.NewReader(string(body)))
	if err != nil {
		return "", errors.Wrap(err, "build token request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return "", domain.ErrUpstream
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		util.Warn().Int("status", resp.StatusCode).Msg("token exchange rejected")
		return "", domain.ErrUpstream
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&out); err != nil || out.AccessToken == "" {
		return "", domain.ErrUpstream
	}
	return out.AccessToken, nil
}

func (o *OAuth) resolveAccount(ctx context.Context, accessToken string) (string, error) {
	u, err := url.JoinPath(o.cfg.FxAProfileURL, "profile")
	if err != nil {
		return "", errors.Wrap(err, "build profile url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", errors.Wrap(err, "build profile request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := o.client.Do(req)
	if err != nil {
		return "", domain.ErrUpstream
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		util.Warn().Int("status", resp.StatusCode).Msg("profile fetch rejected")
		return "", domain.ErrUpstream
	}
	var out struct {
		UID string `json:"uid"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&out); err != nil || out.UID == "" {
		return "", domain.ErrUpstream
	}
	return out.UID, nil
}

// sealToken encrypts the token under the service seal key. The seal key is
// generated once, wrapped by the key-management chain, and persisted in meta
// so sealed tokens survive restarts.
func (o *OAuth) sealToken(ctx context.Context, token string) ([]byte, error) {
	wrapped, err := o.wrappedSealKey(ctx)
	if err != nil {
		return nil, err
	}
	key, err := o.sealCache.Unwrap(ctx, wrapped)
	if err != nil {
		return nil, errors.Wrap(err, "unwrap seal key")
	}
	defer util.Wipe(key)
	return kms.Seal([]byte(token), key)
}

func (o *OAuth) wrappedSealKey(ctx context.Context) ([]byte, error) {
	o.wrappedMu.Lock()
	defer o.wrappedMu.Unlock()
	if o.wrappedKey != nil {
		return o.wrappedKey, nil
	}
	stored, err := o.db.GetMeta(ctx, sealKeyMetaKey)
	if err != nil {
		return nil, errors.Wrap(err, "load seal key")
	}
	if stored != nil {
		o.wrappedKey = stored
		return stored, nil
	}
	key, err := kms.GenerateSealKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate seal key")
	}
	defer util.Wipe(key)
	wrapped, err := o.adapter.Encrypt(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "wrap seal key")
	}
	won, err := o.db.SetMetaIfAbsent(ctx, sealKeyMetaKey, wrapped)
	if err != nil {
		return nil, errors.Wrap(err, "persist seal key")
	}
	if !won {
		// another instance bootstrapped first; use theirs
		stored, err = o.db.GetMeta(ctx, sealKeyMetaKey)
		if err != nil || stored == nil {
			return nil, errors.Wrap(err, "reload seal key")
		}
		wrapped = stored
	}
	o.wrappedKey = wrapped
	return wrapped, nil
}
