package svc

import (
	"context"
	"crypto/sha256"
	"time"

	"shotcap/cfg"
	"shotcap/metrics"
	"shotcap/pkg/domain"
	"shotcap/svc/auth"
	"shotcap/svc/db"
	"shotcap/svc/util"

	"github.com/pkg/errors"
)

// dummy argon2id hash verified against on the unknown-device path so lookups
// and secret mismatches take comparable time.
const dummySecretHash = "$argon2id$v=19$m=131072,t=4,p=2$ZHVtbXlzYWx0$ZHVtbXloYXNo"

// Device manages registration and login of extension installs. A device id is
// client-chosen; whoever registers it first owns it.
type Device struct {
	db     *db.SQLite
	hasher *auth.Hasher
	cfg    *cfg.Cfg
}

type RegisterParams struct {
	DeviceID      string
	Secret        string
	Nickname      string
	AvatarURL     string
	ClientVersion string
}

func NewDevice(sqlDB *db.SQLite, h *auth.Hasher, c *cfg.Cfg) *Device {
	if sqlDB == nil || h == nil || c == nil {
		panic("device service: nil dependency (sqlDB, hasher, or cfg)")
	}
	return &Device{db: sqlDB, hasher: h, cfg: c}
}

// Register claims a device id. If the id is taken, the call only succeeds as
// a profile update when the caller already holds a valid credential for that
// same id; otherwise it fails without revealing anything about the owner.
func (d *Device) Register(ctx context.Context, params RegisterParams, session domain.Credential) (*domain.Device, error) {
	if !domain.ValidDeviceID(params.DeviceID) {
		return nil, domain.ErrInvalidDeviceID
	}
	if params.Secret == "" {
		return nil, domain.ErrInvalidRequest
	}
	secretHash, err := d.hasher.Hash(params.Secret)
	if err != nil {
		return nil, errors.Wrap(err, "hash device secret")
	}
	now := time.Now()
	dev := &domain.Device{
		ID:            params.DeviceID,
		SecretHash:    secretHash,
		Nickname:      params.Nickname,
		AvatarURL:     params.AvatarURL,
		ABTests:       d.assignABTests(params.DeviceID),
		ClientVersion: params.ClientVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = d.db.CreateDevice(ctx, dev)
	if err == nil {
		metrics.DeviceRegistered.Inc()
		util.Info().Str("device_id", dev.ID).Msg("device registered")
		return dev, nil
	}
	if !errors.Is(err, domain.ErrDeviceExists) {
		return nil, errors.Wrap(err, "create device")
	}
	// the id is taken: only the already-authenticated owner may re-register,
	// and then it degrades to a profile update
	if session.DeviceID != params.DeviceID {
		return nil, domain.ErrDeviceExists
	}
	if _, err := d.db.UpdateDeviceProfile(ctx, params.DeviceID, domain.ProfileFields{
		Nickname:  params.Nickname,
		AvatarURL: params.AvatarURL,
	}); err != nil {
		return nil, errors.Wrap(err, "update profile on re-register")
	}
	return d.db.GetDevice(ctx, params.DeviceID)
}

// Login verifies the device secret. Unknown ids and wrong secrets are
// reported distinctly but take comparable time; the hasher pads verification
// to a floor either way.
func (d *Device) Login(ctx context.Context, deviceID, secret, clientVersion string) (*domain.Device, error) {
	if !domain.ValidDeviceID(deviceID) {
		return nil, domain.ErrInvalidDeviceID
	}
	dev, err := d.db.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, domain.ErrDeviceNotFound) {
			d.hasher.Verify(secret, dummySecretHash)
			metrics.LoginFailures.Inc()
			return nil, domain.ErrDeviceNotFound
		}
		return nil, errors.Wrap(err, "get device")
	}
	match, needsRehash, err := d.hasher.Verify(secret, dev.SecretHash)
	if err != nil {
		return nil, errors.Wrap(err, "verify device secret")
	}
	if !match {
		metrics.LoginFailures.Inc()
		return nil, domain.ErrInvalidLogin
	}
	if needsRehash {
		if newHash, err := d.hasher.Hash(secret); err == nil {
			dev.SecretHash = newHash
		}
	}
	if err := d.db.TouchDeviceLogin(ctx, deviceID, clientVersion); err != nil {
		util.Warn().Err(err).Str("device_id", deviceID).Msg("failed to record login")
	}
	// fill gaps for devices registered before an experiment existed
	dev.ABTests = d.mergeABTests(deviceID, dev.ABTests)
	return dev, nil
}

func (d *Device) UpdateProfile(ctx context.Context, deviceID string, fields domain.ProfileFields) error {
	ok, err := d.db.UpdateDeviceProfile(ctx, deviceID, fields)
	if err != nil {
		return errors.Wrap(err, "update profile")
	}
	if !ok {
		return domain.ErrDeviceNotFound
	}
	return nil
}

func (d *Device) Get(ctx context.Context, deviceID string) (*domain.Device, error) {
	return d.db.GetDevice(ctx, deviceID)
}

// assignABTests picks a variant per configured experiment. Assignment is a
// stable hash of device id and experiment name, so repeated registration of
// the same id lands in the same buckets.
func (d *Device) assignABTests(deviceID string) domain.ABAssignment {
	assignment := domain.ABAssignment{}
	for name, variants := range d.cfg.ABTests {
		assignment[name] = pickVariant(deviceID, name, variants)
	}
	return assignment
}
func (d *Device) mergeABTests(deviceID string, existing domain.ABAssignment) domain.ABAssignment {
	if existing == nil {
		existing = domain.ABAssignment{}
	}
	for name, variants := range d.cfg.ABTests {
		if _, ok := existing[name]; !ok {
			existing[name] = pickVariant(deviceID, name, variants)
		}
	}
	return existing
}
func pickVariant(deviceID, experiment string, variants []string) string {
	sum := sha256.Sum256([]byte(deviceID + ":" + experiment))
	idx := int(sum[0]) % len(variants)
	return variants[idx]
}
