package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync/atomic"
	"time"

	"shotcap/pkg/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isConstraintErr(err) ||
		isBusyErr(err) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// isBusyErr matches transient lock contention between writers. These are
// retried, never counted against the circuit breaker.
func isBusyErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// withWriteRetry re-runs a write that lost a table lock to a concurrent
// writer. busy_timeout handles SQLITE_BUSY at the driver level; shared-cache
// SQLITE_LOCKED returns immediately and needs the retry here.
func (s *SQLite) withWriteRetry(ctx context.Context, op func() error) error {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		err = op()
		if err == nil || !isBusyErr(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 25 * time.Millisecond):
		}
	}
	return err
}

func (s *SQLite) migrate() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "exec %s", pragma)
		}
	}
	query := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		secret_hash TEXT NOT NULL,
		nickname TEXT,
		avatar_url TEXT,
		account_id TEXT,
		sealed_access_token BLOB,
		ab_tests TEXT NOT NULL DEFAULT '{}',
		client_version TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS shots (
		id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		device_id TEXT NOT NULL,
		url TEXT NOT NULL,
		doc_title TEXT,
		user_title TEXT,
		head TEXT,
		body TEXT,
		head_attrs TEXT,
		body_attrs TEXT,
		html_attrs TEXT,
		expires_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_shots_device ON shots(device_id);
	CREATE INDEX IF NOT EXISTS idx_shots_expires ON shots(expires_at);
	CREATE TABLE IF NOT EXISTS clips (
		image_id TEXT PRIMARY KEY,
		shot_id TEXT NOT NULL,
		clip_key TEXT NOT NULL,
		content_type TEXT NOT NULL,
		image BLOB NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE(shot_id, clip_key)
	);
	CREATE INDEX IF NOT EXISTS idx_clips_shot ON clips(shot_id);
	CREATE TABLE IF NOT EXISTS oauth_states (
		state TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// ---- devices ----

// CreateDevice inserts a new device row. A primary-key conflict means the id
// was registered first by someone else: first write wins.
func (s *SQLite) CreateDevice(ctx context.Context, d *domain.Device) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	abJSON, err := json.Marshal(d.ABTests)
	if err != nil {
		return errors.Wrap(err, "marshal ab tests")
	}
	q := `
	INSERT INTO devices (id, secret_hash, nickname, avatar_url, ab_tests, client_version, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(queryCtx, q,
		d.ID, d.SecretHash, d.Nickname, d.AvatarURL, string(abJSON), d.ClientVersion, d.CreatedAt, d.UpdatedAt,
	)
	if isConstraintErr(err) {
		return domain.ErrDeviceExists
	}
	s.recordError(err)
	return errors.Wrap(err, "db create device")
}

func (s *SQLite) GetDevice(ctx context.Context, id string) (*domain.Device, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, secret_hash, COALESCE(nickname, ''), COALESCE(avatar_url, ''), COALESCE(account_id, ''),
	       sealed_access_token, ab_tests, COALESCE(client_version, ''), created_at, updated_at
	FROM devices WHERE id = ?
	`
	var d domain.Device
	var abJSON string
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(
		&d.ID, &d.SecretHash, &d.Nickname, &d.AvatarURL, &d.AccountID,
		&d.SealedAccessToken, &abJSON, &d.ClientVersion, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrDeviceNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get device")
	}
	if err := json.Unmarshal([]byte(abJSON), &d.ABTests); err != nil {
		d.ABTests = domain.ABAssignment{}
	}
	return &d, nil
}

func (s *SQLite) UpdateDeviceProfile(ctx context.Context, id string, fields domain.ProfileFields) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE devices SET nickname = ?, avatar_url = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(queryCtx, q, fields.Nickname, fields.AvatarURL, time.Now(), id)
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "db update profile")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) TouchDeviceLogin(ctx context.Context, id, clientVersion string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE devices SET client_version = ?, updated_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(queryCtx, q, clientVersion, time.Now(), id)
	s.recordError(err)
	return errors.Wrap(err, "db touch login")
}

// LinkAccount persists a third-party account link. Called only after the full
// handshake succeeded; the access token arrives already sealed.
func (s *SQLite) LinkAccount(ctx context.Context, id, accountID string, sealedToken []byte) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE devices SET account_id = ?, sealed_access_token = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(queryCtx, q, accountID, sealedToken, time.Now(), id)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db link account")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrDeviceNotFound
	}
	return nil
}

// ---- shots ----

// InsertShot attempts the atomic create half of insert-or-update. The shots
// primary key is the uniqueness guarantee: under concurrent creation exactly
// one insert lands and every other caller sees created=false.
func (s *SQLite) InsertShot(ctx context.Context, shot *domain.Shot, clips []domain.ClipImage) (bool, error) {
	var created bool
	err := s.withWriteRetry(ctx, func() error {
		var err error
		created, err = s.insertShotOnce(ctx, shot, clips)
		return err
	})
	return created, err
}

func (s *SQLite) insertShotOnce(ctx context.Context, shot *domain.Shot, clips []domain.ClipImage) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	headAttrs, bodyAttrs, htmlAttrs, err := marshalAttrs(shot)
	if err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return false, errors.Wrap(err, "begin insert shot")
	}
	defer tx.Rollback()

	q := `
	INSERT INTO shots (id, domain, device_id, url, doc_title, user_title, head, body, head_attrs, body_attrs, html_attrs, expires_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(queryCtx, q,
		shot.ID, shot.Domain, shot.DeviceID, shot.URL, shot.DocTitle, shot.UserTitle,
		shot.Head, shot.Body, headAttrs, bodyAttrs, htmlAttrs,
		shot.ExpiresAt, shot.CreatedAt, shot.UpdatedAt,
	)
	if isConstraintErr(err) {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "db insert shot")
	}
	if err := insertClips(queryCtx, tx, clips); err != nil {
		s.recordError(err)
		return false, err
	}
	if err := tx.Commit(); err != nil {
		if isConstraintErr(err) {
			return false, nil
		}
		s.recordError(err)
		return false, errors.Wrap(err, "commit insert shot")
	}
	return true, nil
}

// UpdateShot replaces content and clips of an existing shot. The update is
// ownership-gated in its WHERE clause, so the check and the write commit
// together; ok=false means the row is gone or owned by someone else now.
// Returns the clip keys that were dropped and those that were replaced with
// new images.
func (s *SQLite) UpdateShot(ctx context.Context, shot *domain.Shot, clips []domain.ClipImage) (removed, replaced []string, ok bool, err error) {
	err = s.withWriteRetry(ctx, func() error {
		var uerr error
		removed, replaced, ok, uerr = s.updateShotOnce(ctx, shot, clips)
		return uerr
	})
	return removed, replaced, ok, err
}

func (s *SQLite) updateShotOnce(ctx context.Context, shot *domain.Shot, clips []domain.ClipImage) (removed, replaced []string, ok bool, err error) {
	if err := s.checkCircuit(); err != nil {
		return nil, nil, false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	headAttrs, bodyAttrs, htmlAttrs, err := marshalAttrs(shot)
	if err != nil {
		return nil, nil, false, err
	}
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return nil, nil, false, errors.Wrap(err, "begin update shot")
	}
	defer tx.Rollback()

	q := `
	UPDATE shots SET url = ?, doc_title = ?, head = ?, body = ?, head_attrs = ?, body_attrs = ?, html_attrs = ?, updated_at = ?
	WHERE id = ? AND device_id = ?
	`
	res, err := tx.ExecContext(queryCtx, q,
		shot.URL, shot.DocTitle, shot.Head, shot.Body, headAttrs, bodyAttrs, htmlAttrs, shot.UpdatedAt, shot.ID, shot.DeviceID,
	)
	if err != nil {
		s.recordError(err)
		return nil, nil, false, errors.Wrap(err, "db update shot")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil, false, nil
	}

	existing := map[string]string{} // clip_key -> image_id
	rows, err := tx.QueryContext(queryCtx, `SELECT clip_key, image_id FROM clips WHERE shot_id = ?`, shot.ID)
	if err != nil {
		s.recordError(err)
		return nil, nil, false, errors.Wrap(err, "db list clips")
	}
	for rows.Next() {
		var key, imageID string
		if err := rows.Scan(&key, &imageID); err != nil {
			rows.Close()
			return nil, nil, false, errors.Wrap(err, "scan clip")
		}
		existing[key] = imageID
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, false, errors.Wrap(err, "iterate clips")
	}

	incoming := map[string]bool{}
	for _, c := range clips {
		incoming[c.ClipKey] = true
	}
	for key := range existing {
		if _, err := tx.ExecContext(queryCtx, `DELETE FROM clips WHERE shot_id = ? AND clip_key = ?`, shot.ID, key); err != nil {
			s.recordError(err)
			return nil, nil, false, errors.Wrap(err, "db delete clip")
		}
		if incoming[key] {
			replaced = append(replaced, key)
		} else {
			removed = append(removed, key)
		}
	}
	if err := insertClips(queryCtx, tx, clips); err != nil {
		s.recordError(err)
		return nil, nil, false, err
	}
	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return nil, nil, false, errors.Wrap(err, "commit update shot")
	}
	return removed, replaced, true, nil
}

func insertClips(ctx context.Context, tx *sql.Tx, clips []domain.ClipImage) error {
	q := `INSERT INTO clips (image_id, shot_id, clip_key, content_type, image, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	for _, c := range clips {
		if _, err := tx.ExecContext(ctx, q, c.ImageID, c.ShotID, c.ClipKey, c.ContentType, c.Data, time.Now()); err != nil {
			return errors.Wrap(err, "db insert clip")
		}
	}
	return nil
}

func marshalAttrs(shot *domain.Shot) (head, body, html string, err error) {
	for _, pair := range []struct {
		attrs [][]string
		dst   *string
	}{
		{shot.HeadAttrs, &head},
		{shot.BodyAttrs, &body},
		{shot.HTMLAttrs, &html},
	} {
		raw, merr := json.Marshal(pair.attrs)
		if merr != nil {
			return "", "", "", errors.Wrap(merr, "marshal attrs")
		}
		*pair.dst = string(raw)
	}
	return head, body, html, nil
}

// GetShotOwner returns the stored owner device id without loading content.
func (s *SQLite) GetShotOwner(ctx context.Context, id string) (string, error) {
	if err := s.checkCircuit(); err != nil {
		return "", err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var owner string
	err := s.db.QueryRowContext(queryCtx, `SELECT device_id FROM shots WHERE id = ?`, id).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", domain.ErrShotNotFound
	}
	s.recordError(err)
	if err != nil {
		return "", errors.Wrap(err, "db get shot owner")
	}
	return owner, nil
}

func (s *SQLite) GetShot(ctx context.Context, id string) (*domain.Shot, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, domain, device_id, url, COALESCE(doc_title, ''), COALESCE(user_title, ''),
	       COALESCE(head, ''), COALESCE(body, ''), COALESCE(head_attrs, '[]'), COALESCE(body_attrs, '[]'), COALESCE(html_attrs, '[]'),
	       expires_at, created_at, updated_at
	FROM shots WHERE id = ?
	`
	var shot domain.Shot
	var headAttrs, bodyAttrs, htmlAttrs string
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(
		&shot.ID, &shot.Domain, &shot.DeviceID, &shot.URL, &shot.DocTitle, &shot.UserTitle,
		&shot.Head, &shot.Body, &headAttrs, &bodyAttrs, &htmlAttrs,
		&shot.ExpiresAt, &shot.CreatedAt, &shot.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrShotNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get shot")
	}
	json.Unmarshal([]byte(headAttrs), &shot.HeadAttrs)
	json.Unmarshal([]byte(bodyAttrs), &shot.BodyAttrs)
	json.Unmarshal([]byte(htmlAttrs), &shot.HTMLAttrs)

	shot.Clips = map[string]*domain.Clip{}
	rows, err := s.db.QueryContext(queryCtx, `SELECT clip_key, image_id, content_type FROM clips WHERE shot_id = ?`, id)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "db get shot clips")
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		clip := &domain.Clip{}
		if err := rows.Scan(&key, &clip.ImageID, &clip.ContentType); err != nil {
			return nil, errors.Wrap(err, "scan shot clip")
		}
		clip.ImageURL = "/images/" + clip.ImageID
		shot.Clips[key] = clip
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate shot clips")
	}
	return &shot, nil
}

func (s *SQLite) GetClipImage(ctx context.Context, imageID string) (*domain.ClipImage, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	// the join hides clips of expired shots before the cleaner gets to them
	q := `
	SELECT c.image_id, c.shot_id, c.clip_key, c.content_type, c.image
	FROM clips c
	JOIN shots sh ON sh.id = c.shot_id
	WHERE c.image_id = ? AND (sh.expires_at IS NULL OR sh.expires_at > ?)
	`
	var c domain.ClipImage
	err := s.db.QueryRowContext(queryCtx, q, imageID, time.Now()).Scan(&c.ImageID, &c.ShotID, &c.ClipKey, &c.ContentType, &c.Data)
	if err == sql.ErrNoRows {
		return nil, domain.ErrImageNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get clip image")
	}
	return &c, nil
}

// SetTitle updates the user title, gated on ownership in the WHERE clause so
// the check and the write are one statement.
func (s *SQLite) SetTitle(ctx context.Context, id, deviceID, title string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE shots SET user_title = ?, updated_at = ? WHERE id = ? AND device_id = ?`
	res, err := s.db.ExecContext(queryCtx, q, title, time.Now(), id, deviceID)
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "db set title")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) SetExpiration(ctx context.Context, id, deviceID string, expiresAt *time.Time) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE shots SET expires_at = ?, updated_at = ? WHERE id = ? AND device_id = ?`
	res, err := s.db.ExecContext(queryCtx, q, expiresAt, time.Now(), id, deviceID)
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "db set expiration")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteShot removes a shot and its clips if and only if deviceID owns it.
func (s *SQLite) DeleteShot(ctx context.Context, id, deviceID string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return false, errors.Wrap(err, "begin delete shot")
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(queryCtx, `DELETE FROM shots WHERE id = ? AND device_id = ?`, id, deviceID)
	if err != nil {
		s.recordError(err)
		return false, errors.Wrap(err, "db delete shot")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(queryCtx, `DELETE FROM clips WHERE shot_id = ?`, id); err != nil {
		s.recordError(err)
		return false, errors.Wrap(err, "db delete shot clips")
	}
	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return false, errors.Wrap(err, "commit delete shot")
	}
	return true, nil
}

// DeleteAllForDevice removes every shot a device owns in one transaction, so
// account closure is all-or-nothing.
func (s *SQLite) DeleteAllForDevice(ctx context.Context, deviceID string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "begin delete all")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(queryCtx, `DELETE FROM clips WHERE shot_id IN (SELECT id FROM shots WHERE device_id = ?)`, deviceID); err != nil {
		s.recordError(err)
		return errors.Wrap(err, "db delete device clips")
	}
	if _, err := tx.ExecContext(queryCtx, `DELETE FROM shots WHERE device_id = ?`, deviceID); err != nil {
		s.recordError(err)
		return errors.Wrap(err, "db delete device shots")
	}
	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return errors.Wrap(err, "commit delete all")
	}
	return nil
}

// CleanupExpired deletes expired shots (and their clips) plus stale OAuth
// states in small batches.
func (s *SQLite) CleanupExpired(ctx context.Context) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	totalDeleted := 0
	maxIterations := 10000
	for i := 0; i < maxIterations; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		tx, err := s.db.BeginTx(queryCtx, nil)
		if err != nil {
			cancel()
			s.recordError(err)
			return totalDeleted, errors.Wrap(err, "begin cleanup batch")
		}
		// both batches order by id so the clip delete and the shot delete
		// cover the same rows and no clip is orphaned
		_, err = tx.ExecContext(queryCtx, `
			DELETE FROM clips WHERE shot_id IN (
				SELECT id FROM shots
				WHERE expires_at IS NOT NULL AND expires_at < ?
				ORDER BY id
				LIMIT 100
			)
		`, time.Now())
		if err == nil {
			var result sql.Result
			result, err = tx.ExecContext(queryCtx, `
				DELETE FROM shots
				WHERE id IN (
					SELECT id FROM shots
					WHERE expires_at IS NOT NULL AND expires_at < ?
					ORDER BY id
					LIMIT 100
				)
			`, time.Now())
			if err == nil {
				err = tx.Commit()
				if err == nil {
					deleted, _ := result.RowsAffected()
					totalDeleted += int(deleted)
					cancel()
					if deleted == 0 {
						break
					}
					select {
					case <-ctx.Done():
						return totalDeleted, ctx.Err()
					case <-time.After(10 * time.Millisecond):
					}
					continue
				}
			}
		}
		tx.Rollback()
		cancel()
		s.recordError(err)
		return totalDeleted, errors.Wrap(err, "cleanup batch failed")
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(queryCtx, `DELETE FROM oauth_states WHERE expires_at < ?`, time.Now()); err != nil {
		s.recordError(err)
		return totalDeleted, errors.Wrap(err, "cleanup oauth states")
	}
	return totalDeleted, nil
}

// ---- oauth states ----

func (s *SQLite) CreateOAuthState(ctx context.Context, state, deviceID string, expiresAt time.Time) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `INSERT INTO oauth_states (state, device_id, created_at, expires_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(queryCtx, q, state, deviceID, time.Now(), expiresAt)
	s.recordError(err)
	return errors.Wrap(err, "db create oauth state")
}

// HasPendingOAuthState reports whether the device already has an unexpired
// handshake in flight.
func (s *SQLite) HasPendingOAuthState(ctx context.Context, deviceID string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var one int
	err := s.db.QueryRowContext(queryCtx,
		`SELECT 1 FROM oauth_states WHERE device_id = ? AND expires_at > ? LIMIT 1`,
		deviceID, time.Now()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "db pending oauth state")
	}
	return true, nil
}

func (s *SQLite) OAuthStateExists(ctx context.Context, state string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var one int
	err := s.db.QueryRowContext(queryCtx, `SELECT 1 FROM oauth_states WHERE state = ?`, state).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "db oauth state exists")
	}
	return true, nil
}

// ConsumeOAuthState deletes the state row iff it belongs to the device and is
// not expired. The delete is the single-use guarantee: exactly one caller
// observes true.
func (s *SQLite) ConsumeOAuthState(ctx context.Context, deviceID, state string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `DELETE FROM oauth_states WHERE state = ? AND device_id = ? AND expires_at > ?`
	res, err := s.db.ExecContext(queryCtx, q, state, deviceID, time.Now())
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "db consume oauth state")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ---- meta ----

// GetMeta returns nil with no error when the key is absent.
func (s *SQLite) GetMeta(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var value []byte
	err := s.db.QueryRowContext(queryCtx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get meta")
	}
	return value, nil
}

// SetMetaIfAbsent writes the value only when the key does not exist yet and
// reports whether this call won. Concurrent bootstrap relies on this.
func (s *SQLite) SetMetaIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `INSERT INTO meta (key, value) VALUES (?, ?)`, key, value)
	if isConstraintErr(err) {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "db set meta")
	}
	return true, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
