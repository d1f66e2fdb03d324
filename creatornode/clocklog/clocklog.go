// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

// Package clocklog implements the per-user monotonic clock log and the
// materialized entity tables backing it.
package clocklog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the default clocklog error class.
	Error = errs.Class("clocklog")
	// ErrClockGap is returned when a concurrent writer has already advanced
	// the user's clock.
	ErrClockGap = errs.Class("clock gap")
	// ErrConstraintViolation is returned on duplicate primary keys.
	ErrConstraintViolation = errs.Class("constraint violation")
	// ErrUserNotFound is returned when no record exists for a wallet.
	ErrUserNotFound = errs.Class("user not found")
	// ErrFileNotFound is returned when no file row matches a lookup.
	ErrFileNotFound = errs.Class("file not found")

	mon = monkit.Package()
)

// DB is the clock log store. All multi-row updates run in a single
// transaction; access is serialized through mu because sqlite allows a
// single writer.
type DB struct {
	log *zap.Logger
	mu  sync.Mutex
	db  *sql.DB
}

// Open opens the clock log database at dbPath, creating the schema when
// missing.
func Open(ctx context.Context, log *zap.Logger, dbPath string) (db *DB, err error) {
	defer mon.Task()(&ctx)(&err)

	if err = os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, Error.Wrap(err)
	}

	sqlite, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_busy_timeout=5000", dbPath))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	// try to enable write-ahead-logging
	_, _ = sqlite.ExecContext(ctx, `PRAGMA journal_mode = WAL`)

	defer func() {
		if err != nil {
			_ = sqlite.Close()
		}
	}()

	tx, err := sqlite.BeginTx(ctx, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, Error.Wrap(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, Error.Wrap(err)
	}

	return &DB{log: log, db: sqlite}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_uuid           TEXT PRIMARY KEY,
		wallet              TEXT UNIQUE NOT NULL,
		clock               INTEGER NOT NULL,
		latest_block_number INTEGER NOT NULL DEFAULT 0,
		last_login          TIMESTAMP,
		created_at          TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS clock_records (
		user_uuid     TEXT NOT NULL,
		clock         INTEGER NOT NULL,
		source_table  TEXT NOT NULL,
		source_row_id TEXT NOT NULL,
		created_at    TIMESTAMP NOT NULL,
		PRIMARY KEY (user_uuid, clock)
	)`,
	`CREATE TABLE IF NOT EXISTS files (
		file_uuid           TEXT PRIMARY KEY,
		user_uuid           TEXT NOT NULL,
		clock               INTEGER NOT NULL,
		multihash           TEXT NOT NULL,
		storage_path        TEXT NOT NULL,
		type                TEXT NOT NULL,
		track_blockchain_id INTEGER,
		dir_multihash       TEXT,
		file_name           TEXT,
		skipped             INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_files_user_clock ON files (user_uuid, clock)`,
	`CREATE INDEX IF NOT EXISTS idx_files_skipped ON files (skipped)`,
	`CREATE TABLE IF NOT EXISTS tracks (
		track_blockchain_id INTEGER NOT NULL,
		user_uuid           TEXT NOT NULL,
		clock               INTEGER NOT NULL,
		metadata_multihash  TEXT NOT NULL,
		cover_art_multihash TEXT,
		created_at          TIMESTAMP NOT NULL,
		PRIMARY KEY (track_blockchain_id, clock)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tracks_user_clock ON tracks (user_uuid, clock)`,
	`CREATE TABLE IF NOT EXISTS audius_users (
		audius_user_uuid   TEXT PRIMARY KEY,
		user_uuid          TEXT NOT NULL,
		clock              INTEGER NOT NULL,
		metadata_multihash TEXT NOT NULL,
		cover_photo        TEXT,
		profile_picture    TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audius_users_user_clock ON audius_users (user_uuid, clock)`,
}

// Close closes the database.
func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) locked() func() {
	db.mu.Lock()
	return db.mu.Unlock
}

// Append executes all mutations and the matching clock-log inserts inside a
// single transaction, assigning dense ascending clock values starting at the
// user's current clock plus one. The user record is created on first write.
func (db *DB) Append(ctx context.Context, wallet string, mutations []Mutation) (newClock int64, err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.locked()()

	if len(mutations) == 0 {
		return 0, Error.New("no mutations")
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	userUUID, oldClock, err := userForAppend(ctx, tx, wallet)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	clock := oldClock
	for _, mutation := range mutations {
		clock++
		if err := insertMutation(ctx, tx, userUUID, clock, now, mutation); err != nil {
			return 0, err
		}
	}

	// compare-and-set guards against a concurrent writer that advanced the
	// clock after we read it.
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET clock = ? WHERE user_uuid = ? AND clock = ?`,
		clock, userUUID, oldClock)
	if err != nil {
		return 0, wrapSQLErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if affected == 0 {
		return 0, ErrClockGap.New("wallet %s: clock advanced past %d", wallet, oldClock)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapSQLErr(err)
	}
	return clock, nil
}

func userForAppend(ctx context.Context, tx *sql.Tx, wallet string) (userUUID string, clock int64, err error) {
	err = tx.QueryRowContext(ctx,
		`SELECT user_uuid, clock FROM users WHERE wallet = ?`, wallet).
		Scan(&userUUID, &clock)
	if errors.Is(err, sql.ErrNoRows) {
		userUUID = uuid.NewString()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO users (user_uuid, wallet, clock, created_at) VALUES (?, ?, -1, ?)`,
			userUUID, wallet, time.Now().UTC())
		if err != nil {
			return "", 0, wrapSQLErr(err)
		}
		return userUUID, -1, nil
	}
	if err != nil {
		return "", 0, Error.Wrap(err)
	}
	return userUUID, clock, nil
}

func insertMutation(ctx context.Context, tx *sql.Tx, userUUID string, clock int64, now time.Time, mutation Mutation) error {
	sourceTable, sourceRowID := mutation.source()

	switch {
	case mutation.File != nil:
		file := *mutation.File
		if file.FileUUID == "" {
			file.FileUUID = uuid.NewString()
			sourceRowID = file.FileUUID
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO files (file_uuid, user_uuid, clock, multihash, storage_path, type,
				track_blockchain_id, dir_multihash, file_name, skipped)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			file.FileUUID, userUUID, clock, file.Multihash, file.StoragePath, file.Type,
			file.TrackBlockchainID, file.DirMultihash, file.FileName, file.Skipped)
		if err != nil {
			return wrapSQLErr(err)
		}

	case mutation.Track != nil:
		track := *mutation.Track
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tracks (track_blockchain_id, user_uuid, clock, metadata_multihash, cover_art_multihash, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			track.TrackBlockchainID, userUUID, clock, track.MetadataMultihash, track.CoverArtMultihash, now)
		if err != nil {
			return wrapSQLErr(err)
		}

	case mutation.AudiusUser != nil:
		audiusUser := *mutation.AudiusUser
		if audiusUser.AudiusUserUUID == "" {
			audiusUser.AudiusUserUUID = uuid.NewString()
			sourceRowID = audiusUser.AudiusUserUUID
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO audius_users (audius_user_uuid, user_uuid, clock, metadata_multihash, cover_photo, profile_picture)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			audiusUser.AudiusUserUUID, userUUID, clock, audiusUser.MetadataMultihash,
			audiusUser.CoverPhoto, audiusUser.ProfilePicture)
		if err != nil {
			return wrapSQLErr(err)
		}

	default:
		return Error.New("empty mutation")
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO clock_records (user_uuid, clock, source_table, source_row_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		userUUID, clock, sourceTable, sourceRowID, now)
	return wrapSQLErr(err)
}

// Slice returns the user's state for clocks in
// [clockMin, min(user.clock, clockMin+window)]. When clockMin is beyond the
// user's clock the bundle carries the user record with empty clock records,
// signalling "already up to date".
func (db *DB) Slice(ctx context.Context, wallet string, clockMin, window int64) (_ *UserBundle, err error) {
	defer mon.Task()(&ctx)(&err)

	user, err := db.GetUser(ctx, wallet)
	if err != nil {
		return nil, err
	}

	bundle := &UserBundle{
		User:         *user,
		ClockRecords: []ClockRecord{},
		Files:        []File{},
		Tracks:       []Track{},
		AudiusUsers:  []AudiusUser{},
	}

	if clockMin > user.Clock {
		return bundle, nil
	}
	clockMax := user.Clock
	if window > 0 && clockMin+window < clockMax {
		clockMax = clockMin + window
		// report the clamped clock so the recipient sees a contiguous slice;
		// the remainder is picked up by the next sync pass.
		bundle.User.Clock = clockMax
	}

	if err := db.sliceClockRecords(ctx, bundle, user.UserUUID, clockMin, clockMax); err != nil {
		return nil, err
	}
	if err := db.sliceFiles(ctx, bundle, user.UserUUID, clockMin, clockMax); err != nil {
		return nil, err
	}
	if err := db.sliceTracks(ctx, bundle, user.UserUUID, clockMin, clockMax); err != nil {
		return nil, err
	}
	if err := db.sliceAudiusUsers(ctx, bundle, user.UserUUID, clockMin, clockMax); err != nil {
		return nil, err
	}
	return bundle, nil
}

func (db *DB) sliceClockRecords(ctx context.Context, bundle *UserBundle, userUUID string, clockMin, clockMax int64) error {
	rows, err := db.db.QueryContext(ctx,
		`SELECT user_uuid, clock, source_table, source_row_id, created_at
		 FROM clock_records WHERE user_uuid = ? AND clock BETWEEN ? AND ? ORDER BY clock`,
		userUUID, clockMin, clockMax)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var record ClockRecord
		if err := rows.Scan(&record.UserUUID, &record.Clock, &record.SourceTable, &record.SourceRowID, &record.CreatedAt); err != nil {
			return Error.Wrap(err)
		}
		bundle.ClockRecords = append(bundle.ClockRecords, record)
	}
	return Error.Wrap(rows.Err())
}

func (db *DB) sliceFiles(ctx context.Context, bundle *UserBundle, userUUID string, clockMin, clockMax int64) error {
	rows, err := db.db.QueryContext(ctx,
		`SELECT file_uuid, user_uuid, clock, multihash, storage_path, type,
			track_blockchain_id, dir_multihash, file_name, skipped
		 FROM files WHERE user_uuid = ? AND clock BETWEEN ? AND ? ORDER BY clock`,
		userUUID, clockMin, clockMax)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var file File
		if err := rows.Scan(&file.FileUUID, &file.UserUUID, &file.Clock, &file.Multihash,
			&file.StoragePath, &file.Type, &file.TrackBlockchainID, &file.DirMultihash,
			&file.FileName, &file.Skipped); err != nil {
			return Error.Wrap(err)
		}
		bundle.Files = append(bundle.Files, file)
	}
	return Error.Wrap(rows.Err())
}

func (db *DB) sliceTracks(ctx context.Context, bundle *UserBundle, userUUID string, clockMin, clockMax int64) error {
	rows, err := db.db.QueryContext(ctx,
		`SELECT track_blockchain_id, user_uuid, clock, metadata_multihash, cover_art_multihash, created_at
		 FROM tracks WHERE user_uuid = ? AND clock BETWEEN ? AND ? ORDER BY clock`,
		userUUID, clockMin, clockMax)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var track Track
		if err := rows.Scan(&track.TrackBlockchainID, &track.UserUUID, &track.Clock,
			&track.MetadataMultihash, &track.CoverArtMultihash, &track.CreatedAt); err != nil {
			return Error.Wrap(err)
		}
		bundle.Tracks = append(bundle.Tracks, track)
	}
	return Error.Wrap(rows.Err())
}

func (db *DB) sliceAudiusUsers(ctx context.Context, bundle *UserBundle, userUUID string, clockMin, clockMax int64) error {
	rows, err := db.db.QueryContext(ctx,
		`SELECT audius_user_uuid, user_uuid, clock, metadata_multihash, cover_photo, profile_picture
		 FROM audius_users WHERE user_uuid = ? AND clock BETWEEN ? AND ? ORDER BY clock`,
		userUUID, clockMin, clockMax)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var audiusUser AudiusUser
		if err := rows.Scan(&audiusUser.AudiusUserUUID, &audiusUser.UserUUID, &audiusUser.Clock,
			&audiusUser.MetadataMultihash, &audiusUser.CoverPhoto, &audiusUser.ProfilePicture); err != nil {
			return Error.Wrap(err)
		}
		bundle.AudiusUsers = append(bundle.AudiusUsers, audiusUser)
	}
	return Error.Wrap(rows.Err())
}

// Truncate deletes all rows for the wallet, including the user record.
// Used only by force-resync paths.
func (db *DB) Truncate(ctx context.Context, wallet string) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.locked()()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	var userUUID string
	err = tx.QueryRowContext(ctx, `SELECT user_uuid FROM users WHERE wallet = ?`, wallet).Scan(&userUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return Error.Wrap(err)
	}

	for _, table := range []string{"clock_records", "files", "tracks", "audius_users"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE user_uuid = ?`, userUUID); err != nil {
			return Error.Wrap(err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE user_uuid = ?`, userUUID); err != nil {
		return Error.Wrap(err)
	}

	return Error.Wrap(tx.Commit())
}

// ApplyExport commits a fetched export bundle atomically: the user record is
// upserted with the fetched clock while the local user_uuid is preserved,
// and all entity rows are inserted annotated with the local uuid. Files
// whose multihash appears in skippedCIDs are stored with skipped set.
func (db *DB) ApplyExport(ctx context.Context, bundle *UserBundle, skippedCIDs map[string]bool) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.locked()()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	fetched := bundle.User

	var localUUID string
	err = tx.QueryRowContext(ctx, `SELECT user_uuid FROM users WHERE wallet = ?`, fetched.Wallet).Scan(&localUUID)
	if errors.Is(err, sql.ErrNoRows) {
		localUUID = uuid.NewString()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO users (user_uuid, wallet, clock, latest_block_number, last_login, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			localUUID, fetched.Wallet, fetched.Clock, fetched.LatestBlockNumber, fetched.LastLogin, fetched.CreatedAt)
		if err != nil {
			return wrapSQLErr(err)
		}
	} else if err != nil {
		return Error.Wrap(err)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE users SET clock = ?, latest_block_number = ?, last_login = ?, created_at = ?
			 WHERE user_uuid = ?`,
			fetched.Clock, fetched.LatestBlockNumber, fetched.LastLogin, fetched.CreatedAt, localUUID)
		if err != nil {
			return wrapSQLErr(err)
		}
	}

	for _, record := range bundle.ClockRecords {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO clock_records (user_uuid, clock, source_table, source_row_id, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			localUUID, record.Clock, record.SourceTable, record.SourceRowID, record.CreatedAt)
		if err != nil {
			return wrapSQLErr(err)
		}
	}

	for _, file := range bundle.Files {
		skipped := file.Skipped || skippedCIDs[file.Multihash]
		_, err := tx.ExecContext(ctx,
			`INSERT INTO files (file_uuid, user_uuid, clock, multihash, storage_path, type,
				track_blockchain_id, dir_multihash, file_name, skipped)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			file.FileUUID, localUUID, file.Clock, file.Multihash, file.StoragePath, file.Type,
			file.TrackBlockchainID, file.DirMultihash, file.FileName, skipped)
		if err != nil {
			return wrapSQLErr(err)
		}
	}

	for _, track := range bundle.Tracks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tracks (track_blockchain_id, user_uuid, clock, metadata_multihash, cover_art_multihash, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			track.TrackBlockchainID, localUUID, track.Clock, track.MetadataMultihash,
			track.CoverArtMultihash, track.CreatedAt)
		if err != nil {
			return wrapSQLErr(err)
		}
	}

	for _, audiusUser := range bundle.AudiusUsers {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO audius_users (audius_user_uuid, user_uuid, clock, metadata_multihash, cover_photo, profile_picture)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			audiusUser.AudiusUserUUID, localUUID, audiusUser.Clock, audiusUser.MetadataMultihash,
			audiusUser.CoverPhoto, audiusUser.ProfilePicture)
		if err != nil {
			return wrapSQLErr(err)
		}
	}

	return wrapSQLErr(tx.Commit())
}

// GetUser returns the user record for a wallet, or ErrUserNotFound.
func (db *DB) GetUser(ctx context.Context, wallet string) (_ *User, err error) {
	defer mon.Task()(&ctx)(&err)

	var user User
	err = db.db.QueryRowContext(ctx,
		`SELECT user_uuid, wallet, clock, latest_block_number, last_login, created_at
		 FROM users WHERE wallet = ?`, wallet).
		Scan(&user.UserUUID, &user.Wallet, &user.Clock, &user.LatestBlockNumber,
			&user.LastLogin, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound.New("%s", wallet)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &user, nil
}

// Clock returns the user's current clock, or -1 when the wallet is unknown.
func (db *DB) Clock(ctx context.Context, wallet string) (int64, error) {
	user, err := db.GetUser(ctx, wallet)
	if ErrUserNotFound.Has(err) {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	return user.Clock, nil
}

// ListUsers returns a page of user records ordered by wallet.
func (db *DB) ListUsers(ctx context.Context, limit, offset int) (_ []User, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx,
		`SELECT user_uuid, wallet, clock, latest_block_number, last_login, created_at
		 FROM users ORDER BY wallet LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.UserUUID, &user.Wallet, &user.Clock, &user.LatestBlockNumber,
			&user.LastLogin, &user.CreatedAt); err != nil {
			return nil, Error.Wrap(err)
		}
		users = append(users, user)
	}
	return users, Error.Wrap(rows.Err())
}

// ListSkippedFiles returns up to limit file rows still flagged skipped,
// together with the owning wallet.
func (db *DB) ListSkippedFiles(ctx context.Context, limit int) (_ []SkippedFile, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx,
		`SELECT f.file_uuid, f.user_uuid, f.clock, f.multihash, f.storage_path, f.type,
			f.track_blockchain_id, f.dir_multihash, f.file_name, f.skipped, u.wallet
		 FROM files f JOIN users u ON u.user_uuid = f.user_uuid
		 WHERE f.skipped = 1 ORDER BY f.clock LIMIT ?`, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var skipped []SkippedFile
	for rows.Next() {
		var file SkippedFile
		if err := rows.Scan(&file.FileUUID, &file.UserUUID, &file.Clock, &file.Multihash,
			&file.StoragePath, &file.Type, &file.TrackBlockchainID, &file.DirMultihash,
			&file.FileName, &file.Skipped, &file.Wallet); err != nil {
			return nil, Error.Wrap(err)
		}
		skipped = append(skipped, file)
	}
	return skipped, Error.Wrap(rows.Err())
}

// GetFileByDir resolves a file addressed through its directory multihash
// and name, as used by the directory-form content path.
func (db *DB) GetFileByDir(ctx context.Context, dirMultihash, fileName string) (_ *File, err error) {
	defer mon.Task()(&ctx)(&err)

	var file File
	err = db.db.QueryRowContext(ctx,
		`SELECT file_uuid, user_uuid, clock, multihash, storage_path, type,
			track_blockchain_id, dir_multihash, file_name, skipped
		 FROM files WHERE dir_multihash = ? AND file_name = ?`,
		dirMultihash, fileName).
		Scan(&file.FileUUID, &file.UserUUID, &file.Clock, &file.Multihash,
			&file.StoragePath, &file.Type, &file.TrackBlockchainID, &file.DirMultihash,
			&file.FileName, &file.Skipped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFileNotFound.New("%s/%s", dirMultihash, fileName)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &file, nil
}

// MarkFetched clears the skipped flag for a file whose bytes have been
// fetched and verified.
func (db *DB) MarkFetched(ctx context.Context, fileUUID string) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.locked()()

	_, err = db.db.ExecContext(ctx, `UPDATE files SET skipped = 0 WHERE file_uuid = ?`, fileUUID)
	return Error.Wrap(err)
}

func wrapSQLErr(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return ErrConstraintViolation.Wrap(err)
	}
	return Error.Wrap(err)
}

func formatTrackID(id int64) string { return strconv.FormatInt(id, 10) }
