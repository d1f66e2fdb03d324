// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

package clocklog

import "time"

// File types stored in the files table.
const (
	FileTypeTrack    = "track"
	FileTypeImage    = "image"
	FileTypeMetadata = "metadata"
	FileTypeCopy320  = "copy320"
	FileTypeDir      = "dir"
)

// User is the node-local record for a wallet.
type User struct {
	UserUUID          string     `json:"user_uuid"`
	Wallet            string     `json:"wallet_public_key"`
	Clock             int64      `json:"clock"`
	LatestBlockNumber int64      `json:"latest_block_number"`
	LastLogin         *time.Time `json:"last_login"`
	CreatedAt         time.Time  `json:"created_at"`
}

// ClockRecord ties a single mutation to its clock value.
type ClockRecord struct {
	UserUUID    string    `json:"user_uuid"`
	Clock       int64     `json:"clock"`
	SourceTable string    `json:"source_table"`
	SourceRowID string    `json:"source_row_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// File describes one content-addressed blob owned by a user.
type File struct {
	FileUUID          string  `json:"file_uuid"`
	UserUUID          string  `json:"user_uuid"`
	Clock             int64   `json:"clock"`
	Multihash         string  `json:"multihash"`
	StoragePath       string  `json:"storage_path"`
	Type              string  `json:"type"`
	TrackBlockchainID *int64  `json:"track_blockchain_id"`
	DirMultihash      *string `json:"dir_multihash"`
	FileName          *string `json:"file_name"`
	Skipped           bool    `json:"skipped"`
}

// IsTrackFile reports whether the file holds track audio, which the sync
// executor saves in a separate pass after metadata files.
func (file File) IsTrackFile() bool {
	return file.Type == FileTypeTrack || file.Type == FileTypeCopy320
}

// ContentPath returns the path under which peers serve this file's bytes.
// Image files stored inside a directory are addressed through the directory
// multihash.
func (file File) ContentPath() string {
	if file.Type == FileTypeImage && file.FileName != nil && file.DirMultihash != nil {
		return *file.DirMultihash + "/" + *file.FileName
	}
	return file.Multihash
}

// Track is a track metadata row.
type Track struct {
	TrackBlockchainID int64     `json:"track_blockchain_id"`
	UserUUID          string    `json:"user_uuid"`
	Clock             int64     `json:"clock"`
	MetadataMultihash string    `json:"metadata_multihash"`
	CoverArtMultihash *string   `json:"cover_art_multihash"`
	CreatedAt         time.Time `json:"created_at"`
}

// AudiusUser is a per-user metadata snapshot row.
type AudiusUser struct {
	AudiusUserUUID    string  `json:"audius_user_uuid"`
	UserUUID          string  `json:"user_uuid"`
	Clock             int64   `json:"clock"`
	MetadataMultihash string  `json:"metadata_multihash"`
	CoverPhoto        *string `json:"cover_photo"`
	ProfilePicture    *string `json:"profile_picture"`
}

// UserBundle is a contiguous slice of a user's state, as served by /export
// and consumed by the sync executor.
type UserBundle struct {
	User         User          `json:"user"`
	ClockRecords []ClockRecord `json:"clock_records"`
	Files        []File        `json:"files"`
	Tracks       []Track       `json:"tracks"`
	AudiusUsers  []AudiusUser  `json:"audius_users"`
}

// SkippedFile pairs a skipped file row with the wallet owning it, so the
// retry loop can resolve the user's replica set.
type SkippedFile struct {
	File
	Wallet string
}

// Mutation is a single entity write to be appended with the next clock value.
// Exactly one field must be set.
type Mutation struct {
	File       *File
	Track      *Track
	AudiusUser *AudiusUser
}

func (m Mutation) source() (table, rowID string) {
	switch {
	case m.File != nil:
		return "files", m.File.FileUUID
	case m.Track != nil:
		return "tracks", formatTrackID(m.Track.TrackBlockchainID)
	case m.AudiusUser != nil:
		return "audius_users", m.AudiusUser.AudiusUserUUID
	}
	return "", ""
}
