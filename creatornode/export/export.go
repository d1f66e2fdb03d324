// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

// Package export assembles and validates the contiguous state slices
// exchanged between replica-set peers.
package export

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"audius.co/creatornode/creatornode/clocklog"
)

var (
	// Error is the default export error class.
	Error = errs.Class("export")
	// ErrMalformed is returned when a payload violates the schema
	// invariants: missing user records or a non-dense clock sequence.
	ErrMalformed = errs.Class("export malformed")

	mon = monkit.Package()
)

// DefaultWindow caps the clock span of a single export.
const DefaultWindow = 10000

// Payload is the export wire structure.
type Payload struct {
	CNodeUsers map[string]clocklog.UserBundle `json:"cnode_users"`
	IPFSIDObj  IPFSID                         `json:"ipfs_id_obj"`
}

// IPFSID carries the exporting node's content addresses.
type IPFSID struct {
	Addresses []string `json:"addresses"`
}

// Envelope is the HTTP response wrapper.
type Envelope struct {
	Data Payload `json:"data"`
}

// Exporter serves export requests from the local clock log.
type Exporter struct {
	log       *zap.Logger
	db        *clocklog.DB
	window    int64
	addresses []string
}

// NewExporter creates an exporter over db. window caps the exported clock
// span; zero selects DefaultWindow.
func NewExporter(log *zap.Logger, db *clocklog.DB, window int64, addresses []string) *Exporter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Exporter{log: log, db: db, window: window, addresses: addresses}
}

// Export assembles a payload holding, for each known wallet, the slice
// [clockMin, clockMin+window] of the user's log plus referenced entities.
// Unknown wallets are omitted. A wallet already at or past clockMin yields
// a bundle with empty clock records, signalling "already up to date".
func (exporter *Exporter) Export(ctx context.Context, wallets []string, clockMin int64, sourceEndpoint string) (_ *Payload, err error) {
	defer mon.Task()(&ctx)(&err)

	payload := &Payload{
		CNodeUsers: map[string]clocklog.UserBundle{},
		IPFSIDObj:  IPFSID{Addresses: exporter.addresses},
	}

	for _, wallet := range wallets {
		bundle, err := exporter.db.Slice(ctx, wallet, clockMin, exporter.window)
		if clocklog.ErrUserNotFound.Has(err) {
			exporter.log.Debug("export requested for unknown wallet",
				zap.String("wallet", wallet), zap.String("source", sourceEndpoint))
			continue
		}
		if err != nil {
			return nil, Error.Wrap(err)
		}
		payload.CNodeUsers[wallet] = *bundle
	}

	exporter.log.Info("served export",
		zap.Int("users", len(payload.CNodeUsers)),
		zap.Int64("clock_range_min", clockMin),
		zap.String("source", sourceEndpoint))
	return payload, nil
}

// ValidateBundle checks the schema invariants the recipient relies on: the
// bundle's clock records are ascending, dense, bounded by
// [clockMin, user.clock], and every record belongs to the bundle's user.
func ValidateBundle(bundle *clocklog.UserBundle, clockMin int64) error {
	if bundle.User.Wallet == "" {
		return ErrMalformed.New("bundle missing user record")
	}

	for i, record := range bundle.ClockRecords {
		if record.Clock < clockMin || record.Clock > bundle.User.Clock {
			return ErrMalformed.New("clock record %d out of range [%d, %d]",
				record.Clock, clockMin, bundle.User.Clock)
		}
		if i > 0 && record.Clock != bundle.ClockRecords[i-1].Clock+1 {
			return ErrMalformed.New("clock records not dense at %d", record.Clock)
		}
	}

	if len(bundle.ClockRecords) > 0 {
		last := bundle.ClockRecords[len(bundle.ClockRecords)-1]
		if last.Clock != bundle.User.Clock {
			return ErrMalformed.New("clock records end at %d, user clock %d",
				last.Clock, bundle.User.Clock)
		}
	}
	return nil
}
