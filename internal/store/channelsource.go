package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/icechat/core/internal/patch"
	"github.com/icechat/core/internal/sync"
)

// ChannelSource is the sync.Source implementation for one replication
// channel: it answers Next/Ack/Merge/Save against this store, scoped to the
// channel's row in the channel table. Grounded on the store's sqlite Next/
// Ack contract: initial-sync rows (a channel-private snapshot queue) always
// drain before any row from the shared global log, and Ack on a global id
// garbage-collects log rows no channel still needs.
type ChannelSource struct {
	store     *Store
	channelID int64
}

// NewChannelSource opens a Source scoped to channelID, a row created by
// CreateChannel.
func (s *Store) NewChannelSource(channelID int64) *ChannelSource {
	return &ChannelSource{store: s, channelID: channelID}
}

func (c *ChannelSource) Next(ctx context.Context, minimum sync.Cursor) (*patch.SyncData, error) {
	db := c.store.db

	var initID int64
	var initPayload []byte
	err := db.QueryRowContext(ctx, `SELECT id, payload FROM initial_sync
		WHERE channel = ? AND id > ? ORDER BY id ASC LIMIT 1`, c.channelID, minimum.InitialSync).
		Scan(&initID, &initPayload)
	switch {
	case err == nil:
		p, derr := decodeWire(initPayload)
		if derr != nil {
			return nil, derr
		}
		return &patch.SyncData{ID: patch.InitialSync(int32(initID)), Payload: p}, nil
	case err != sql.ErrNoRows:
		return nil, fmt.Errorf("store: channel source: next initial: %w", err)
	}

	var persisted int32
	if err := db.QueryRowContext(ctx, `SELECT sync_index FROM channel WHERE id = ?`, c.channelID).Scan(&persisted); err != nil {
		return nil, fmt.Errorf("store: channel source: next: read sync_index: %w", err)
	}
	floor := persisted
	if minimum.Global > floor {
		floor = minimum.Global
	}

	var globalID int64
	var globalPayload []byte
	err = db.QueryRowContext(ctx, `SELECT id, payload FROM sync WHERE id > ? ORDER BY id ASC LIMIT 1`, floor).
		Scan(&globalID, &globalPayload)
	switch {
	case err == nil:
		p, derr := decodeWire(globalPayload)
		if derr != nil {
			return nil, derr
		}
		return &patch.SyncData{ID: patch.Global(int32(globalID)), Payload: p}, nil
	case err == sql.ErrNoRows:
		return nil, nil
	default:
		return nil, fmt.Errorf("store: channel source: next global: %w", err)
	}
}

func (c *ChannelSource) Ack(ctx context.Context, id patch.SyncDataID) error {
	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch id.Kind {
	case patch.SyncDataInitialSync:
		if _, err := tx.ExecContext(ctx, `DELETE FROM initial_sync WHERE channel = ? AND id = ?`, c.channelID, id.ID); err != nil {
			return fmt.Errorf("store: channel source: ack initial: %w", err)
		}

	case patch.SyncDataGlobal:
		if _, err := tx.ExecContext(ctx, `UPDATE channel SET sync_index = ? WHERE id = ? AND sync_index < ?`,
			id.ID, c.channelID, id.ID); err != nil {
			return fmt.Errorf("store: channel source: ack global: %w", err)
		}
		if err := gcGlobalLog(ctx, tx); err != nil {
			return fmt.Errorf("store: channel source: gc: %w", err)
		}

	default:
		return fmt.Errorf("store: channel source: ack: unknown sync data kind %d", id.Kind)
	}

	return tx.Commit()
}

// gcGlobalLog deletes every global sync row whose id is at or below the
// minimum sync_index across every channel currently in the table — a row no
// channel will ever ask for again. A store with no channels yet keeps the
// whole log, since there's no floor to GC against.
func gcGlobalLog(ctx context.Context, tx *sql.Tx) error {
	var min sql.NullInt32
	if err := tx.QueryRowContext(ctx, `SELECT MIN(sync_index) FROM channel`).Scan(&min); err != nil {
		return err
	}
	if !min.Valid {
		return nil
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM sync WHERE id <= ?`, min.Int32)
	return err
}

func (c *ChannelSource) Merge(ctx context.Context, data patch.SyncData) (*patch.SyncData, error) {
	accepted, err := c.store.Merge(data.Payload)
	if err != nil {
		return nil, err
	}
	if !accepted {
		return nil, nil
	}
	return &data, nil
}

func (c *ChannelSource) Save(ctx context.Context, data patch.SyncData) error {
	payload, err := data.Payload.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = c.store.db.ExecContext(ctx, `INSERT INTO sync (payload) VALUES (?)`, payload)
	return err
}

func decodeWire(payload []byte) (patch.Patch, error) {
	var p patch.Patch
	if err := p.UnmarshalBinary(payload); err != nil {
		return patch.Patch{}, fmt.Errorf("store: decode sync payload: %w", err)
	}
	return p, nil
}
