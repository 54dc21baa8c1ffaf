package db

import (
	"context"

	"github.com/ZanzyTHEbar/fsmap/fsmap"
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"
)

const upsertDataSQL = `INSERT INTO "Data" ("path", "file", "data", "fsstatSize", "fsstatMtime", "fsstatCtime", "fsstatBirthtime")
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT ("path", "file") DO UPDATE SET
		"data" = excluded."data",
		"fsstatSize" = excluded."fsstatSize",
		"fsstatMtime" = excluded."fsstatMtime",
		"fsstatCtime" = excluded."fsstatCtime",
		"fsstatBirthtime" = excluded."fsstatBirthtime"`

// deleteOrder lists the tables a record is removed from, index rows first and
// the Data row last.
var deleteOrder = []string{"DataIndexString", "DataIndexNumber", "DataEavString", "DataEavNumber", "Data"}

// UpsertData writes record content and fingerprints.
func (s *IndexStore) UpsertData(ctx context.Context, rows []types.Row) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.NewBatchContext(ctx, 100)
	if err != nil {
		return err
	}
	defer batch.Rollback()

	for _, r := range rows {
		fp := r.Fingerprint
		batch.AddOperation(upsertDataSQL, "upsert data", r.Path, r.File, r.Data, fp.Size, fp.Mtime, fp.Ctime, fp.Birthtime)
		if err := batch.Flush(); err != nil {
			return err
		}
	}

	if err := batch.Commit(); err != nil {
		return err
	}
	return nil
}

// DeleteByPk removes records with all their index and EAV rows in one transaction.
func (s *IndexStore) DeleteByPk(ctx context.Context, pks []types.Pk) error {
	if len(pks) == 0 {
		return nil
	}

	batch, err := s.NewBatchContext(ctx, 100)
	if err != nil {
		return err
	}
	defer batch.Rollback()

	for _, table := range deleteOrder {
		query := `DELETE FROM "` + table + `" WHERE "path" = ? AND "file" = ?`
		for _, pk := range pks {
			batch.AddOperation(query, "delete "+table, pk.Path, pk.File)
			if err := batch.Flush(); err != nil {
				return err
			}
		}
	}

	if err := batch.Commit(); err != nil {
		return err
	}
	return nil
}

// Fingerprints returns the stored fingerprint of every record.
func (s *IndexStore) Fingerprints(ctx context.Context) (map[types.Pk]types.Fingerprint, error) {
	rows, err := s.query(ctx, s.db, `SELECT "path", "file", "fsstatSize", "fsstatMtime", "fsstatCtime", "fsstatBirthtime" FROM "Data"`)
	if err != nil {
		return nil, fsmap.Wrap(fsmap.ErrIndexStore, "list fingerprints", err)
	}
	defer rows.Close()

	out := make(map[types.Pk]types.Fingerprint)
	for rows.Next() {
		var pk types.Pk
		var fp types.Fingerprint
		if err := rows.Scan(&pk.Path, &pk.File, &fp.Size, &fp.Mtime, &fp.Ctime, &fp.Birthtime); err != nil {
			return nil, fsmap.Wrap(fsmap.ErrIndexStore, "scan fingerprint", err)
		}
		out[pk] = fp
	}
	if err := rows.Err(); err != nil {
		return nil, fsmap.Wrap(fsmap.ErrIndexStore, "list fingerprints", err)
	}
	return out, nil
}

// Count returns the number of records in Data.
func (s *IndexStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "Data"`).Scan(&n); err != nil {
		return 0, fsmap.Wrap(fsmap.ErrIndexStore, "count records", err)
	}
	return n, nil
}
