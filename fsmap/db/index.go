package db

import (
	"context"
	"time"

	"github.com/ZanzyTHEbar/fsmap/fsmap/types"
)

const (
	upsertIndexStringSQL = `INSERT INTO "DataIndexString" ("path", "file", "prop", "value") VALUES (?, ?, ?, ?)
	ON CONFLICT ("path", "file", "prop") DO UPDATE SET "value" = excluded."value"`
	upsertIndexNumberSQL = `INSERT INTO "DataIndexNumber" ("path", "file", "prop", "value") VALUES (?, ?, ?, ?)
	ON CONFLICT ("path", "file", "prop") DO UPDATE SET "value" = excluded."value"`
	upsertNoJSONSQL = `INSERT INTO "DataEavString" ("path", "file", "prop", "value") VALUES (?, ?, '` + noJSONProp + `', ?)
	ON CONFLICT ("path", "file", "prop") DO UPDATE SET "value" = excluded."value"`
	deleteNoJSONSQL      = `DELETE FROM "DataEavString" WHERE "path" = ? AND "file" = ? AND "prop" = '` + noJSONProp + `'`
	deleteIndexStringSQL = `DELETE FROM "DataIndexString" WHERE "path" = ? AND "file" = ?`
	deleteIndexNumberSQL = `DELETE FROM "DataIndexNumber" WHERE "path" = ? AND "file" = ?`
)

// indexItem pairs a record with the properties to derive for it.
type indexItem struct {
	row   types.Row
	decls []types.IndexDecl
}

// UpsertWithIndex derives and writes the index rows of every declared property
// for rows. Records that do not parse as a JSON object get a no_json marker
// instead of index rows. All writes share one transaction.
func (s *IndexStore) UpsertWithIndex(ctx context.Context, rows []types.Row) error {
	if s.encoding != types.EncodingJSON || len(rows) == 0 {
		return nil
	}
	items := make([]indexItem, len(rows))
	for i, r := range rows {
		items[i] = indexItem{row: r, decls: s.indexes}
	}
	return s.upsertWithIndex(ctx, items)
}

func (s *IndexStore) upsertWithIndex(ctx context.Context, items []indexItem) error {
	batch, err := s.NewBatchContext(ctx, 200)
	if err != nil {
		return err
	}
	defer batch.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, it := range items {
		r := it.row
		doc, perr := parseDocument(r.Data)
		if perr != nil {
			s.log.Debug().Str("file", r.Pk.String()).Err(perr).Msg("record is not a json object, marked no_json")
			batch.AddOperation(upsertNoJSONSQL, "mark no_json", r.Path, r.File, now)
			batch.AddOperation(deleteIndexStringSQL, "drop string index", r.Path, r.File)
			batch.AddOperation(deleteIndexNumberSQL, "drop number index", r.Path, r.File)
		} else {
			for _, decl := range it.decls {
				query := upsertIndexStringSQL
				if decl.Type == types.IndexNumber {
					query = upsertIndexNumberSQL
				}
				batch.AddOperation(query, "upsert index", r.Path, r.File, decl.Prop, IndexValue(decl.Type, doc[decl.Prop]))
			}
			batch.AddOperation(deleteNoJSONSQL, "clear no_json", r.Path, r.File)
		}
		if err := batch.Flush(); err != nil {
			return err
		}
	}

	if err := batch.Commit(); err != nil {
		return err
	}
	return nil
}
