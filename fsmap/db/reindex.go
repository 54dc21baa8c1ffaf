package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/ZanzyTHEbar/fsmap/fsmap"
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"
)

// ReindexBatchLimit caps the missing (record, prop) pairs fetched per pass.
const ReindexBatchLimit = 500

// missingIndexSQL finds (record, declared prop) pairs without an index row,
// skipping records marked no_json. Only the first row of each record carries data.
const missingIndexSQL = `SELECT "rn", "path", "file", CASE WHEN "rn" = 1 THEN "data" END AS "data", "prop"
FROM (
	SELECT ROW_NUMBER() OVER (PARTITION BY d."path", d."file" ORDER BY i."prop") AS "rn",
		d."path", d."file", d."data", i."prop"
	FROM "Data" d
	CROSS JOIN "Index" i
	LEFT JOIN "DataIndexNumber" din ON din."path" = d."path" AND din."file" = d."file" AND din."prop" = i."prop" AND i."type" = 'number'
	LEFT JOIN "DataIndexString" dis ON dis."path" = d."path" AND dis."file" = d."file" AND dis."prop" = i."prop" AND i."type" = 'string'
	LEFT JOIN "DataEavString" des ON des."path" = d."path" AND des."file" = d."file" AND des."prop" = '` + noJSONProp + `'
	WHERE din."path" IS NULL AND dis."path" IS NULL AND des."path" IS NULL
)
ORDER BY "path", "file", "rn"
LIMIT ?`

// Reindex backfills index rows for declared properties that existing records
// lack, pass by pass, until a pass finds nothing. It returns the number of
// records touched.
func (s *IndexStore) Reindex(ctx context.Context) (int, error) {
	if s.encoding != types.EncodingJSON || len(s.indexes) == 0 {
		return 0, nil
	}

	touched := 0
	prevKey := ""
	for {
		if err := ctx.Err(); err != nil {
			return touched, err
		}

		items, key, err := s.missingIndexes(ctx)
		if err != nil {
			return touched, err
		}
		if len(items) == 0 {
			return touched, nil
		}
		if key == prevKey {
			return touched, fsmap.Errorf(fsmap.ErrIndexStore, "reindex made no progress on %d records", len(items))
		}
		prevKey = key

		s.log.Debug().Int("records", len(items)).Msg("reindex: backfill")
		if err := s.upsertWithIndex(ctx, items); err != nil {
			return touched, err
		}
		touched += len(items)
	}
}

func (s *IndexStore) missingIndexes(ctx context.Context) ([]indexItem, string, error) {
	rows, err := s.query(ctx, s.db, missingIndexSQL, ReindexBatchLimit)
	if err != nil {
		return nil, "", fsmap.Wrap(fsmap.ErrIndexStore, "find missing index rows", err)
	}
	defer rows.Close()

	decls := make(map[string]types.IndexDecl, len(s.indexes))
	for _, d := range s.indexes {
		decls[d.Prop] = d
	}

	var (
		items []indexItem
		key   strings.Builder
	)
	for rows.Next() {
		var (
			rn   int
			pk   types.Pk
			data sql.NullString
			prop string
		)
		if err := rows.Scan(&rn, &pk.Path, &pk.File, &data, &prop); err != nil {
			return nil, "", fsmap.Wrap(fsmap.ErrIndexStore, "scan missing index row", err)
		}
		key.WriteString(pk.Rel())
		key.WriteByte(0)
		key.WriteString(prop)
		key.WriteByte(0)

		if rn == 1 || len(items) == 0 || items[len(items)-1].row.Pk != pk {
			items = append(items, indexItem{row: types.Row{Pk: pk, Data: data.String}})
		}
		last := &items[len(items)-1]
		if decl, ok := decls[prop]; ok {
			last.decls = append(last.decls, decl)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, "", fsmap.Wrap(fsmap.ErrIndexStore, "find missing index rows", err)
	}
	return items, key.String(), nil
}
