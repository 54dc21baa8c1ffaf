package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/fsmap/fsmap"
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"
)

// Constraint is an equality match on a declared index (the obtain dialect).
type Constraint struct {
	Decl  types.IndexDecl
	Value any
}

// Fragment is a raw SQL predicate on a declared index (the query dialect).
// $value in Expr refers to the joined index value.
type Fragment struct {
	Decl types.IndexDecl
	Expr string
}

// Selection is a compiled filter: JOIN clauses against Data d, WHERE terms
// and their positional arguments in order of appearance.
type Selection struct {
	joins []string
	where []string
	args  []any
}

// Record is a selected record with its index values in declaration order.
type Record struct {
	types.Pk
	Data    string
	Indexes []types.IndexValue
}

func indexTable(t types.IndexType) string {
	if t == types.IndexNumber {
		return "DataIndexNumber"
	}
	return "DataIndexString"
}

func joinOn(alias string, decl types.IndexDecl) string {
	return fmt.Sprintf(`JOIN "%s" %s ON %s."path" = d."path" AND %s."file" = d."file"`, indexTable(decl.Type), alias, alias, alias)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// CompileObtain builds a parameterized selection. An empty value matches NULL
// index values; pathPrefix matches the directory and everything below it.
func CompileObtain(pathPrefix, file string, constraints []Constraint) (Selection, error) {
	var sel Selection
	for i, c := range constraints {
		alias := fmt.Sprintf("j%d", i)
		clause := joinOn(alias, c.Decl) + fmt.Sprintf(` AND %s."prop" = ?`, alias)
		sel.args = append(sel.args, c.Decl.Prop)

		switch {
		case IsEmpty(c.Value):
			clause += fmt.Sprintf(` AND %s."value" IS NULL`, alias)
		case c.Decl.Type == types.IndexNumber:
			f, ok := ToNumber(c.Value)
			if !ok {
				return Selection{}, fsmap.Errorf(fsmap.ErrProtocol, "value %v of index %q is not a number", c.Value, c.Decl.Prop)
			}
			clause += fmt.Sprintf(` AND %s."value" = ?`, alias)
			sel.args = append(sel.args, f)
		default:
			s, _ := ToString(c.Value)
			clause += fmt.Sprintf(` AND %s."value" = ?`, alias)
			sel.args = append(sel.args, s)
		}
		sel.joins = append(sel.joins, clause)
	}

	if prefix := types.NormalizeDir(pathPrefix); prefix != "" {
		sel.where = append(sel.where, `(d."path" = ? OR substr(d."path", 1, ?) = ?)`)
		sel.args = append(sel.args, prefix, len(prefix)+1, prefix+"/")
	}
	if file != "" {
		sel.where = append(sel.where, `d."file" = ?`)
		sel.args = append(sel.args, file)
	}
	return sel, nil
}

// CompileQuery builds a selection from raw fragments. Nothing is sanitized:
// the fragments run as written, with $value, $path and $file substituted.
// Fragments with an empty expression are dropped.
func CompileQuery(global string, fragments []Fragment) Selection {
	var sel Selection
	for i, f := range fragments {
		expr := strings.TrimSpace(f.Expr)
		if expr == "" {
			continue
		}
		alias := fmt.Sprintf("j%d", i)
		clause := joinOn(alias, f.Decl) + fmt.Sprintf(` AND %s."prop" = %s`, alias, quoteLiteral(f.Decl.Prop))
		clause += " AND (" + strings.ReplaceAll(expr, "$value", alias+`."value"`) + ")"
		sel.joins = append(sel.joins, clause)
	}
	if g := strings.TrimSpace(global); g != "" {
		g = strings.ReplaceAll(g, "$path", `d."path"`)
		g = strings.ReplaceAll(g, "$file", `d."file"`)
		sel.where = append(sel.where, "("+g+")")
	}
	return sel
}

func (sel Selection) body(extraJoin string) string {
	var b strings.Builder
	b.WriteString(`FROM "Data" d`)
	for _, j := range sel.joins {
		b.WriteString("\n")
		b.WriteString(j)
	}
	if extraJoin != "" {
		b.WriteString("\n")
		b.WriteString(extraJoin)
	}
	if len(sel.where) > 0 {
		b.WriteString("\nWHERE ")
		b.WriteString(strings.Join(sel.where, " AND "))
	}
	return b.String()
}

// Select runs a compiled selection: the records first, then the string and
// number index values of the same records, joined in memory.
func (s *IndexStore) Select(ctx context.Context, sel Selection) ([]Record, error) {
	query := `SELECT d."path", d."file", d."data" ` + sel.body("") + ` ORDER BY d."path", d."file"`
	rows, err := s.query(ctx, s.db, query, sel.args...)
	if err != nil {
		return nil, fsmap.Wrap(fsmap.ErrIndexStore, "select records", err)
	}

	var records []Record
	byPk := make(map[types.Pk]int)
	for rows.Next() {
		var r Record
		var data sql.NullString
		if err := rows.Scan(&r.Path, &r.File, &data); err != nil {
			rows.Close()
			return nil, fsmap.Wrap(fsmap.ErrIndexStore, "scan record", err)
		}
		r.Data = data.String
		byPk[r.Pk] = len(records)
		records = append(records, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fsmap.Wrap(fsmap.ErrIndexStore, "select records", err)
	}
	if len(records) == 0 {
		return records, nil
	}

	values := make(map[types.Pk]map[string]any, len(records))
	for _, t := range []types.IndexType{types.IndexString, types.IndexNumber} {
		if !s.hasIndexType(t) {
			continue
		}
		if err := s.selectIndexValues(ctx, sel, t, values); err != nil {
			return nil, err
		}
	}

	for pk, i := range byPk {
		vals := values[pk]
		idx := make([]types.IndexValue, 0, len(s.indexes))
		for _, decl := range s.indexes {
			v, ok := vals[decl.Prop]
			if !ok {
				continue
			}
			idx = append(idx, types.IndexValue{Prop: decl.Prop, Type: decl.Type, Value: v})
		}
		records[i].Indexes = idx
	}
	return records, nil
}

func (s *IndexStore) selectIndexValues(ctx context.Context, sel Selection, t types.IndexType, into map[types.Pk]map[string]any) error {
	join := fmt.Sprintf(`JOIN "%s" xi ON xi."path" = d."path" AND xi."file" = d."file"`, indexTable(t))
	query := `SELECT d."path", d."file", xi."prop", xi."value" ` + sel.body(join)

	rows, err := s.query(ctx, s.db, query, sel.args...)
	if err != nil {
		return fsmap.Wrap(fsmap.ErrIndexStore, "select "+string(t)+" index values", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pk types.Pk
		var prop string
		var value any
		if t == types.IndexNumber {
			var v sql.NullFloat64
			if err := rows.Scan(&pk.Path, &pk.File, &prop, &v); err != nil {
				return fsmap.Wrap(fsmap.ErrIndexStore, "scan index value", err)
			}
			if v.Valid {
				value = v.Float64
			}
		} else {
			var v sql.NullString
			if err := rows.Scan(&pk.Path, &pk.File, &prop, &v); err != nil {
				return fsmap.Wrap(fsmap.ErrIndexStore, "scan index value", err)
			}
			if v.Valid {
				value = v.String
			}
		}
		if into[pk] == nil {
			into[pk] = make(map[string]any)
		}
		into[pk][prop] = value
	}
	if err := rows.Err(); err != nil {
		return fsmap.Wrap(fsmap.ErrIndexStore, "select "+string(t)+" index values", err)
	}
	return nil
}
