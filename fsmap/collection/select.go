package collection

import (
	"context"
	"strings"

	"github.com/ZanzyTHEbar/fsmap/fsmap"
	"github.com/ZanzyTHEbar/fsmap/fsmap/db"
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"
)

// Obtain returns the records matching every equality condition of f, limited
// to the path subtree and file name when given.
func (c *Collection) Obtain(ctx context.Context, f types.ObtainFilter) ([]types.StateRow, error) {
	if c.store == nil {
		return nil, fsmap.Errorf(fsmap.ErrIndexStore, "collection %q is not initialized", c.cfg.Name)
	}

	constraints := make([]db.Constraint, 0, len(f.Filters))
	for _, cond := range f.Filters {
		if strings.TrimSpace(cond.Query) == "" {
			continue
		}
		decl, err := c.index(cond.Index)
		if err != nil {
			return nil, err
		}
		constraints = append(constraints, db.Constraint{Decl: decl, Value: cond.Value})
	}

	sel, err := db.CompileObtain(f.Path, f.File, constraints)
	if err != nil {
		return nil, err
	}
	return c.selectRows(ctx, sel)
}

// Query returns the records matching raw SQL fragments. The fragments are not
// sanitized.
func (c *Collection) Query(ctx context.Context, f types.QueryFilter) ([]types.StateRow, error) {
	if c.store == nil {
		return nil, fsmap.Errorf(fsmap.ErrIndexStore, "collection %q is not initialized", c.cfg.Name)
	}

	fragments := make([]db.Fragment, 0, len(f.Filters))
	for _, cond := range f.Filters {
		decl, err := c.index(cond.Index)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, db.Fragment{Decl: decl, Expr: cond.Query})
	}
	return c.selectRows(ctx, db.CompileQuery(f.FilterGlobal, fragments))
}

func (c *Collection) index(prop string) (types.IndexDecl, error) {
	decl, ok := c.cfg.Index(prop)
	if !ok {
		return types.IndexDecl{}, fsmap.Errorf(fsmap.ErrProtocol, "in collection %q index %q is absent", c.cfg.Name, prop)
	}
	return decl, nil
}

func (c *Collection) selectRows(ctx context.Context, sel db.Selection) ([]types.StateRow, error) {
	records, err := c.store.Select(ctx, sel)
	if err != nil {
		return nil, err
	}
	rows := make([]types.StateRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, types.StateRow{
			Path:    r.Path,
			File:    r.File,
			Data:    c.DecodeData(r.Data),
			Indexes: r.Indexes,
		})
	}
	return rows, nil
}
