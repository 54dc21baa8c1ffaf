package db

import (
	"context"
	"testing"

	"github.com/ZanzyTHEbar/fsmap/fsmap"
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedPeople(t *testing.T) *IndexStore {
	t.Helper()
	s := newStore(t, fsmap.MemoryStore, personIndexes)
	upsert(t, s,
		row("", "a.json", `{"name":"Ann","age":30}`),
		row("", "b.json", `{"name":"Bob","age":25}`),
		row("team", "c.json", `{"name":"Cid","age":30}`),
		row("team/sub", "d.json", `{"age":30}`),
		row("teamwork", "e.json", `{"name":"Eve","age":30}`),
	)
	return s
}

func pks(recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Pk.String())
	}
	return out
}

func TestSelectObtain(t *testing.T) {
	s := seedPeople(t)
	ctx := context.Background()
	name := personIndexes[0]
	age := personIndexes[1]

	tests := []struct {
		name   string
		path   string
		file   string
		constr []Constraint
		want   []string
	}{
		{"all", "", "", nil, []string{"a.json", "b.json", "team/c.json", "team/sub/d.json", "teamwork/e.json"}},
		{"string equality", "", "", []Constraint{{Decl: name, Value: "Ann"}}, []string{"a.json"}},
		{"number equality", "", "", []Constraint{{Decl: age, Value: 30}}, []string{"a.json", "team/c.json", "team/sub/d.json", "teamwork/e.json"}},
		{"numeric string for number", "", "", []Constraint{{Decl: age, Value: "25"}}, []string{"b.json"}},
		{"conjunction", "", "", []Constraint{{Decl: age, Value: 30}, {Decl: name, Value: "Cid"}}, []string{"team/c.json"}},
		{"empty value is null", "", "", []Constraint{{Decl: name, Value: ""}}, []string{"team/sub/d.json"}},
		{"nil value is null", "", "", []Constraint{{Decl: name, Value: nil}}, []string{"team/sub/d.json"}},
		{"path prefix", "team", "", nil, []string{"team/c.json", "team/sub/d.json"}},
		{"path prefix with slashes", "/team/sub/", "", nil, []string{"team/sub/d.json"}},
		{"file", "", "b.json", nil, []string{"b.json"}},
		{"no match", "", "", []Constraint{{Decl: name, Value: "Zed"}}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := CompileObtain(tt.path, tt.file, tt.constr)
			require.NoError(t, err)
			recs, err := s.Select(ctx, sel)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, pks(recs)); diff != "" {
				t.Errorf("records mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompileObtainRejectsNonNumeric(t *testing.T) {
	_, err := CompileObtain("", "", []Constraint{{Decl: personIndexes[1], Value: "old"}})
	assert.ErrorIs(t, err, fsmap.ErrProtocol)
}

func TestSelectQuery(t *testing.T) {
	s := seedPeople(t)
	ctx := context.Background()
	name := personIndexes[0]
	age := personIndexes[1]

	tests := []struct {
		name   string
		global string
		frags  []Fragment
		want   []string
	}{
		{"range", "", []Fragment{{Decl: age, Expr: "$value < 30"}}, []string{"b.json"}},
		{"like", "", []Fragment{{Decl: name, Expr: "$value LIKE 'A%' OR $value LIKE 'E%'"}}, []string{"a.json", "teamwork/e.json"}},
		{"global path", `$path = 'team'`, nil, []string{"team/c.json"}},
		{"global file", `$file IN ('a.json', 'b.json')`, []Fragment{{Decl: age, Expr: "$value >= 30"}}, []string{"a.json"}},
		{"empty fragment is dropped", "", []Fragment{{Decl: name, Expr: "  "}}, []string{"a.json", "b.json", "team/c.json", "team/sub/d.json", "teamwork/e.json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := s.Select(ctx, CompileQuery(tt.global, tt.frags))
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, pks(recs)); diff != "" {
				t.Errorf("records mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSelectQueryEmptyFragmentKeepsNoJSON(t *testing.T) {
	s := seedPeople(t)
	upsert(t, s, row("", "broken.json", `{not json`))
	ctx := context.Background()

	recs, err := s.Select(ctx, CompileQuery("", []Fragment{{Decl: personIndexes[0]}, {Decl: personIndexes[1], Expr: ""}}))
	require.NoError(t, err)
	assert.Contains(t, pks(recs), "broken.json")
	assert.Len(t, recs, 6)

	recs, err = s.Select(ctx, CompileQuery("", []Fragment{{Decl: personIndexes[0]}, {Decl: personIndexes[1], Expr: "$value = 25"}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"b.json"}, pks(recs))
}

func TestSelectQueryInvalidSQL(t *testing.T) {
	s := seedPeople(t)
	_, err := s.Select(context.Background(), CompileQuery("$path ===", nil))
	assert.ErrorIs(t, err, fsmap.ErrIndexStore)
}

func TestSelectReturnsIndexValuesOfFilteredRecords(t *testing.T) {
	s := seedPeople(t)
	sel, err := CompileObtain("", "", []Constraint{{Decl: personIndexes[0], Value: "Bob"}})
	require.NoError(t, err)

	recs, err := s.Select(context.Background(), sel)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, `{"name":"Bob","age":25}`, recs[0].Data)
	assert.Equal(t, []types.IndexValue{
		{Prop: "name", Type: types.IndexString, Value: "Bob"},
		{Prop: "age", Type: types.IndexNumber, Value: 25.0},
	}, recs[0].Indexes)
}
