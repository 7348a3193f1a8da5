package migrations

import (
	"fmt"
	"strings"
)

const (
	sqlite = iota
	postgres
	mysql
)

func dialectKind(dialect string) (int, error) {
	switch dialect {
	case "sqlite":
		return sqlite, nil
	case "postgresql":
		return postgres, nil
	case "mysql":
		return mysql, nil
	}
	return 0, fmt.Errorf("unsupported dialect %q", dialect)
}

type columnType int

const (
	textType columnType = iota
	keyType             // short, indexable text
)

// sql renders the column type. MySQL cannot index TEXT columns without a
// prefix length, so keys use VARCHAR there.
func (ct columnType) sql(kind int) string {
	if ct == keyType && kind != sqlite {
		return "VARCHAR(255)"
	}
	return "TEXT"
}

type sqlColumn struct {
	name    string
	typ     columnType
	notNull bool
}

func (c sqlColumn) sql(kind int) string {
	s := c.name + " " + c.typ.sql(kind)
	if c.notNull {
		s += " NOT NULL"
	}
	return s
}

// sqlTable builds a CREATE TABLE statement that renders for every supported
// dialect.
type sqlTable struct {
	name    string
	columns []sqlColumn
	key     string
	prefix  string // constraint name prefix
}

func createSQLTable(name string) *sqlTable {
	return &sqlTable{name: name, prefix: "taskpdf_v1"}
}

func (t *sqlTable) KeyColumn(name string) *sqlTable {
	t.key = name
	return t.column(name, keyType, true)
}

func (t *sqlTable) KeyNonNullColumn(name string) *sqlTable {
	return t.column(name, keyType, true)
}

func (t *sqlTable) TextNonNullColumn(name string) *sqlTable {
	return t.column(name, textType, true)
}

func (t *sqlTable) TextColumn(name string) *sqlTable {
	return t.column(name, textType, false)
}

func (t *sqlTable) column(name string, typ columnType, notNull bool) *sqlTable {
	t.columns = append(t.columns, sqlColumn{name: name, typ: typ, notNull: notNull})
	return t
}

func (t *sqlTable) SQL(kind int) string {
	defs := make([]string, 0, len(t.columns)+1)
	for _, c := range t.columns {
		defs = append(defs, c.sql(kind))
	}

	// Constraint names are fixed so later migrations can refer to them.
	if t.key != "" {
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s_%s_%s_pkey PRIMARY KEY (%s)", t.prefix, t.name, t.key, t.key))
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);", t.name, strings.Join(defs, ", "))
}
