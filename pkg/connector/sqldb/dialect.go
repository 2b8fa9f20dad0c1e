package sqldb

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/tabulify/tabulify/pkg/types"
)

// dialect holds what differs between backends: driver, quoting, catalog
// queries, pagination and the type mapping.
type dialect struct {
	name   string
	driver string
	// defaultSchema is used when the connector has no schema option
	defaultSchema string
	// transactionalDDL dialects replace a table inside one transaction;
	// the others load a staging table and swap it in with a rename
	transactionalDDL bool
	// maxParams bounds the placeholders of one statement
	maxParams int

	quote       func(string) string
	placeholder func(int) string
	// offset renders the clause skipping n rows, after ORDER BY
	offset func(int64) string
	// orderBy is the clause fixing the read order, so an offset read
	// continues where a previous read stopped
	orderBy string

	listTables string
	columns    string
	mapping    *types.Mapping
}

func quoteWith(open, close string) func(string) string {
	return func(s string) string {
		return open + strings.ReplaceAll(s, close, close+close) + close
	}
}

func questionMark(int) string { return "?" }

var dialects = map[string]*dialect{
	"sqlite": {
		name:             "sqlite",
		driver:           "sqlite",
		transactionalDDL: true,
		maxParams:        32766,
		quote:            quoteWith(`"`, `"`),
		placeholder:      questionMark,
		offset:           func(n int64) string { return fmt.Sprintf(" LIMIT -1 OFFSET %d", n) },
		orderBy:          " ORDER BY rowid",
		listTables:       `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`,
		mapping: types.NewMapping("sqlite",
			map[string]types.Kind{
				"boolean": types.Boolean, "bool": types.Boolean,
				"smallint": types.Int16, "tinyint": types.Int16,
				"int": types.Int32, "mediumint": types.Int32,
				"integer": types.Int64, "bigint": types.Int64,
				"real": types.Float64, "double": types.Float64, "float": types.Float64, "double precision": types.Float64,
				"numeric": types.Decimal, "decimal": types.Decimal,
				"text": types.Text, "varchar": types.Text, "char": types.Text, "clob": types.Text, "character": types.Text,
				"blob": types.Binary,
				"date":     types.Date,
				"datetime": types.Timestamp, "timestamp": types.Timestamp,
			},
			map[types.Kind]types.Template{
				types.Boolean:   {Name: "boolean"},
				types.Int16:     {Name: "smallint"},
				types.Int32:     {Name: "int"},
				types.Int64:     {Name: "bigint"},
				types.Float64:   {Name: "double"},
				types.Decimal:   {Name: "decimal", Params: types.ParamPrecisionScale},
				types.Text:      {Name: "varchar", Params: types.ParamLength, Unbounded: "text"},
				types.Binary:    {Name: "blob"},
				types.Date:      {Name: "date"},
				types.Timestamp: {Name: "timestamp"},
			}),
	},
	"postgres": {
		name:             "postgres",
		driver:           "pgx",
		defaultSchema:    "public",
		transactionalDDL: true,
		maxParams:        65535,
		quote:            func(s string) string { return pgx.Identifier{s}.Sanitize() },
		placeholder:      func(i int) string { return "$" + strconv.Itoa(i) },
		offset:           func(n int64) string { return fmt.Sprintf(" OFFSET %d", n) },
		orderBy:          " ORDER BY 1",
		listTables: `SELECT table_name FROM information_schema.tables
			WHERE table_schema = $1 AND table_type = 'BASE TABLE' ORDER BY table_name`,
		columns: `SELECT column_name, data_type, character_maximum_length, numeric_precision, numeric_scale, is_nullable
			FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`,
		mapping: types.NewMapping("postgres",
			map[string]types.Kind{
				"boolean":  types.Boolean,
				"smallint": types.Int16, "integer": types.Int32, "bigint": types.Int64,
				"real": types.Float32, "double precision": types.Float64,
				"numeric": types.Decimal,
				"text":    types.Text, "character varying": types.Text, "character": types.Text, "varchar": types.Text,
				"bytea":                       types.Binary,
				"date":                        types.Date,
				"timestamp without time zone": types.Timestamp, "timestamp with time zone": types.Timestamp, "timestamp": types.Timestamp,
			},
			map[types.Kind]types.Template{
				types.Boolean:   {Name: "boolean"},
				types.Int16:     {Name: "smallint"},
				types.Int32:     {Name: "integer"},
				types.Int64:     {Name: "bigint"},
				types.Float32:   {Name: "real"},
				types.Float64:   {Name: "double precision"},
				types.Decimal:   {Name: "numeric", Params: types.ParamPrecisionScale, MaxPrecision: 1000},
				types.Text:      {Name: "varchar", Params: types.ParamLength, MaxLength: 10485760, Unbounded: "text"},
				types.Binary:    {Name: "bytea"},
				types.Date:      {Name: "date"},
				types.Timestamp: {Name: "timestamp"},
			}),
	},
	"mysql": {
		name:        "mysql",
		driver:      "mysql",
		maxParams:   65535,
		quote:       quoteWith("`", "`"),
		placeholder: questionMark,
		offset:      func(n int64) string { return fmt.Sprintf(" LIMIT 18446744073709551615 OFFSET %d", n) },
		orderBy:     " ORDER BY 1",
		listTables: `SELECT table_name FROM information_schema.tables
			WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' ORDER BY table_name`,
		columns: `SELECT column_name, data_type, character_maximum_length, numeric_precision, numeric_scale, is_nullable
			FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position`,
		mapping: types.NewMapping("mysql",
			map[string]types.Kind{
				"tinyint": types.Int16, "smallint": types.Int16,
				"mediumint": types.Int32, "int": types.Int32,
				"bigint": types.Int64,
				"float":  types.Float32, "double": types.Float64,
				"decimal": types.Decimal,
				"varchar": types.Text, "char": types.Text, "text": types.Text, "mediumtext": types.Text, "longtext": types.Text,
				"varbinary": types.Binary, "binary": types.Binary, "blob": types.Binary, "longblob": types.Binary,
				"date":     types.Date,
				"datetime": types.Timestamp, "timestamp": types.Timestamp,
			},
			map[types.Kind]types.Template{
				types.Boolean:   {Name: "boolean"},
				types.Int16:     {Name: "smallint"},
				types.Int32:     {Name: "int"},
				types.Int64:     {Name: "bigint"},
				types.Float32:   {Name: "float"},
				types.Float64:   {Name: "double"},
				types.Decimal:   {Name: "decimal", Params: types.ParamPrecisionScale, MaxPrecision: 65},
				types.Text:      {Name: "varchar", Params: types.ParamLength, MaxLength: 16383, Unbounded: "longtext"},
				types.Binary:    {Name: "varbinary", Params: types.ParamLength, MaxLength: 65535, Unbounded: "longblob"},
				types.Date:      {Name: "date"},
				types.Timestamp: {Name: "datetime(6)"},
			}),
	},
	"sqlserver": {
		name:             "sqlserver",
		driver:           "sqlserver",
		defaultSchema:    "dbo",
		transactionalDDL: true,
		maxParams:        2100,
		quote:            quoteWith("[", "]"),
		placeholder:      func(i int) string { return "@p" + strconv.Itoa(i) },
		offset:           func(n int64) string { return fmt.Sprintf(" OFFSET %d ROWS", n) },
		orderBy:          " ORDER BY 1",
		listTables: `SELECT table_name FROM information_schema.tables
			WHERE table_schema = @p1 AND table_type = 'BASE TABLE' ORDER BY table_name`,
		columns: `SELECT column_name, data_type, character_maximum_length, numeric_precision, numeric_scale, is_nullable
			FROM information_schema.columns WHERE table_schema = @p1 AND table_name = @p2 ORDER BY ordinal_position`,
		mapping: types.NewMapping("sqlserver",
			map[string]types.Kind{
				"bit":      types.Boolean,
				"tinyint":  types.Int16, "smallint": types.Int16,
				"int": types.Int32, "bigint": types.Int64,
				"real": types.Float32, "float": types.Float64,
				"decimal": types.Decimal, "numeric": types.Decimal, "money": types.Decimal,
				"nvarchar": types.Text, "varchar": types.Text, "nchar": types.Text, "char": types.Text, "text": types.Text, "ntext": types.Text,
				"varbinary": types.Binary, "binary": types.Binary, "image": types.Binary,
				"date":      types.Date,
				"datetime2": types.Timestamp, "datetime": types.Timestamp, "datetimeoffset": types.Timestamp,
			},
			map[types.Kind]types.Template{
				types.Boolean:   {Name: "bit"},
				types.Int16:     {Name: "smallint"},
				types.Int32:     {Name: "int"},
				types.Int64:     {Name: "bigint"},
				types.Float32:   {Name: "real"},
				types.Float64:   {Name: "float"},
				types.Decimal:   {Name: "decimal", Params: types.ParamPrecisionScale, MaxPrecision: 38},
				types.Text:      {Name: "nvarchar", Params: types.ParamLength, MaxLength: 4000, Unbounded: "nvarchar(max)"},
				types.Binary:    {Name: "varbinary", Params: types.ParamLength, MaxLength: 8000, Unbounded: "varbinary(max)"},
				types.Date:      {Name: "date"},
				types.Timestamp: {Name: "datetime2"},
			}),
	},
}

// lookupDialect returns the dialect of a connector option value.
func lookupDialect(name string) (*dialect, bool) {
	d, ok := dialects[strings.ToLower(name)]
	return d, ok
}

// table renders a possibly schema qualified table name.
func (d *dialect) table(schema, name string) string {
	if schema == "" {
		return d.quote(name)
	}
	return d.quote(schema) + "." + d.quote(name)
}

// arg turns a canonical value into a driver argument.
func (d *dialect) arg(v types.Value, kind types.Kind) interface{} {
	switch x := v.V.(type) {
	case nil:
		return nil
	case decimal.Decimal:
		return x.String()
	case time.Time:
		if d.name != "sqlite" {
			return x.UTC()
		}
		// sqlite has no time type; keep a sortable text form
		if kind == types.Date {
			return x.UTC().Format(types.DateLayout)
		}
		return x.UTC().Format(types.TimestampLayout)
	case bool:
		if d.name == "sqlite" {
			if x {
				return int64(1)
			}
			return int64(0)
		}
		return x
	}
	return v.V
}
