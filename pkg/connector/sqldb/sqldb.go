// Package sqldb is the database/sql connector. One connector instance talks
// to one database through the driver of its dialect: modernc sqlite, pgx,
// go-sql-driver/mysql or go-mssqldb.
package sqldb

import (
	"context"
	"database/sql"
	"iter"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/connector/base"
	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/connector/registry"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

// Type is the registry name of the sql connector
const Type = "sql"

func init() {
	registry.MustRegister(Type, Factory)
}

// Connector implements core.Connector over database/sql.
type Connector struct {
	*base.Base
	cfg     *config.SQLConnectorConfig
	dialect *dialect
	schema  string
	db      *sql.DB
}

var _ core.Connector = (*Connector)(nil)
var _ core.RowCounter = (*Connector)(nil)

// Factory builds a sql connector from flow document options.
func Factory(name string, opts registry.Options) (core.Connector, error) {
	cfg := config.NewSQLConnectorConfig()
	if err := config.DecodeOptions(opts, cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid sql options")
	}
	return New(name, cfg)
}

// New creates a sql connector; nothing is dialed before Open.
func New(name string, cfg *config.SQLConnectorConfig) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid sql options")
	}
	d, ok := lookupDialect(cfg.Dialect)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported dialect %q", cfg.Dialect)
	}
	caps := core.Capabilities{
		Transactions:          true,
		StreamingWrite:        true,
		SchemaCreation:        true,
		MaxConcurrentSessions: cfg.MaxSessions,
		ConcurrentRead:        true,
		AtomicReplace:         true,
		Resumable:             true,
	}
	schema := cfg.Schema
	if schema == "" {
		schema = d.defaultSchema
	}
	return &Connector{
		Base:    base.NewBase(name, Type, caps, d.mapping),
		cfg:     cfg,
		dialect: d,
		schema:  schema,
	}, nil
}

// Dialect returns the dialect name
func (c *Connector) Dialect() string { return c.dialect.name }

// DB exposes the pool, mainly for tests and setup scripts.
func (c *Connector) DB() *sql.DB { return c.db }

func (c *Connector) dsn() string {
	dsn := c.cfg.DSN
	if c.dialect.name == "sqlite" && !strings.Contains(dsn, "busy_timeout") {
		// concurrent readers and writers on one file wait instead of failing
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	}
	return dsn
}

// Open dials the database and checks it answers.
func (c *Connector) Open(ctx context.Context) error {
	return c.Lifecycle.Open(ctx, func(ctx context.Context) error {
		db, err := sql.Open(c.dialect.driver, c.dsn())
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "invalid dsn")
		}
		if c.cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(c.cfg.MaxOpenConns)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return classify(err, "connecting to "+c.Name())
		}
		c.db = db
		c.Logger().Debug("database connected", zap.String("dialect", c.dialect.name))
		return nil
	})
}

// Close releases the pool
func (c *Connector) Close(ctx context.Context) error {
	return c.Lifecycle.Close(ctx, func(context.Context) error {
		if c.db == nil {
			return nil
		}
		err := c.db.Close()
		c.db = nil
		return err
	})
}

func (c *Connector) tableName(name string) string {
	return c.dialect.table(c.schema, name)
}

// ListTables queries the catalog
func (c *Connector) ListTables(ctx context.Context, filter core.Filter) iter.Seq2[*core.TableRef, error] {
	return base.Tables(c, func() ([]string, error) {
		if err := c.RequireOpen(); err != nil {
			return nil, err
		}
		var args []interface{}
		if c.dialect.name == "postgres" || c.dialect.name == "sqlserver" {
			args = append(args, c.schema)
		}
		rows, err := c.db.QueryContext(ctx, c.dialect.listTables, args...)
		if err != nil {
			return nil, classify(err, "listing tables")
		}
		defer rows.Close()
		var names []string
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				return nil, classify(err, "listing tables")
			}
			if base.MatchTable(filter, n) {
				names = append(names, n)
			}
		}
		return names, classify(rows.Err(), "listing tables")
	})
}

// ResolveSchema reads the columns of a table from the catalog.
func (c *Connector) ResolveSchema(ctx context.Context, ref *core.TableRef) (*core.Schema, error) {
	if err := c.RequireOpen(); err != nil {
		return nil, err
	}
	var (
		cols []core.Column
		err  error
	)
	if c.dialect.name == "sqlite" {
		cols, err = c.sqliteColumns(ctx, ref.Name())
	} else {
		cols, err = c.catalogColumns(ctx, ref.Name())
	}
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "table %s not found in %s", ref.Name(), c.Name())
	}
	return core.NewSchema(cols...), nil
}

func (c *Connector) column(name string, native types.NativeType, nullable bool) core.Column {
	return core.Column{
		Name:     name,
		Type:     types.Resolve(c.dialect.mapping, native),
		Native:   native,
		Nullable: nullable,
	}
}

func (c *Connector) sqliteColumns(ctx context.Context, table string) ([]core.Column, error) {
	rows, err := c.db.QueryContext(ctx, "PRAGMA table_info("+c.dialect.quote(table)+")")
	if err != nil {
		return nil, classify(err, "reading columns of "+table)
	}
	defer rows.Close()
	var cols []core.Column
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, classify(err, "reading columns of "+table)
		}
		cols = append(cols, c.column(name, types.ParseNativeType(typ), notNull == 0))
	}
	return cols, classify(rows.Err(), "reading columns of "+table)
}

func (c *Connector) catalogColumns(ctx context.Context, table string) ([]core.Column, error) {
	args := []interface{}{table}
	if c.dialect.name != "mysql" {
		args = []interface{}{c.schema, table}
	}
	rows, err := c.db.QueryContext(ctx, c.dialect.columns, args...)
	if err != nil {
		return nil, classify(err, "reading columns of "+table)
	}
	defer rows.Close()
	var cols []core.Column
	for rows.Next() {
		var (
			name, typ, nullable string
			length, prec, scale sql.NullInt64
		)
		if err := rows.Scan(&name, &typ, &length, &prec, &scale, &nullable); err != nil {
			return nil, classify(err, "reading columns of "+table)
		}
		native := types.NativeType{Name: strings.ToLower(typ)}
		kind := types.ResolveName(c.dialect.mapping, native.Name).Kind
		switch kind {
		case types.Text, types.Binary:
			if length.Valid && length.Int64 > 0 {
				native.Length = int(length.Int64)
			}
		case types.Decimal:
			native.Precision, native.Scale = int(prec.Int64), int(scale.Int64)
		}
		cols = append(cols, c.column(name, native, strings.EqualFold(nullable, "YES")))
	}
	return cols, classify(rows.Err(), "reading columns of "+table)
}

// Exists checks the catalog for the table.
func (c *Connector) Exists(ctx context.Context, ref *core.TableRef) (bool, error) {
	_, err := c.ResolveSchema(ctx, ref)
	switch {
	case err == nil:
		return true, nil
	case errors.IsType(err, errors.ErrorTypeNotFound):
		return false, nil
	}
	return false, err
}

// CountRows runs SELECT COUNT(*)
func (c *Connector) CountRows(ctx context.Context, ref *core.TableRef) (int64, error) {
	if err := c.RequireOpen(); err != nil {
		return 0, err
	}
	var n int64
	err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.tableName(ref.Name())).Scan(&n)
	return n, classify(err, "counting "+ref.Name())
}

// exec runs a statement outside any transaction.
func (c *Connector) exec(ctx context.Context, query string) error {
	c.Logger().Debug("exec", zap.String("sql", query))
	_, err := c.db.ExecContext(ctx, query)
	return classify(err, "executing "+firstWords(query))
}

func firstWords(q string) string {
	f := strings.Fields(q)
	if len(f) > 3 {
		f = f[:3]
	}
	return strings.Join(f, " ")
}
