//go:build integration

package sqldb

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/connector/registry"
	"github.com/tabulify/tabulify/pkg/testutil"
	"github.com/tabulify/tabulify/pkg/types"
)

type PostgresSuite struct {
	testutil.IntegrationTestSuite
	conn *Connector
}

func TestPostgres(t *testing.T) {
	suite.Run(t, new(PostgresSuite))
}

func (s *PostgresSuite) SetupSuite() {
	s.IntegrationTestSuite.SetupSuite()
	pg := testutil.GetPostgres(s.T())

	c, err := registry.Create(Type, "pg", registry.Options{"dialect": "postgres", "dsn": pg.DSN})
	s.Require().NoError(err)
	s.Require().NoError(c.Open(s.Context()))
	s.conn = c.(*Connector)
}

func (s *PostgresSuite) TearDownSuite() {
	if s.conn != nil {
		s.conn.Close(s.Context())
	}
	s.IntegrationTestSuite.TearDownSuite()
}

func (s *PostgresSuite) TestRoundTrip() {
	schema := core.NewSchema(
		core.Column{Name: "id", Type: types.Of(types.Int64)},
		core.Col("label", types.TextOf(40)),
		core.Col("price", types.DecimalOf(10, 2)),
		core.Col("active", types.Of(types.Boolean)),
	)
	rows := []types.Row{
		types.Values(int64(1), "widget", decimal.RequireFromString("9.99"), true),
		types.Values(int64(2), nil, nil, false),
	}
	write(s.T(), s.conn, "products", schema, core.ModeReplace, rows...)

	got := readAll(s.T(), s.conn, "products", 0)
	s.Require().Len(got, 2)
	s.Equal(int64(1), got[0][0].V)
	s.Equal("widget", got[0][1].V)
	s.True(decimal.RequireFromString("9.99").Equal(got[0][2].V.(decimal.Decimal)))
	s.True(got[1][1].IsNull())

	resolved, err := s.conn.ResolveSchema(s.Context(), core.NewTableRef(s.conn, "products"))
	s.Require().NoError(err)
	s.Equal(types.TextOf(40), resolved.Columns[1].Type)
	s.Equal(types.DecimalOf(10, 2), resolved.Columns[2].Type)
	s.False(resolved.Columns[0].Nullable)
}

func (s *PostgresSuite) TestReplaceSwapsAtomically() {
	write(s.T(), s.conn, "swap", numSchema, core.ModeReplace, numbers(5)...)
	write(s.T(), s.conn, "swap", numSchema, core.ModeReplace, numbers(3)...)

	n, err := s.conn.CountRows(s.Context(), core.NewTableRef(s.conn, "swap"))
	s.Require().NoError(err)
	s.Equal(int64(3), n)
}

func (s *PostgresSuite) TestAppendResumesFromOffset() {
	write(s.T(), s.conn, "resume", numSchema, core.ModeReplace, numbers(6)...)
	got := readAll(s.T(), s.conn, "resume", 4)
	s.Require().Len(got, 2)
	s.Equal(int64(5), got[0][0].V)
}
