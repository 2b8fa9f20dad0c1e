package sqldb

import (
	stderrors "errors"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/tabulify/tabulify/pkg/connector/base"
	"github.com/tabulify/tabulify/pkg/errors"
)

var (
	pgCodes = map[string]errors.ErrorType{
		"28000": errors.ErrorTypeAuthorizationDenied, // invalid_authorization_specification
		"28P01": errors.ErrorTypeAuthorizationDenied, // invalid_password
		"42501": errors.ErrorTypeAuthorizationDenied, // insufficient_privilege
		"42P01": errors.ErrorTypeSchemaMismatch,      // undefined_table
		"42703": errors.ErrorTypeSchemaMismatch,      // undefined_column
		"57P01": errors.ErrorTypeConnectionLost,      // admin_shutdown
		"08006": errors.ErrorTypeConnectionLost,      // connection_failure
	}
	mysqlCodes = map[uint16]errors.ErrorType{
		1044: errors.ErrorTypeAuthorizationDenied,
		1045: errors.ErrorTypeAuthorizationDenied,
		1142: errors.ErrorTypeAuthorizationDenied,
		1146: errors.ErrorTypeSchemaMismatch,
		1054: errors.ErrorTypeSchemaMismatch,
		2006: errors.ErrorTypeConnectionLost,
		2013: errors.ErrorTypeConnectionLost,
	}
	mssqlCodes = map[int32]errors.ErrorType{
		18456: errors.ErrorTypeAuthorizationDenied, // login failed
		229:   errors.ErrorTypeAuthorizationDenied, // permission denied
		208:   errors.ErrorTypeSchemaMismatch,      // invalid object name
		207:   errors.ErrorTypeSchemaMismatch,      // invalid column name
	}
)

// classify maps driver errors onto the taxonomy, using server error codes
// when the driver exposes them and message patterns otherwise.
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if errors.CategoryOf(err) != errors.CategoryNone {
		return err
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		if t, ok := pgCodes[pgErr.Code]; ok {
			return errors.Wrap(err, t, message).WithDetail("sqlstate", pgErr.Code)
		}
	}
	var myErr *mysql.MySQLError
	if stderrors.As(err, &myErr) {
		if t, ok := mysqlCodes[myErr.Number]; ok {
			return errors.Wrap(err, t, message).WithDetail("code", myErr.Number)
		}
	}
	var msErr mssql.Error
	if stderrors.As(err, &msErr) {
		if t, ok := mssqlCodes[msErr.Number]; ok {
			return errors.Wrap(err, t, message).WithDetail("code", msErr.Number)
		}
	}
	return base.ClassifyError(err, message)
}
