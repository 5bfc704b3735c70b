package gorm

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
)

const defaultChunkSize = 500

// sqlCore runs statements on a leased connection. Pooled and Embedded adapters
// differ only in how they lease; the SQL semantics live here.
type sqlCore struct {
	db        *gorm.DB
	dialect   Dialect
	chunkSize int
	module    string
}

// bind returns a GORM session whose statements run on the leased connection.
func (c *sqlCore) bind(ctx context.Context, h *database.ConnectionHandle) *gorm.DB {
	s := c.db.Session(&gorm.Session{Context: ctx, NewDB: true, SkipDefaultTransaction: true})
	s.Statement.ConnPool = h.Conn
	return s
}

// execute wraps query in a transaction: commit-then-return, rollback-then-raise.
func (c *sqlCore) execute(ctx context.Context, h *database.ConnectionHandle, query string, params []interface{}) (*database.RowSet, error) {
	rs := &database.RowSet{}
	err := c.bind(ctx, h).Transaction(func(tx *gorm.DB) error {
		if !returnsRows(query) {
			res := tx.Exec(query, params...)
			rs.RowsAffected = res.RowsAffected
			return res.Error
		}
		rows, err := tx.Raw(query, params...).Rows()
		if err != nil {
			return err
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		rs.Columns = cols
		for rows.Next() {
			values := make([]interface{}, len(cols))
			ptrs := make([]interface{}, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			rec := make(model.Record, len(cols))
			for i, col := range cols {
				rec[col] = normalizeValue(values[i])
			}
			rs.Rows = append(rs.Rows, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, exception.New(exception.ErrQuery, c.module, "execute failed", err)
	}
	return rs, nil
}

// bulkInsert validates every record key against table's columns and inserts
// all records in one transaction. Any failure rolls back the whole batch.
func (c *sqlCore) bulkInsert(ctx context.Context, h *database.ConnectionHandle, table string, records []model.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	s := c.bind(ctx, h)

	columns, err := c.columns(s, table)
	if err != nil {
		return 0, exception.Newf(exception.ErrQuery, c.module, "cannot read columns of table %s", table, err)
	}
	known := make(map[string]struct{}, len(columns))
	for _, name := range columns {
		known[strings.ToLower(name)] = struct{}{}
	}
	rows := make([]map[string]interface{}, len(records))
	for i, rec := range records {
		for k := range rec {
			if _, ok := known[strings.ToLower(k)]; !ok {
				return 0, exception.Newf(exception.ErrQuery, c.module, "record %d: column %q does not exist in table %s", i, k, table)
			}
		}
		rows[i] = map[string]interface{}(rec)
	}

	chunk := c.chunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	var inserted int64
	err = s.Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(rows); start += chunk {
			end := min(start+chunk, len(rows))
			res := tx.Table(table).Create(rows[start:end])
			if res.Error != nil {
				return fmt.Errorf("rows %d-%d: %w", start, end-1, res.Error)
			}
			inserted += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, exception.Newf(exception.ErrQuery, c.module, "bulk insert into %s rolled back", table, err)
	}
	return inserted, nil
}

// columns lists the columns of table with an empty select on the leased connection.
func (c *sqlCore) columns(s *gorm.DB, table string) ([]string, error) {
	if err := ValidateIdentifier(table); err != nil {
		return nil, err
	}
	rows, err := s.Raw(fmt.Sprintf("SELECT * FROM %s WHERE 1 = 0", s.Statement.Quote(table))).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return rows.Columns()
}

// ensureTable creates table when it does not exist yet.
func (c *sqlCore) ensureTable(ctx context.Context, h *database.ConnectionHandle, table string, columns []database.Column) error {
	if err := ValidateIdentifier(table); err != nil {
		return exception.New(exception.ErrQuery, c.module, "ensure table", err)
	}
	s := c.bind(ctx, h)
	defs := make([]string, 0, len(columns))
	for _, col := range columns {
		if err := ValidateIdentifier(col.Name); err != nil {
			return exception.New(exception.ErrQuery, c.module, "ensure table", err)
		}
		defs = append(defs, s.Statement.Quote(col.Name)+" "+c.dialect.ColumnType(col))
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.Statement.Quote(table), strings.Join(defs, ", "))
	if err := s.Exec(ddl).Error; err != nil {
		return exception.Newf(exception.ErrQuery, c.module, "create table %s", table, err)
	}
	return nil
}

// execAutocommit runs DDL statements one by one outside any transaction.
// Engines such as PostgreSQL refuse CREATE DATABASE inside a transaction block.
func (c *sqlCore) execAutocommit(ctx context.Context, h *database.ConnectionHandle, stmts []string) error {
	s := c.bind(ctx, h)
	for i, stmt := range stmts {
		if err := s.Exec(stmt).Error; err != nil {
			return fmt.Errorf("statement %d of %d: %w", i+1, len(stmts), err)
		}
	}
	return nil
}

// returnsRows decides whether query produces a result set.
func returnsRows(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	for _, p := range []string{"SELECT", "WITH", "PRAGMA", "SHOW", "EXPLAIN", "VALUES", "DESCRIBE"} {
		if strings.HasPrefix(q, p) {
			return true
		}
	}
	return strings.Contains(q, " RETURNING ")
}

func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
