package connectors

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const databaseMaxRows = 1000

// DatabaseConnector runs read-only lookups against an operator-managed
// SQL database, for enrichment steps (asset inventories, user
// directories, threat intel mirrors). Mutations are refused before the
// query is sent and the transaction is opened read-only as a second
// fence.
type DatabaseConnector struct{}

func (DatabaseConnector) Type() string { return "database" }

func (DatabaseConnector) Actions() map[string]ActionSchema {
	return map[string]ActionSchema{
		"lookup": {
			Description:    "run one read-only SQL query",
			RequiredFields: []string{"query"},
			OptionalFields: []string{"max_rows"},
			FieldTypes: map[string]string{
				"query":    FieldString,
				"max_rows": FieldNumber,
			},
		},
		"health": {Description: "ping the configured database"},
	}
}

func (c DatabaseConnector) Execute(ctx context.Context, action string, inputs map[string]any, config map[string]any) (map[string]any, error) {
	driver, _ := config["driver"].(string)
	dsn, _ := config["dsn"].(string)
	if driver == "" || dsn == "" {
		return nil, NewError(CodeInvalidInput, "connector config needs driver and dsn")
	}
	// pgx/v5/stdlib registers as "pgx".
	if driver == "postgres" || driver == "postgresql" {
		driver = "pgx"
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, Errorf(CodeConnectionFailed, "open database: %v", err)
	}
	defer conn.Close()

	switch action {
	case "health":
		if err := conn.PingContext(ctx); err != nil {
			return nil, Errorf(CodeConnectionFailed, "ping: %v", err)
		}
		return map[string]any{"healthy": true}, nil

	case "lookup":
		query, _ := inputs["query"].(string)
		if !isReadOnlyQuery(query) {
			return nil, NewError(CodeForbidden, "only SELECT, SHOW, DESCRIBE and EXPLAIN queries are allowed")
		}
		if hasMultipleStatements(query) {
			return nil, NewError(CodeForbidden, "query contains multiple statements or comments")
		}

		maxRows := databaseMaxRows
		if n, ok := inputs["max_rows"].(float64); ok && n > 0 && int(n) < maxRows {
			maxRows = int(n)
		}

		tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return nil, Errorf(CodeConnectionFailed, "begin read-only transaction: %v", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, NewError(CodeTimeout, "query timed out")
			}
			return nil, Errorf(CodeInvalidInput, "query failed: %v", err)
		}
		defer rows.Close()

		return collectRows(rows, maxRows)

	default:
		return nil, Errorf(CodeInvalidAction, "database does not support %q", action)
	}
}

func isReadOnlyQuery(query string) bool {
	normalized := strings.TrimSpace(strings.ToUpper(query))
	for _, prefix := range []string{"SELECT", "SHOW", "DESCRIBE", "DESC ", "EXPLAIN"} {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

func hasMultipleStatements(query string) bool {
	trimmed := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(query), ";"))
	if strings.Contains(trimmed, ";") {
		return true
	}
	return strings.Contains(query, "--") || strings.Contains(query, "/*")
}

func collectRows(rows *sql.Rows, maxRows int) (map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, Errorf(CodeInternal, "read columns: %v", err)
	}

	out := make([]map[string]any, 0)
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	truncated := false
	for rows.Next() {
		if len(out) >= maxRows {
			truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, Errorf(CodeInternal, "scan row: %v", err)
		}
		record := make(map[string]any, len(columns))
		for i, column := range columns {
			switch v := values[i].(type) {
			case []byte:
				record[column] = string(v)
			default:
				record[column] = v
			}
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, Errorf(CodeInternal, "iterate rows: %v", err)
	}

	return map[string]any{
		"rows":      out,
		"row_count": float64(len(out)),
		"truncated": truncated,
	}, nil
}
