package cdc

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	DefaultFunctionName = "pgrelay_notify_change"
	DefaultTriggerName  = "pgrelay_table_changed"
)

// Execer is satisfied by *pgx.Conn, pgx.Tx and *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Querier is satisfied by *pgx.Conn, pgx.Tx and *pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type TableRef struct {
	Schema string
	Name   string
}

func (t TableRef) String() string {
	return t.Schema + "." + t.Name
}

func (t TableRef) identifier() string {
	return pgx.Identifier{t.Schema, t.Name}.Sanitize()
}

// Installer installs the change trigger function and one trigger per table.
type Installer struct {
	Channel      string
	FunctionName string
	TriggerName  string
}

func NewInstaller(channel string) *Installer {
	return &Installer{
		Channel:      channel,
		FunctionName: DefaultFunctionName,
		TriggerName:  DefaultTriggerName,
	}
}

// ListTables returns user tables, skipping the system schemas. When allow is
// non-empty only tables named there (bare or schema-qualified) are returned.
func ListTables(ctx context.Context, q Querier, allow []string) ([]TableRef, error) {
	rows, err := q.Query(ctx,
		"SELECT schemaname, tablename FROM pg_catalog.pg_tables "+
			"WHERE schemaname NOT IN ('pg_catalog', 'information_schema') "+
			"ORDER BY schemaname, tablename",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	tables, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TableRef, error) {
		var t TableRef
		err := row.Scan(&t.Schema, &t.Name)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan tables: %w", err)
	}

	return FilterTables(tables, allow), nil
}

func FilterTables(tables []TableRef, allow []string) []TableRef {
	if len(allow) == 0 {
		return tables
	}

	allowed := make(map[string]bool, len(allow))
	for _, name := range allow {
		allowed[name] = true
	}

	filtered := make([]TableRef, 0, len(tables))
	for _, t := range tables {
		if allowed[t.Name] || allowed[t.String()] {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// Statements returns the SQL Install executes, in order. Every statement is
// safe to run again against a store that already has the triggers.
func (i *Installer) Statements(tables []TableRef) []string {
	fn := pgx.Identifier{i.FunctionName}.Sanitize()
	trigger := pgx.Identifier{i.TriggerName}.Sanitize()

	stmts := make([]string, 0, 1+2*len(tables))
	stmts = append(stmts, fmt.Sprintf(triggerFunctionSQL, fn, quoteLiteral(i.Channel)))
	for _, t := range tables {
		stmts = append(stmts,
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trigger, t.identifier()),
			fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s "+
				"FOR EACH ROW EXECUTE FUNCTION %s()", trigger, t.identifier(), fn),
		)
	}
	return stmts
}

// Install runs Statements on ex. Callers pass a transaction so a failure on
// any table leaves the store untouched.
func (i *Installer) Install(ctx context.Context, ex Execer, tables []TableRef) error {
	for _, stmt := range i.Statements(tables) {
		if _, err := ex.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to install change trigger: %w", err)
		}
	}
	return nil
}

// Uninstall drops the triggers and the trigger function.
func (i *Installer) Uninstall(ctx context.Context, ex Execer, tables []TableRef) error {
	trigger := pgx.Identifier{i.TriggerName}.Sanitize()
	for _, t := range tables {
		stmt := fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trigger, t.identifier())
		if _, err := ex.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to drop trigger on %s: %w", t, err)
		}
	}

	stmt := fmt.Sprintf("DROP FUNCTION IF EXISTS %s()", pgx.Identifier{i.FunctionName}.Sanitize())
	if _, err := ex.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to drop trigger function: %w", err)
	}
	return nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// NEW is NULL for DELETE and OLD is NULL for INSERT in row-level triggers.
const triggerFunctionSQL = `CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
DECLARE
	payload json;
BEGIN
	payload := json_build_object(
		'operation', TG_OP,
		'table', TG_TABLE_NAME,
		'new_record', CASE WHEN TG_OP IN ('INSERT', 'UPDATE') THEN row_to_json(NEW) END,
		'old_record', CASE WHEN TG_OP IN ('UPDATE', 'DELETE') THEN row_to_json(OLD) END
	);
	PERFORM pg_notify(%s, payload::text);
	RETURN COALESCE(NEW, OLD);
END;
$$ LANGUAGE plpgsql`
