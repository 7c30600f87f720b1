package changelog

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/natew/orez/engine"
)

// ColumnLister returns the column names of table, in a stable order. The
// caller supplies it (the supervisor takes it from Dependencies.Columns),
// so Install never needs engine-specific introspection SQL.
type ColumnLister func(ctx context.Context, table string) ([]string, error)

// Install is idempotent (spec.md §4.1): it diffs the live trigger set
// (tracked in _zero_triggers) against the desired publication table set
// and only issues CREATE/DROP for the delta, per SPEC_FULL.md's supplement
// on what "idempotent" means in practice.
func Install(ctx context.Context, d engine.Driver, inst engine.Instance, publication []string, columns ColumnLister) error {
	if err := CreateInternalSchema(ctx, d, inst); err != nil {
		return err
	}

	desired := make(map[string]bool, len(publication))
	for _, t := range publication {
		if IsExcluded(t) {
			continue
		}
		desired[t] = true
	}

	existing, err := existingTriggers(ctx, d, inst)
	if err != nil {
		return err
	}

	for table := range existing {
		if desired[table] {
			continue
		}
		if err := dropTrigger(ctx, d, inst, table); err != nil {
			return err
		}
	}

	for table := range desired {
		if existing[table] {
			continue
		}
		cols, err := columns(ctx, table)
		if err != nil {
			return errors.Wrapf(err, "changelog: columns for %q", table)
		}
		if len(cols) == 0 {
			continue
		}
		if err := createTrigger(ctx, d, inst, table, cols); err != nil {
			return err
		}
	}

	return nil
}

func existingTriggers(ctx context.Context, d engine.Driver, inst engine.Instance) (map[string]bool, error) {
	rows, err := d.Query(ctx, inst, `SELECT table_name FROM `+tableTriggers)
	if err != nil {
		return nil, errors.Wrap(err, "changelog: list triggers")
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "changelog: scan trigger row")
		}
		out[name] = true
	}
	return out, rows.Err()
}

func triggerName(table string) string {
	return InternalPrefix + "trig_" + sanitize(table)
}

func functionName(table string) string {
	return InternalPrefix + "trigfn_" + sanitize(table)
}

func sanitize(table string) string {
	return strings.NewReplacer(".", "_", `"`, "").Replace(table)
}

// triggerFunctionSQL renders the PL/pgSQL trigger function that mirrors
// RecordChange for the embedded engine's own trigger execution path: one
// row inserted into _zero_changes per affected row, new/old images
// JSON-encoded via the standard-conforming JSON_OBJECT constructor (spec
// §4.1's "engine's native row-to-JSON").
func triggerFunctionSQL(table string, cols []string) string {
	newObj := jsonObjectExpr(cols, "NEW")
	oldObj := jsonObjectExpr(cols, "OLD")

	return fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS TRIGGER AS $$
DECLARE
	next_watermark BIGINT;
BEGIN
	UPDATE %s SET value = value + 1 WHERE id = 1 RETURNING value INTO next_watermark;
	IF TG_OP = 'INSERT' THEN
		INSERT INTO %s (watermark, table_name, op, row_data, old_data, changed_at)
			VALUES (next_watermark, TG_TABLE_SCHEMA || '.' || TG_TABLE_NAME, 'INSERT', %s, NULL, now());
	ELSIF TG_OP = 'UPDATE' THEN
		INSERT INTO %s (watermark, table_name, op, row_data, old_data, changed_at)
			VALUES (next_watermark, TG_TABLE_SCHEMA || '.' || TG_TABLE_NAME, 'UPDATE', %s, %s, now());
	ELSIF TG_OP = 'DELETE' THEN
		INSERT INTO %s (watermark, table_name, op, row_data, old_data, changed_at)
			VALUES (next_watermark, TG_TABLE_SCHEMA || '.' || TG_TABLE_NAME, 'DELETE', NULL, %s, now());
	END IF;
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;`,
		functionName(table), tableWatermark, tableChanges, newObj, tableChanges, newObj, oldObj, tableChanges, oldObj)
}

func jsonObjectExpr(cols []string, record string) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, fmt.Sprintf("'%s', %s.%s", c, record, c))
	}
	return "JSON_OBJECT(" + strings.Join(parts, ", ") + ")"
}

func createTriggerSQL(table string) string {
	return fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s
	FOR EACH ROW EXECUTE FUNCTION %s();`, triggerName(table), table, functionName(table))
}

func createTrigger(ctx context.Context, d engine.Driver, inst engine.Instance, table string, cols []string) error {
	if err := d.Exec(ctx, inst, triggerFunctionSQL(table, cols)); err != nil {
		return errors.Wrapf(err, "changelog: create trigger function for %q", table)
	}
	if err := d.Exec(ctx, inst, createTriggerSQL(table)); err != nil {
		return errors.Wrapf(err, "changelog: create trigger for %q", table)
	}
	if err := d.Exec(ctx, inst, `INSERT INTO `+tableTriggers+` (table_name) VALUES (?)`, table); err != nil {
		return errors.Wrapf(err, "changelog: record trigger for %q", table)
	}
	return nil
}

func dropTrigger(ctx context.Context, d engine.Driver, inst engine.Instance, table string) error {
	stmts := []string{
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, triggerName(table), table),
		fmt.Sprintf(`DROP FUNCTION IF EXISTS %s()`, functionName(table)),
	}
	for _, stmt := range stmts {
		if err := d.Exec(ctx, inst, stmt); err != nil {
			return errors.Wrapf(err, "changelog: drop trigger for %q", table)
		}
	}
	if err := d.Exec(ctx, inst, `DELETE FROM `+tableTriggers+` WHERE table_name = ?`, table); err != nil {
		return errors.Wrapf(err, "changelog: forget trigger for %q", table)
	}
	return nil
}
