// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sitesync

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/mobiletoly/go-sitesync/syncmodel"
)

// triggerData holds the values substituted into the changelog trigger
// templates.
type triggerData struct {
	Table    string
	StoreNew string
	StoreOld string
	NameNew  string
	NameOld  string
}

const sqliteSourceExpr = `(SELECT apply_source_site_id FROM sync_state WHERE id = 1)`

var sqliteTriggerTemplates = []*template.Template{
	template.Must(template.New("ai").Parse(`CREATE TRIGGER IF NOT EXISTS changelog_{{.Table}}_ai
AFTER INSERT ON {{.Table}}
BEGIN
	INSERT INTO changelog (table_name, record_id, action, store_id, name_id, source_site_id)
	VALUES ('{{.Table}}', NEW.id, 'upsert', {{.StoreNew}}, {{.NameNew}}, ` + sqliteSourceExpr + `);
END`)),
	template.Must(template.New("au").Parse(`CREATE TRIGGER IF NOT EXISTS changelog_{{.Table}}_au
AFTER UPDATE ON {{.Table}}
BEGIN
	INSERT INTO changelog (table_name, record_id, action, store_id, name_id, source_site_id)
	VALUES ('{{.Table}}', NEW.id, 'upsert', {{.StoreNew}}, {{.NameNew}}, ` + sqliteSourceExpr + `);
END`)),
	template.Must(template.New("ad").Parse(`CREATE TRIGGER IF NOT EXISTS changelog_{{.Table}}_ad
AFTER DELETE ON {{.Table}}
BEGIN
	INSERT INTO changelog (table_name, record_id, action, store_id, name_id, source_site_id)
	VALUES ('{{.Table}}', OLD.id, 'delete', {{.StoreOld}}, {{.NameOld}}, ` + sqliteSourceExpr + `);
END`)),
}

// The advisory lock serializes changelog writers so cursor order matches
// commit order and readers never skip a late-committing lower cursor.
var postgresTriggerTemplates = []*template.Template{
	template.Must(template.New("fn").Parse(`CREATE OR REPLACE FUNCTION changelog_{{.Table}}_fn() RETURNS trigger AS $$
DECLARE
	source INTEGER := NULLIF(current_setting('sitesync.source_site_id', true), '')::INTEGER;
BEGIN
	PERFORM pg_advisory_xact_lock(hashtext('sitesync.changelog'));
	IF TG_OP = 'DELETE' THEN
		INSERT INTO changelog (table_name, record_id, action, store_id, name_id, source_site_id)
		VALUES ('{{.Table}}', OLD.id, 'delete', {{.StoreOld}}, {{.NameOld}}, source);
		RETURN OLD;
	END IF;
	INSERT INTO changelog (table_name, record_id, action, store_id, name_id, source_site_id)
	VALUES ('{{.Table}}', NEW.id, 'upsert', {{.StoreNew}}, {{.NameNew}}, source);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`)),
	template.Must(template.New("drop").Parse(`DROP TRIGGER IF EXISTS changelog_{{.Table}} ON {{.Table}}`)),
	template.Must(template.New("create").Parse(`CREATE TRIGGER changelog_{{.Table}}
AFTER INSERT OR UPDATE OR DELETE ON {{.Table}}
FOR EACH ROW EXECUTE FUNCTION changelog_{{.Table}}_fn()`)),
}

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func rowExpr(expr, alias string) string {
	if expr == "" {
		return "NULL"
	}
	return fmt.Sprintf(expr, alias)
}

func renderTriggers(templates []*template.Template, t syncmodel.SyncTable) ([]string, error) {
	if !tableNamePattern.MatchString(t.Name) {
		return nil, fmt.Errorf("invalid sync table name %q", t.Name)
	}
	data := triggerData{
		Table:    t.Name,
		StoreNew: rowExpr(t.StoreExpr, "NEW"),
		StoreOld: rowExpr(t.StoreExpr, "OLD"),
		NameNew:  rowExpr(t.NameExpr, "NEW"),
		NameOld:  rowExpr(t.NameExpr, "OLD"),
	}
	stmts := make([]string, 0, len(templates))
	for _, tmpl := range templates {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to render %s trigger for %s: %w", tmpl.Name(), t.Name, err)
		}
		stmts = append(stmts, buf.String())
	}
	return stmts, nil
}

// installChangelogTriggers creates the changelog triggers of every sync
// table. Each table must exist and have an id column.
func (s *Store) installChangelogTriggers(ctx context.Context, q queryer) error {
	for _, t := range s.syncTables {
		info, err := s.tableInfo.Get(ctx, q, t.Name)
		if err != nil {
			return err
		}
		if info.Column("id") == nil {
			return fmt.Errorf("sync table %s has no id column", t.Name)
		}

		stmts, err := s.dialect.changelogTriggers(t)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if _, err := q.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to install changelog trigger on %s: %w", t.Name, err)
			}
		}
		s.logger.Debug("Installed changelog triggers", "table", t.Name, "columns", strings.Join(info.ColumnNames(), ","))
	}
	return nil
}
