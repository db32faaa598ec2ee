package sink

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	sqlfiles "lookout/pkg/database/sql"
)

const schemaFile = "clickhouse/telemetry.sql"

// EnsureSchema creates the telemetry tables if they do not exist.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	raw, err := fs.ReadFile(sqlfiles.Content, schemaFile)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	stmts := splitStatements(string(raw))
	for _, stmt := range stmts {
		if err := w.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	w.logger.WithField("statements", len(stmts)).Info("Applied ClickHouse schema")
	return nil
}

// splitStatements drops comment lines and splits on semicolons.
func splitStatements(script string) []string {
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var out []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
