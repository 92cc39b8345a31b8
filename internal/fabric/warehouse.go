package fabric

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aamlabs/agent-fabric/internal/domain"
)

// PGStagingWriter is the data-warehouse plane sink. Every routed action
// lands as one row in a fixed-shape staging table; ELT jobs own the merge
// into final tables, so UPSERT and INSERT both append here and the
// operation column tells the merge job what to do.
type PGStagingWriter struct {
	pool *pgxpool.Pool
}

// NewPGStagingWriter connects a pgx pool with otel instrumentation.
func NewPGStagingWriter(ctx domain.Context, databaseURL string) (*PGStagingWriter, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("op=fabric.NewPGStagingWriter parse: %w", err)
	}
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=fabric.NewPGStagingWriter connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=fabric.NewPGStagingWriter ping: %w", err)
	}
	return &PGStagingWriter{pool: pool}, nil
}

// Write appends one staging row. The table name comes from the route table,
// never from agent input.
func (w *PGStagingWriter) Write(ctx domain.Context, schema, table, operation string, row map[string]any) error {
	payload, err := json.Marshal(row["payload"])
	if err != nil {
		return fmt.Errorf("op=fabric.Write marshal: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s.%s
			(entity_id, entity_type, action_type, operation, agent_id, tenant_id, correlation_id, payload, routed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pgIdent(schema), pgIdent(table))

	_, err = w.pool.Exec(ctx, query,
		row["entity_id"], row["entity_type"], row["action_type"], operation,
		row["agent_id"], row["tenant_id"], row["correlation_id"], payload, row["routed_at"])
	if err != nil {
		return fmt.Errorf("op=fabric.Write table=%s.%s: %w", schema, table, err)
	}
	slog.Debug("staging row written",
		slog.String("table", schema+"."+table),
		slog.String("operation", operation))
	return nil
}

// Close releases the pool.
func (w *PGStagingWriter) Close() {
	w.pool.Close()
}

// pgIdent quotes an identifier. Schema and table names come from the route
// tables only, but quoting keeps a malformed override from breaking the
// statement.
func pgIdent(s string) string {
	out := make([]rune, 0, len(s)+2)
	out = append(out, '"')
	for _, r := range s {
		if r == '"' {
			continue
		}
		out = append(out, r)
	}
	return string(append(out, '"'))
}
