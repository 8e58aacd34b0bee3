package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/botkita/flowcore/cmd/flowrunner/loader"
	"github.com/botkita/flowcore/common/config"
	"github.com/botkita/flowcore/common/logger"
	"github.com/botkita/flowcore/common/sdk"
)

// Source resolves a flow name to a loaded, validated flow. The file source
// serves development and single-host setups; the Postgres repository serves
// fleets that share definitions.
type Source interface {
	Get(ctx context.Context, name string) (*sdk.Flow, error)
}

// FileSource loads flows from a base directory, in either format.
type FileSource struct {
	dir string
}

// NewFileSource creates a file-backed flow source
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// Get loads the named flow. A bare name resolves to <name>.json under the
// base directory; a name with an extension is used as-is.
func (s *FileSource) Get(_ context.Context, name string) (*sdk.Flow, error) {
	path := filepath.Join(s.dir, name)
	if filepath.Ext(name) == "" {
		path += ".json"
	}
	return loader.LoadFile(path)
}

// Path resolves a flow name to its on-disk path without loading it.
func (s *FileSource) Path(name string) string {
	path := filepath.Join(s.dir, name)
	if filepath.Ext(name) == "" {
		path += ".json"
	}
	return path
}

// NewPool creates the Postgres connection pool for the flow repository.
func NewPool(ctx context.Context, cfg *config.Config, log *logger.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("database connected", "host", cfg.Database.Host, "db", cfg.Database.Database)
	return pool, nil
}

// FlowRepository stores flow definitions as JSON documents in Postgres.
type FlowRepository struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewFlowRepository creates a flow repository over the given pool
func NewFlowRepository(pool *pgxpool.Pool, log *logger.Logger) *FlowRepository {
	return &FlowRepository{pool: pool, log: log}
}

// Get loads and validates the named flow definition.
func (r *FlowRepository) Get(ctx context.Context, name string) (*sdk.Flow, error) {
	query := `
		SELECT definition
		FROM flows
		WHERE flow_id = $1
	`

	var definition []byte
	if err := r.pool.QueryRow(ctx, query, name).Scan(&definition); err != nil {
		return nil, fmt.Errorf("get flow %s: %w", name, err)
	}

	return loader.Parse(definition)
}

// Save upserts a flow definition under its flow id.
func (r *FlowRepository) Save(ctx context.Context, flow *sdk.Flow) error {
	definition, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("encode flow %s: %w", flow.FlowID, err)
	}

	query := `
		INSERT INTO flows (flow_id, definition, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (flow_id) DO UPDATE
		SET definition = EXCLUDED.definition, updated_at = now()
	`

	if _, err := r.pool.Exec(ctx, query, flow.FlowID, definition); err != nil {
		return fmt.Errorf("save flow %s: %w", flow.FlowID, err)
	}

	r.log.Info("flow saved", "flow_id", flow.FlowID)
	return nil
}

// List returns all stored flow ids.
func (r *FlowRepository) List(ctx context.Context) ([]string, error) {
	query := `
		SELECT flow_id
		FROM flows
		ORDER BY flow_id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan flow id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a stored flow definition.
func (r *FlowRepository) Delete(ctx context.Context, flowID string) error {
	query := `
		DELETE FROM flows
		WHERE flow_id = $1
	`

	if _, err := r.pool.Exec(ctx, query, flowID); err != nil {
		return fmt.Errorf("delete flow %s: %w", flowID, err)
	}
	return nil
}

// ImportDir loads every textual flow in a directory into the repository.
// Used to seed Postgres from a flow directory at rollout.
func (r *FlowRepository) ImportDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read flow dir: %w", err)
	}

	imported := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		flow, err := loader.ParseFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return imported, err
		}
		if err := r.Save(ctx, flow); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}
