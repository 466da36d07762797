package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/kdimtricp/framesearch/internal/logger"
	"github.com/kdimtricp/framesearch/internal/models"
)

const (
	defaultIVFLists = 512
	// trainRowsPerList is how many rows per IVF list must exist before the
	// ANN index is built. Below that the table is scanned exactly.
	trainRowsPerList = 10
)

type PGVectorConfig struct {
	// Schema plays the role of the vector database name.
	Schema     string
	Collection string
	Metric     Metric
	NProbe     int
	Dimensions int
	Lists      int
}

// PGVector stores frame vectors in a Postgres table with an IVF_FLAT index.
// Every read or delete runs on a dedicated pooled connection with
// ivfflat.probes set, and the connection is reset and released afterwards.
// On pgvector 0.8+ scans are iterative, so a search keeps probing lists until
// it has Limit rows.
type PGVector struct {
	pool      *pgxpool.Pool
	cfg       PGVectorConfig
	table     string
	iterative bool
	logger    *slog.Logger
}

func quoteIdent(ident string) (string, error) {
	ident = strings.TrimSpace(ident)
	if ident == "" {
		return "", fmt.Errorf("empty identifier")
	}
	for _, r := range ident {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return "", fmt.Errorf("invalid identifier %q", ident)
	}
	return `"` + ident + `"`, nil
}

func NewPGVector(pool *pgxpool.Pool, cfg PGVectorConfig, log *slog.Logger) (*PGVector, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	schema, err := quoteIdent(cfg.Schema)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	table, err := quoteIdent(cfg.Collection)
	if err != nil {
		return nil, fmt.Errorf("invalid collection: %w", err)
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricIP
	}
	if cfg.NProbe < 1 {
		cfg.NProbe = 1
	}
	if cfg.Lists < 1 {
		cfg.Lists = defaultIVFLists
	}
	return &PGVector{
		pool:   pool,
		cfg:    cfg,
		table:  schema + "." + table,
		logger: logger.OrDefault(log),
	}, nil
}

func (p *PGVector) Collection() string { return p.cfg.Collection }

func (p *PGVector) operator() string {
	if p.cfg.Metric == MetricL2 {
		return "<->"
	}
	return "<#>"
}

func (p *PGVector) opclass() string {
	if p.cfg.Metric == MetricL2 {
		return "vector_l2_ops"
	}
	return "vector_ip_ops"
}

// EnsureSchema creates the extension, schema, table and video index if
// missing, and the IVF_FLAT index once the table holds enough rows to train it.
func (p *PGVector) EnsureSchema(ctx context.Context) error {
	schema, _ := quoteIdent(p.cfg.Schema)
	videoIndex, _ := quoteIdent(p.cfg.Collection + "_video_id_idx")

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			video_id TEXT NOT NULL,
			at_seconds INTEGER NOT NULL CHECK (at_seconds >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, p.table, p.cfg.Dimensions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (video_id)`, videoIndex, p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrapf(err, "failed to prepare collection %s", p.cfg.Collection)
		}
	}

	var version string
	if err := p.pool.QueryRow(ctx, `SELECT extversion FROM pg_extension WHERE extname = 'vector'`).Scan(&version); err != nil {
		return errors.Wrap(err, "failed to read pgvector version")
	}
	p.iterative = supportsIterativeScan(version)
	if !p.iterative {
		p.logger.Warn("pgvector has no iterative index scans; searches may return fewer rows than requested",
			"version", version, "collection", p.cfg.Collection)
	}

	_, err := p.BuildIndex(ctx)
	return err
}

// BuildIndex creates the IVF_FLAT index if it is missing and the table has at
// least Lists*trainRowsPerList rows. It reports whether the index exists.
func (p *PGVector) BuildIndex(ctx context.Context) (bool, error) {
	name := p.cfg.Collection + "_embedding_idx"
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE schemaname = $1 AND indexname = $2)`,
		p.cfg.Schema, name).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to look up vector index")
	}
	if exists {
		return true, nil
	}

	rows, err := p.Count(ctx)
	if err != nil {
		return false, err
	}
	if rows < int64(p.cfg.Lists*trainRowsPerList) {
		p.logger.Debug("deferring vector index build", "collection", p.cfg.Collection, "rows", rows, "lists", p.cfg.Lists)
		return false, nil
	}

	index, _ := quoteIdent(name)
	stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING ivfflat (embedding %s) WITH (lists = %d)`,
		index, p.table, p.opclass(), p.cfg.Lists)
	if _, err := p.pool.Exec(ctx, stmt); err != nil {
		return false, errors.Wrapf(err, "failed to build vector index on %s", p.cfg.Collection)
	}
	p.logger.Info("vector index built", "collection", p.cfg.Collection, "rows", rows, "lists", p.cfg.Lists)
	return true, nil
}

// supportsIterativeScan reports whether a pgvector extension version has
// ivfflat.iterative_scan (0.8.0 and later).
func supportsIterativeScan(version string) bool {
	var major, minor int
	if _, err := fmt.Sscanf(version, "%d.%d", &major, &minor); err != nil {
		return false
	}
	return major > 0 || minor >= 8
}

// withPartition acquires a connection, loads search parameters onto it and
// guarantees release whether fn succeeds or not.
func (p *PGVector) withPartition(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to acquire connection")
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), "RESET ivfflat.probes"); err != nil {
			p.logger.Warn("failed to reset search parameters", "collection", p.cfg.Collection, "error", err)
		}
		if p.iterative {
			if _, err := conn.Exec(context.Background(), "RESET ivfflat.iterative_scan"); err != nil {
				p.logger.Warn("failed to reset search parameters", "collection", p.cfg.Collection, "error", err)
			}
		}
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", p.cfg.NProbe)); err != nil {
		return errors.Wrap(err, "failed to load search parameters")
	}
	if p.iterative {
		if _, err := conn.Exec(ctx, "SET ivfflat.iterative_scan = relaxed_order"); err != nil {
			return errors.Wrap(err, "failed to load search parameters")
		}
	}
	return fn(conn)
}

func (p *PGVector) InsertBatch(ctx context.Context, records []models.FrameRecord) error {
	if len(records) == 0 {
		return nil
	}
	fail := func(err error) error {
		return &models.StoreWriteError{Collection: p.cfg.Collection, Count: len(records), Err: err}
	}
	if err := validateRecords(records, p.cfg.Dimensions); err != nil {
		return fail(err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, embedding, video_id, at_seconds)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`, p.table)

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, r := range records {
			batch.Queue(query, r.ID, pgvector.NewVector(r.Embedding), r.VideoID, r.AtSeconds)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fail(errors.Wrap(err, "batch insert"))
	}
	return nil
}

func (p *PGVector) Search(ctx context.Context, req SearchRequest) ([]models.SearchHit, error) {
	if err := req.validate(p.cfg.Dimensions); err != nil {
		return nil, &models.StoreReadError{Op: "search", Err: err}
	}

	cols := "id, video_id, at_seconds, distance"
	if req.WithEmbedding {
		cols += ", embedding"
	}
	args := []any{pgvector.NewVector(req.Vector), req.Limit, req.Offset, req.Limit + req.Offset}
	where := ""
	if req.VideoID != "" {
		where = "WHERE video_id = $5"
		args = append(args, req.VideoID)
	}
	// relaxed_order scans may return the window slightly out of order, so it
	// is re-sorted before paging
	query := fmt.Sprintf(`WITH candidates AS MATERIALIZED (
			SELECT id, video_id, at_seconds, embedding, embedding %[1]s $1 AS distance
			FROM %[2]s %[3]s
			ORDER BY embedding %[1]s $1
			LIMIT $4
		)
		SELECT %[4]s FROM candidates ORDER BY distance, id LIMIT $2 OFFSET $3`,
		p.operator(), p.table, where, cols)

	hits := []models.SearchHit{}
	err := p.withPartition(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				hit  models.SearchHit
				dist float64
				vec  pgvector.Vector
			)
			dest := []any{&hit.ID, &hit.VideoID, &hit.AtSeconds, &dist}
			if req.WithEmbedding {
				dest = append(dest, &vec)
			}
			if err := rows.Scan(dest...); err != nil {
				return err
			}
			hit.Score = score(dist)
			if req.WithEmbedding {
				hit.Embedding = vec.Slice()
			}
			hits = append(hits, hit)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, &models.StoreReadError{Op: "search", Err: errors.Wrapf(err, "collection %s", p.cfg.Collection)}
	}
	return hits, nil
}

func (p *PGVector) QueryByIDs(ctx context.Context, ids []string) ([]models.FrameRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT id, embedding, video_id, at_seconds FROM %s WHERE id = ANY($1)`, p.table)

	var out []models.FrameRecord
	err := p.withPartition(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, ids)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r   models.FrameRecord
				vec pgvector.Vector
			)
			if err := rows.Scan(&r.ID, &vec, &r.VideoID, &r.AtSeconds); err != nil {
				return err
			}
			r.Embedding = vec.Slice()
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, &models.StoreReadError{Op: "query", Err: err}
	}
	return out, nil
}

func (p *PGVector) QueryByVideo(ctx context.Context, videoID string) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE video_id = $1 ORDER BY at_seconds, id`, p.table)

	var ids []string
	err := p.withPartition(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, videoID)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	if err != nil {
		return nil, &models.StoreReadError{Op: "query", Err: err}
	}
	return ids, nil
}

func (p *PGVector) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, p.table)

	var n int64
	err := p.withPartition(ctx, func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, query, ids)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, &models.StoreWriteError{Collection: p.cfg.Collection, Count: len(ids), Err: errors.Wrap(err, "delete")}
	}
	return n, nil
}

func (p *PGVector) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, p.table)).Scan(&n); err != nil {
		return 0, &models.StoreReadError{Op: "count", Err: err}
	}
	return n, nil
}

func (p *PGVector) Close() {
	p.pool.Close()
}
