package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/memcube/internal/schema"
)

// timeLayout is fixed-width so lexicographic order on the column matches
// chronological order. Eviction relies on that for its oldest-first scan.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the durable backend. Writes are serialized through a mutex
// on top of WAL mode, matching sqlite's single-writer reality.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			cube_id TEXT NOT NULL,
			tier TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'activated',
			content TEXT NOT NULL,
			key TEXT NOT NULL DEFAULT '',
			background TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0.99,
			tags TEXT NOT NULL DEFAULT '[]',
			sources TEXT NOT NULL DEFAULT '[]',
			embedding BLOB,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_owner ON nodes(user_id, cube_id, tier, status, created_at)`,
		`CREATE TABLE IF NOT EXISTS edges (
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			edge_type TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (from_id, to_id, edge_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id, edge_type)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) AddNode(ctx context.Context, rec *schema.MemoryRecord) error {
	if err := validateRecord(rec); err != nil {
		return fmt.Errorf("add node: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, rec.ID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("add node %s: %w", rec.ID, ErrExists)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("add node %s: %w", rec.ID, err)
	}

	blob, tags, sources, err := encodeNodeFields(rec)
	if err != nil {
		return fmt.Errorf("add node %s: %w", rec.ID, err)
	}

	now := time.Now().UTC()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	status := rec.Status
	if status == "" {
		status = schema.StatusActivated
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, user_id, cube_id, tier, status, content, key, background,
		                   confidence, tags, sources, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Owner.UserID, rec.Owner.CubeID, string(rec.Tier), string(status),
		rec.Content, rec.Key, rec.Background, rec.Confidence, tags, sources, blob,
		formatTime(createdAt), formatTime(updatedAt))
	if err != nil {
		return fmt.Errorf("add node %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetNodes(ctx context.Context, ids []string) ([]*schema.MemoryRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id IN (` + placeholders(len(ids)) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get nodes: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*schema.MemoryRecord, len(ids))
	for rows.Next() {
		rec, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("get nodes: %w", err)
		}
		byID[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get nodes: %w", err)
	}

	// preserve request order, drop missing ids
	out := make([]*schema.MemoryRecord, 0, len(byID))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			out = append(out, rec)
			delete(byID, id)
		}
	}
	return out, nil
}

func (s *SQLiteStore) UpdateNode(ctx context.Context, rec *schema.MemoryRecord) error {
	if err := validateRecord(rec); err != nil {
		return fmt.Errorf("update node: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	blob, tags, sources, err := encodeNodeFields(rec)
	if err != nil {
		return fmt.Errorf("update node %s: %w", rec.ID, err)
	}

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes
		SET tier = ?, status = ?, content = ?, key = ?, background = ?,
		    confidence = ?, tags = ?, sources = ?, embedding = ?, updated_at = ?
		WHERE id = ?
	`, string(rec.Tier), string(rec.Status), rec.Content, rec.Key, rec.Background,
		rec.Confidence, tags, sources, blob, formatTime(updatedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("update node %s: %w", rec.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update node %s: %w", rec.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("update node %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

// DeleteNode removes a node and every edge touching it. Deleting a missing
// node is a no-op so eviction and conflict resolution can race safely.
func (s *SQLiteStore) DeleteNode(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("delete node: empty id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE from_id = ? OR to_id = ?`, id, id); err != nil {
		return fmt.Errorf("delete node %s edges: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ListByTier(ctx context.Context, owner schema.Owner, tier schema.Tier, limit int) ([]*schema.MemoryRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE user_id = ? AND cube_id = ? AND tier = ? AND status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, owner.UserID, owner.CubeID, string(tier), string(schema.StatusActivated), limit)
	if err != nil {
		return nil, fmt.Errorf("list tier %s: %w", tier, err)
	}
	defer rows.Close()

	var out []*schema.MemoryRecord
	for rows.Next() {
		rec, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("list tier %s: %w", tier, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tier %s: %w", tier, err)
	}
	return out, nil
}

func (s *SQLiteStore) SearchByEmbedding(ctx context.Context, vec []float32, q SearchQuery) ([]SearchHit, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("search: empty vector")
	}

	query := `SELECT ` + nodeColumns + ` FROM nodes
		WHERE user_id = ? AND cube_id = ? AND status = ? AND embedding IS NOT NULL`
	args := []any{q.Owner.UserID, q.Owner.CubeID, string(schema.StatusActivated)}
	if len(q.Scopes) > 0 {
		query += ` AND tier IN (` + placeholders(len(q.Scopes)) + `)`
		for _, scope := range q.Scopes {
			args = append(args, string(scope))
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		rec, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
		if idExcluded(rec.ID, q.Exclude) || len(rec.Embedding) == 0 {
			continue
		}
		score := Cosine(vec, rec.Embedding)
		if q.Threshold > 0 && score < q.Threshold {
			continue
		}
		hits = append(hits, SearchHit{Record: rec, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	sortHits(hits)
	if q.TopK > 0 && len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

func (s *SQLiteStore) GetEdges(ctx context.Context, id, edgeType string, dir Direction) ([]Edge, error) {
	query := `SELECT from_id, to_id, edge_type FROM edges WHERE `
	var args []any
	switch dir {
	case DirectionOut:
		query += `from_id = ?`
		args = append(args, id)
	case DirectionIn:
		query += `to_id = ?`
		args = append(args, id)
	default:
		query += `(from_id = ? OR to_id = ?)`
		args = append(args, id, id)
	}
	if edgeType != "" {
		query += ` AND edge_type = ?`
		args = append(args, edgeType)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get edges %s: %w", id, err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.From, &e.To, &e.Type); err != nil {
			return nil, fmt.Errorf("get edges %s: %w", id, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get edges %s: %w", id, err)
	}
	return out, nil
}

// AddEdge is idempotent; re-adding an existing edge is a no-op. Self-loops
// are rejected.
func (s *SQLiteStore) AddEdge(ctx context.Context, from, to, edgeType string) error {
	if from == "" || to == "" || edgeType == "" {
		return fmt.Errorf("add edge: empty endpoint or type")
	}
	if from == to {
		return fmt.Errorf("add edge: self-loop on %s", from)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO edges (from_id, to_id, edge_type, created_at) VALUES (?, ?, ?, ?)
	`, from, to, edgeType, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("add edge %s->%s: %w", from, to, err)
	}
	return nil
}

func (s *SQLiteStore) EdgeExists(ctx context.Context, from, to, edgeType string, dir Direction) (bool, error) {
	check := func(a, b string) (bool, error) {
		query := `SELECT 1 FROM edges WHERE from_id = ? AND to_id = ?`
		args := []any{a, b}
		if edgeType != "" {
			query += ` AND edge_type = ?`
			args = append(args, edgeType)
		}
		var one int
		err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("edge exists: %w", err)
		}
		return true, nil
	}

	switch dir {
	case DirectionOut:
		return check(from, to)
	case DirectionIn:
		return check(to, from)
	default:
		ok, err := check(from, to)
		if err != nil || ok {
			return ok, err
		}
		return check(to, from)
	}
}

// RemoveOldestMemory deletes activated records beyond keepLatest for the
// owner's tier, oldest first. Running it again with the same bound removes
// nothing further.
func (s *SQLiteStore) RemoveOldestMemory(ctx context.Context, owner schema.Owner, tier schema.Tier, keepLatest int) (int, error) {
	if keepLatest < 0 {
		return 0, fmt.Errorf("remove oldest: negative keep %d", keepLatest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("remove oldest: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM nodes
		WHERE user_id = ? AND cube_id = ? AND tier = ? AND status = ?
		ORDER BY created_at ASC, id ASC
	`, owner.UserID, owner.CubeID, string(tier), string(schema.StatusActivated))
	if err != nil {
		return 0, fmt.Errorf("remove oldest: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("remove oldest: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("remove oldest: %w", err)
	}
	rows.Close()

	if len(ids) <= keepLatest {
		return 0, nil
	}
	victims := ids[:len(ids)-keepLatest]

	args := make([]any, len(victims))
	for i, id := range victims {
		args[i] = id
	}
	ph := placeholders(len(victims))
	edgeArgs := append(append([]any{}, args...), args...)
	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE from_id IN (`+ph+`) OR to_id IN (`+ph+`)`, edgeArgs...); err != nil {
		return 0, fmt.Errorf("remove oldest edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id IN (`+ph+`)`, args...); err != nil {
		return 0, fmt.Errorf("remove oldest: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("remove oldest: %w", err)
	}
	return len(victims), nil
}

func (s *SQLiteStore) GroupedCounts(ctx context.Context, owner schema.Owner) (map[schema.Tier]map[schema.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tier, status, COUNT(*) FROM nodes
		WHERE user_id = ? AND cube_id = ?
		GROUP BY tier, status
	`, owner.UserID, owner.CubeID)
	if err != nil {
		return nil, fmt.Errorf("grouped counts: %w", err)
	}
	defer rows.Close()

	out := make(map[schema.Tier]map[schema.Status]int)
	for rows.Next() {
		var tier, status string
		var count int
		if err := rows.Scan(&tier, &status, &count); err != nil {
			return nil, fmt.Errorf("grouped counts: %w", err)
		}
		t := schema.Tier(tier)
		if out[t] == nil {
			out[t] = make(map[schema.Status]int)
		}
		out[t][schema.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("grouped counts: %w", err)
	}
	return out, nil
}

const nodeColumns = `id, user_id, cube_id, tier, status, content, key, background,
	confidence, tags, sources, embedding, created_at, updated_at`

func scanNode(rows *sql.Rows) (*schema.MemoryRecord, error) {
	var rec schema.MemoryRecord
	var tier, status, tags, sources, createdAt, updatedAt string
	var blob []byte

	if err := rows.Scan(
		&rec.ID,
		&rec.Owner.UserID,
		&rec.Owner.CubeID,
		&tier,
		&status,
		&rec.Content,
		&rec.Key,
		&rec.Background,
		&rec.Confidence,
		&tags,
		&sources,
		&blob,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}

	rec.Tier = schema.Tier(tier)
	rec.Status = schema.Status(status)
	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return nil, fmt.Errorf("scan node %s tags: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(sources), &rec.Sources); err != nil {
		return nil, fmt.Errorf("scan node %s sources: %w", rec.ID, err)
	}
	if len(blob) > 0 {
		vec, err := DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("scan node %s embedding: %w", rec.ID, err)
		}
		rec.Embedding = vec
	}

	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("scan node %s created_at: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("scan node %s updated_at: %w", rec.ID, err)
	}
	return &rec, nil
}

func encodeNodeFields(rec *schema.MemoryRecord) (blob []byte, tags, sources string, err error) {
	if len(rec.Embedding) > 0 {
		blob, err = EncodeVector(rec.Embedding)
		if err != nil {
			return nil, "", "", err
		}
	}

	tagsJSON, err := json.Marshal(nonNil(rec.Tags))
	if err != nil {
		return nil, "", "", fmt.Errorf("marshal tags: %w", err)
	}
	sourcesJSON, err := json.Marshal(nonNil(rec.Sources))
	if err != nil {
		return nil, "", "", fmt.Errorf("marshal sources: %w", err)
	}
	return blob, string(tagsJSON), string(sourcesJSON), nil
}

func validateRecord(rec *schema.MemoryRecord) error {
	if rec == nil {
		return fmt.Errorf("nil record")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("empty id")
	}
	if rec.Owner.UserID == "" || rec.Owner.CubeID == "" {
		return fmt.Errorf("record %s: empty owner", rec.ID)
	}
	if !schema.ValidTier(rec.Tier) {
		return fmt.Errorf("record %s: invalid tier %q", rec.ID, rec.Tier)
	}
	if strings.TrimSpace(rec.Content) == "" {
		return fmt.Errorf("record %s: empty content", rec.ID)
	}
	return nil
}

func sortHits(hits []SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Record.ID < hits[j].Record.ID
	})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = "?"
	}
	return strings.Join(parts, ",")
}
