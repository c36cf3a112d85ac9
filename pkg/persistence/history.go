package persistence

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"boardroom/pkg/proto"
)

// AppendHistory writes one append-only history record. The embedding may be
// nil when the embedder is unavailable; such rows still participate in
// recency retrieval.
func (s *Store) AppendHistory(rec *HistoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := proto.ValidateHistoryAction(rec.ActionType); err != nil {
		return err
	}

	var blob []byte
	if len(rec.Embedding) > 0 {
		blob = encodeEmbedding(rec.Embedding)
	}
	_, err := s.db.Exec(`
		INSERT INTO agent_history (id, agent_id, action_type, summary, details, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentID, string(rec.ActionType), rec.Summary, rec.Details, blob, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append history for %s: %w", rec.AgentID, err)
	}
	return nil
}

// RecentHistory returns the newest records for an agent, newest first.
func (s *Store) RecentHistory(agentID string, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, agent_id, action_type, summary, details, embedding, created_at
		FROM agent_history WHERE agent_id = ?
		ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", agentID, err)
	}
	defer func() { _ = rows.Close() }()
	return scanHistoryRows(rows)
}

// SimilarHistory returns the k records nearest to the query embedding by
// cosine similarity. Rows without embeddings are skipped. An empty query
// vector degrades to recency order.
func (s *Store) SimilarHistory(agentID string, query []float32, k int) ([]ScoredHistory, error) {
	if k <= 0 {
		k = 5
	}
	if len(query) == 0 {
		recent, err := s.RecentHistory(agentID, k)
		if err != nil {
			return nil, err
		}
		scored := make([]ScoredHistory, 0, len(recent))
		for _, r := range recent {
			scored = append(scored, ScoredHistory{Record: r})
		}
		return scored, nil
	}

	// The roster is seven agents with bounded history; a full scan with
	// in-process scoring beats maintaining an ANN index.
	rows, err := s.db.Query(`
		SELECT id, agent_id, action_type, summary, details, embedding, created_at
		FROM agent_history WHERE agent_id = ? AND embedding IS NOT NULL`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history embeddings for %s: %w", agentID, err)
	}
	defer func() { _ = rows.Close() }()

	records, err := scanHistoryRows(rows)
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredHistory, 0, len(records))
	for _, r := range records {
		if len(r.Embedding) != len(query) {
			continue
		}
		scored = append(scored, ScoredHistory{
			Record: r,
			Score:  cosineSimilarity(query, r.Embedding),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// CountHistory returns the number of history rows for an agent.
func (s *Store) CountHistory(agentID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM agent_history WHERE agent_id = ?`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count history for %s: %w", agentID, err)
	}
	return n, nil
}

func scanHistoryRows(rows *sql.Rows) ([]HistoryRecord, error) {
	var records []HistoryRecord
	for rows.Next() {
		var (
			rec        HistoryRecord
			actionType string
			details    sql.NullString
			blob       []byte
		)
		if err := rows.Scan(&rec.ID, &rec.AgentID, &actionType, &rec.Summary,
			&details, &blob, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		rec.ActionType = proto.HistoryAction(actionType)
		rec.Details = details.String
		if len(blob) > 0 {
			rec.Embedding = decodeEmbedding(blob)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// encodeEmbedding packs a float32 vector as little-endian bytes.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
