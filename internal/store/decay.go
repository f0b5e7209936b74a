package store

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Decay scoring:
//   - score(topic) = Σ weight(source) · 2^(−Δ/halfLife) over routed entries
//   - Δ is clamped at zero, so entries stamped in the future count as fresh
//   - parents roll up their descendants' scores
//   - computed at read time, never stored (modernc sqlite lacks pow())

// DecayScore returns the decayed contribution of a single entry.
func DecayScore(ts time.Time, weight float64, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return weight
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = 0
	}
	return weight * math.Exp2(-float64(delta)/float64(halfLife))
}

// ScoreOptions controls TopicScores.
type ScoreOptions struct {
	HalfLife      time.Duration
	SourceWeights map[string]float64 // missing sources weigh 1.0
}

func (o ScoreOptions) weight(source string) float64 {
	if w, ok := o.SourceWeights[source]; ok {
		return w
	}
	return 1.0
}

// TopicScores returns each topic's rolled-up activity score at now.
func (db *DB) TopicScores(ctx context.Context, snap *Snapshot, now time.Time, opts ScoreOptions) (map[int64]float64, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT topic_id, source, ts FROM activity WHERE status = 'routed' AND topic_id IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("query activity for scores: %w", err)
	}
	defer rows.Close()

	scores := make(map[int64]float64, len(snap.Topics))
	for rows.Next() {
		var id, ts int64
		var source string
		if err := rows.Scan(&id, &source, &ts); err != nil {
			return nil, fmt.Errorf("scan score row: %w", err)
		}
		s := DecayScore(fromMillis(ts), opts.weight(source), now, opts.HalfLife)
		scores[id] += s
		for _, anc := range snap.Ancestors(id) {
			scores[anc] += s
		}
	}
	return scores, rows.Err()
}
