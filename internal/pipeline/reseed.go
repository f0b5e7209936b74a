package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/rednebmas/mem/internal/engine"
	memerrors "github.com/rednebmas/mem/internal/errors"
	"github.com/rednebmas/mem/internal/render"
	"github.com/rednebmas/mem/internal/store"
)

// Reseed backs up the database, clears all learned state and recreates the
// configured seed topics. It takes the run lock so it cannot interleave
// with a run. It returns the backup path.
func Reseed(ctx context.Context, inst *Instance) (string, error) {
	now := inst.Clock()
	holder := "reseed"
	if err := inst.DB.AcquireLock(ctx, holder, inst.Config.Pipeline.LockStaleAfter, now); err != nil {
		return "", err
	}
	defer inst.DB.ReleaseLock(context.WithoutCancel(ctx), holder)

	backup, err := inst.DB.Reseed(ctx, SeedPaths(inst), now)
	if err != nil {
		return backup, memerrors.Store("reseed", err)
	}
	inst.logger().Info("reseeded", zap.String("backup", backup), zap.Int("seeds", len(inst.Config.SeedTopics)))
	if _, err := WriteDocument(ctx, inst); err != nil {
		return backup, err
	}
	return backup, nil
}

// SeedPaths turns configured seed topics into normalized paths.
func SeedPaths(inst *Instance) [][]string {
	var out [][]string
	for _, s := range inst.Config.SeedTopics {
		var segs []string
		for _, p := range store.SplitPath(s.Parent) {
			if n := engine.NormalizeSegment(p); n != "" {
				segs = append(segs, n)
			}
		}
		if n := engine.NormalizeSegment(s.Name); n != "" {
			out = append(out, append(segs, n))
		}
	}
	return out
}

// Document renders the current topics document without writing it.
func Document(ctx context.Context, inst *Instance) (string, error) {
	now := inst.Clock()
	snap, err := inst.DB.Snapshot(ctx)
	if err != nil {
		return "", memerrors.Store("snapshot", err)
	}
	scores, err := inst.DB.TopicScores(ctx, snap, now, inst.ScoreOptions())
	if err != nil {
		return "", memerrors.Store("scores", err)
	}
	return render.Document(inst.Config.Name, snap, scores, inst.Config.Pipeline.DecayThreshold, now), nil
}

// WriteDocument renders the topics document to its configured path and
// returns that path.
func WriteDocument(ctx context.Context, inst *Instance) (string, error) {
	doc, err := Document(ctx, inst)
	if err != nil {
		return "", err
	}
	path := inst.Config.TopicsOutputPath()
	if err := render.WriteFile(path, doc); err != nil {
		return "", err
	}
	return path, nil
}
