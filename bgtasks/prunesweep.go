package bgtasks

import (
	"context"
	"time"

	"github.com/anti-raid/defender/defender"
)

// PruneSweepTask bans pruned members whose grace period has passed, in every guild with pruning configured
type PruneSweepTask struct {
	Defender *defender.Defender
}

func (t *PruneSweepTask) Enabled() bool {
	return t.Defender.Config.SweepInterval > 0
}

func (t *PruneSweepTask) Duration() time.Duration {
	return t.Defender.Config.SweepInterval.Std()
}

func (t *PruneSweepTask) Name() string {
	return "prune_sweep"
}

func (t *PruneSweepTask) Description() string {
	return "Bans pruned members once their grace period is over"
}

func (t *PruneSweepTask) Run(ctx context.Context) error {
	return t.Defender.SweepReady(ctx)
}
