package bgtasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anti-raid/defender/utils"

	"go.uber.org/zap"
)

type BackgroundTask interface {
	// Whether or not the task is enabled
	Enabled() bool

	// How often the task should run
	Duration() time.Duration

	// Name of the task
	Name() string

	// Description of the task
	Description() string

	// Function to run the task
	Run(ctx context.Context) error
}

// Registry runs background tasks one at a time until its context is cancelled
type Registry struct {
	Logger *zap.Logger
	Tasks  []BackgroundTask

	taskMutex sync.Mutex
	wg        sync.WaitGroup
}

func (r *Registry) Register(t BackgroundTask) {
	r.Tasks = append(r.Tasks, t)
}

// StartAllTasks starts every enabled task. Wait returns once all of them stopped
func (r *Registry) StartAllTasks(ctx context.Context) {
	for _, bgTask := range r.Tasks {
		if bgTask.Enabled() {
			r.wg.Add(1)

			go func() {
				defer r.wg.Done()
				r.runTask(ctx, bgTask)
			}()
		}
	}
}

func (r *Registry) Wait() {
	r.wg.Wait()
}

func (r *Registry) runTask(ctx context.Context, bgTask BackgroundTask) {
	duration := bgTask.Duration()
	description := bgTask.Description()
	name := bgTask.Name()

	ticker := time.NewTicker(duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r.Logger.Info("Running task", zap.String("task", name), zap.Duration("duration", duration), zap.String("description", description))

		took, err := utils.Timed(func() error {
			return r.runOnce(ctx, bgTask)
		})

		if err != nil {
			r.Logger.Error("task failed", zap.String("task", name), zap.Error(err), zap.Duration("took", took))
			continue
		}

		r.Logger.Debug("task finished", zap.String("task", name), zap.Duration("took", took))
	}
}

// runOnce runs the task once, turning a panic into an error so the task keeps being scheduled
func (r *Registry) runOnce(ctx context.Context, bgTask BackgroundTask) (err error) {
	r.taskMutex.Lock()
	defer r.taskMutex.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task crashed: %v", rec)
		}
	}()

	return bgTask.Run(ctx)
}
