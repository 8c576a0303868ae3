package app

import (
	"context"

	"github.com/dokzlo13/sceneswitch/internal/loop"
	"github.com/dokzlo13/sceneswitch/internal/scene"
)

// activityFanout forwards controller activity to every sink on its own loop,
// keeping database and network writes off the controller loops.
type activityFanout struct {
	loop  *loop.Loop
	sinks []scene.Recorder
}

func newActivityFanout(sinks ...scene.Recorder) *activityFanout {
	return &activityFanout{
		loop:  loop.New("recorder", 256),
		sinks: sinks,
	}
}

// Add registers another sink. Must be called before Run.
func (f *activityFanout) Add(sink scene.Recorder) {
	f.sinks = append(f.sinks, sink)
}

func (f *activityFanout) Record(a scene.Activity) {
	f.loop.Do(context.Background(), func(context.Context) {
		for _, sink := range f.sinks {
			sink.Record(a)
		}
	})
}

func (f *activityFanout) Run(ctx context.Context) {
	f.loop.Run(ctx)
}

// Close stops accepting activity and waits for queued records to be written.
func (f *activityFanout) Close(started bool) {
	f.loop.Close()
	if started {
		<-f.loop.Done()
	}
}
