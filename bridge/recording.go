package bridge

import (
	"context"
	"sync"

	"bitbucket.org/yellowmessenger/callcontrol/contracts"
	"bitbucket.org/yellowmessenger/callcontrol/dispatcher"
	"bitbucket.org/yellowmessenger/callcontrol/operation"
)

// Recording is the client handle for one live recording on a bridge. Its
// descriptor is filled from the start response if the server sent one and is
// overwritten by the finished event, which carries the final durations.
type Recording struct {
	bridge *Bridge
	name   string
	handle *dispatcher.Handle

	mu       sync.Mutex
	data     contracts.LiveRecordingData
	finished *operation.Promise[contracts.LiveRecordingData]
}

func newRecording(b *Bridge, name string) *Recording {
	return &Recording{
		bridge:   b,
		name:     name,
		finished: operation.NewPromise[contracts.LiveRecordingData](),
	}
}

// Name returns the recording name given at start.
func (r *Recording) Name() string {
	return r.name
}

// Data returns the latest known descriptor for the recording.
func (r *Recording) Data() contracts.LiveRecordingData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data
}

// Done resolves with the final descriptor once the server reports the
// recording finished.
func (r *Recording) Done() *operation.Promise[contracts.LiveRecordingData] {
	return r.finished
}

// Stop asks the server to end the recording. The final descriptor still
// arrives through the finished event.
func (r *Recording) Stop(ctx context.Context) error {
	return r.bridge.StopRecording(ctx, r.name)
}

func (r *Recording) setData(data contracts.LiveRecordingData) {
	r.mu.Lock()
	r.data = data
	r.mu.Unlock()
}

func (r *Recording) finish(data contracts.LiveRecordingData) {
	r.setData(data)
	r.finished.Resolve(data)
}
