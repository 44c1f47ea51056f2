package call

import (
	"sync"
	"time"

	"bitbucket.org/yellowmessenger/callcontrol/contracts"
	"bitbucket.org/yellowmessenger/callcontrol/dispatcher"
	"bitbucket.org/yellowmessenger/callcontrol/ymlogger"
)

// State is the in-memory record for one channel the application is handling.
// Everything here is call-scoped and disappears with the channel.
type State struct {
	mu         sync.RWMutex
	channelID  string
	sid        string
	from       string
	to         string
	direction  string
	status     string
	startTime  time.Time
	answerTime time.Time
	endTime    time.Time
	appData    map[string]interface{}
}

var (
	storeMu sync.RWMutex
	store   = make(map[string]*State)
)

// NewState registers a fresh record for the channel, replacing any stale one.
func NewState(
	channelID string,
	sid string,
	from string,
	to string,
	direction string,
) *State {
	s := &State{
		channelID: channelID,
		sid:       sid,
		from:      from,
		to:        to,
		direction: direction,
		startTime: time.Now(),
		appData:   make(map[string]interface{}),
	}
	storeMu.Lock()
	store[channelID] = s
	storeMu.Unlock()
	return s
}

// Lookup returns the record for a channel if one exists.
func Lookup(channelID string) (*State, bool) {
	storeMu.RLock()
	defer storeMu.RUnlock()
	s, ok := store[channelID]
	return s, ok
}

// Clear drops the record for a channel.
func Clear(channelID string) {
	storeMu.Lock()
	delete(store, channelID)
	storeMu.Unlock()
}

// BindCleanup installs a global listener that clears a channel's record when
// the server reports the channel gone. Returns the handle so a connection
// teardown can remove it.
func BindCleanup(disp *dispatcher.Dispatcher) *dispatcher.Handle {
	return disp.Subscribe(contracts.EventChannelDestroyed, "", func(e *contracts.Event) {
		if e.Channel == nil {
			return
		}
		if s, ok := Lookup(e.Channel.ID); ok {
			s.MarkEnded()
			ymlogger.LogInfof(s.SID(), "Clearing state for destroyed channel [%s]", e.Channel.ID)
			Clear(e.Channel.ID)
		}
	})
}

// ChannelID returns the channel this record belongs to.
func (s *State) ChannelID() string {
	return s.channelID
}

// SID returns the application's call identifier.
func (s *State) SID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sid
}

// From returns the calling party address.
func (s *State) From() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.from
}

// To returns the called party address.
func (s *State) To() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.to
}

// Direction reports inbound or outbound.
func (s *State) Direction() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direction
}

// Status returns the application-set call status.
func (s *State) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus updates the application-set call status.
func (s *State) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// MarkAnswered stamps the answer time once.
func (s *State) MarkAnswered() {
	s.mu.Lock()
	if s.answerTime.IsZero() {
		s.answerTime = time.Now()
	}
	s.mu.Unlock()
}

// MarkEnded stamps the end time once.
func (s *State) MarkEnded() {
	s.mu.Lock()
	if s.endTime.IsZero() {
		s.endTime = time.Now()
	}
	s.mu.Unlock()
}

// Duration is call start to end, or to now while the call is live.
func (s *State) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	end := s.endTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.startTime)
}

// BillDuration is answer to end, zero if never answered.
func (s *State) BillDuration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.answerTime.IsZero() {
		return 0
	}
	end := s.endTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.answerTime)
}

// SetAppData stores a named application value for the call's lifetime.
func (s *State) SetAppData(key string, value interface{}) {
	s.mu.Lock()
	s.appData[key] = value
	s.mu.Unlock()
}

// AppData reads a named application value.
func (s *State) AppData(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.appData[key]
	return v, ok
}
