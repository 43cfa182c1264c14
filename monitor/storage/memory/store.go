package memory

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adwski/babycam-monitor/monitor/model"
)

var (
	ErrChannelActive   = errors.New("channel already has a live connection")
	ErrChannelNotFound = errors.New("channel is not found")
)

// MemStore is the registry of channels owned by one monitor.
type MemStore struct {
	mx *sync.Mutex
	db map[model.ChannelID]*model.Channel
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.Mutex{},
		db: make(map[model.ChannelID]*model.Channel),
	}
}

// CreateChannel registers a new connection attempt for channelID.
// A channel whose previous attempt still holds a connection cannot be reopened.
func (ms *MemStore) CreateChannel(channelID model.ChannelID, endpoint string) (model.Channel, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ch, ok := ms.db[channelID]
	if ok && ch.State.Live() {
		return model.Channel{}, ErrChannelActive
	}
	ch = &model.Channel{
		ID:       channelID,
		Endpoint: endpoint,
		State:    model.StateConnecting,
	}
	ms.db[channelID] = ch
	return *ch, nil
}

func (ms *MemStore) GetChannel(channelID model.ChannelID) (model.Channel, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ch, ok := ms.db[channelID]
	if !ok {
		return model.Channel{}, ErrChannelNotFound
	}
	return *ch, nil
}

func (ms *MemStore) SetState(channelID model.ChannelID, state model.ConnectionState) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ch, ok := ms.db[channelID]
	if !ok {
		return ErrChannelNotFound
	}
	ch.State = state
	return nil
}

func (ms *MemStore) Touch(channelID model.ChannelID, at time.Time) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ch, ok := ms.db[channelID]
	if !ok {
		return ErrChannelNotFound
	}
	if at.After(ch.LastReceived) {
		ch.LastReceived = at
	}
	return nil
}

// ListChannels returns all channels ordered by id.
func (ms *MemStore) ListChannels() []model.Channel {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	out := make([]model.Channel, 0, len(ms.db))
	for _, ch := range ms.db {
		out = append(out, *ch)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func (ms *MemStore) DeleteChannel(channelID model.ChannelID) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	delete(ms.db, channelID)
}
