package queue

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrUnknownChannel is returned for a channel that is not configured.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrInvalidPriority is returned for a priority level outside 1..K.
	ErrInvalidPriority = errors.New("invalid priority level")
)

// SubQueueName returns the sub-queue id for a (channel, priority level)
// pair, e.g. ("email", 1) -> "email1". Producers rely on this scheme.
func SubQueueName(channel string, level int) string {
	return channel + strconv.Itoa(level)
}

// Channel is one notification channel with its sub-queues, highest
// priority first.
type Channel struct {
	Name      string
	SubQueues []string
}

// Topology is the fixed set of channels the relay serves, in the order the
// dispatcher visits them.
type Topology struct {
	channels []Channel
	index    map[string]int
}

// NewTopology validates that every sub-queue and main queue name is unique
// and returns the topology.
func NewTopology(channels ...Channel) (*Topology, error) {
	if len(channels) == 0 {
		return nil, errors.New("topology needs at least one channel")
	}

	t := &Topology{
		channels: make([]Channel, 0, len(channels)),
		index:    make(map[string]int, len(channels)),
	}
	owner := make(map[string]string)

	for _, ch := range channels {
		if ch.Name == "" {
			return nil, errors.New("channel name must not be empty")
		}
		if len(ch.SubQueues) == 0 {
			return nil, fmt.Errorf("channel %s has no sub-queues", ch.Name)
		}
		if prev, ok := owner[ch.Name]; ok {
			return nil, fmt.Errorf("queue %q of channel %s collides with %s", ch.Name, ch.Name, prev)
		}
		owner[ch.Name] = ch.Name
	}
	for _, ch := range channels {
		for _, q := range ch.SubQueues {
			if prev, ok := owner[q]; ok {
				return nil, fmt.Errorf("queue %q of channel %s collides with %s", q, ch.Name, prev)
			}
			owner[q] = ch.Name
		}
		t.index[ch.Name] = len(t.channels)
		t.channels = append(t.channels, Channel{
			Name:      ch.Name,
			SubQueues: append([]string(nil), ch.SubQueues...),
		})
	}

	return t, nil
}

// DefaultTopology builds channels with levels 1..levels named by SubQueueName.
func DefaultTopology(levels int, names ...string) (*Topology, error) {
	if levels <= 0 {
		return nil, fmt.Errorf("%w: need at least one level, got %d", ErrInvalidPriority, levels)
	}
	channels := make([]Channel, 0, len(names))
	for _, name := range names {
		ch := Channel{Name: name}
		for level := 1; level <= levels; level++ {
			ch.SubQueues = append(ch.SubQueues, SubQueueName(name, level))
		}
		channels = append(channels, ch)
	}
	return NewTopology(channels...)
}

// Channels returns channel names in visiting order.
func (t *Topology) Channels() []string {
	names := make([]string, len(t.channels))
	for i, ch := range t.channels {
		names[i] = ch.Name
	}
	return names
}

// Has reports whether the channel is configured.
func (t *Topology) Has(channel string) bool {
	_, ok := t.index[channel]
	return ok
}

// SubQueues returns the channel's sub-queues, highest priority first.
func (t *Topology) SubQueues(channel string) ([]string, error) {
	i, ok := t.index[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return t.channels[i].SubQueues, nil
}

// SubQueue resolves the sub-queue for a 1-based priority level.
func (t *Topology) SubQueue(channel string, level int) (string, error) {
	queues, err := t.SubQueues(channel)
	if err != nil {
		return "", err
	}
	if level < 1 || level > len(queues) {
		return "", fmt.Errorf("%w: %d (channel %s has levels 1-%d)", ErrInvalidPriority, level, channel, len(queues))
	}
	return queues[level-1], nil
}

// Levels returns the number of priority levels of a channel.
func (t *Topology) Levels(channel string) int {
	queues, err := t.SubQueues(channel)
	if err != nil {
		return 0
	}
	return len(queues)
}

// MainQueue returns the queue delivery workers consume for the channel.
func (t *Topology) MainQueue(channel string) string {
	return channel
}

// Queues lists every sub-queue and main queue.
func (t *Topology) Queues() []string {
	var out []string
	for _, ch := range t.channels {
		out = append(out, ch.SubQueues...)
		out = append(out, t.MainQueue(ch.Name))
	}
	return out
}
