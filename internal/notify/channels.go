package notify

import "encoding/json"

// ChannelStore is the subset of internal/store.Store backing persisted
// notification channels, grounded on the teacher's kvp bucket used for
// small, rarely-written settings blobs.
type ChannelStore interface {
	GetKVP(key string) ([]byte, error)
	PutKVP(key string, value []byte) error
}

const channelsKVPKey = "notify_channels"

// LoadChannels returns the persisted channel list, or nil if none configured.
func LoadChannels(s ChannelStore) ([]Channel, error) {
	raw, err := s.GetKVP(channelsKVPKey)
	if err != nil || raw == nil {
		return nil, err
	}
	var chans []Channel
	if err := json.Unmarshal(raw, &chans); err != nil {
		return nil, err
	}
	return chans, nil
}

// SaveChannels persists the channel list.
func SaveChannels(s ChannelStore, chans []Channel) error {
	raw, err := json.Marshal(chans)
	if err != nil {
		return err
	}
	return s.PutKVP(channelsKVPKey, raw)
}

// BuildMulti constructs a dispatcher from the enabled persisted channels,
// always including a LogNotifier so every event leaves a guaranteed record
// even with zero channels configured.
func BuildMulti(log Logger, chans []Channel) *Multi {
	notifiers := []Notifier{NewLogNotifier(log)}
	for _, ch := range chans {
		if !ch.Enabled {
			continue
		}
		n, err := BuildFilteredNotifier(ch)
		if err != nil {
			continue
		}
		notifiers = append(notifiers, n)
	}
	return NewMulti(log, notifiers...)
}
