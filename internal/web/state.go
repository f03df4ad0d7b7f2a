package web

import (
	"github.com/simpleadmin/sadmin/internal/events"
	"github.com/simpleadmin/sadmin/internal/model"
)

// initialState is the snapshot sent to a client on connect: the newest
// live objects grouped by type id, the type objects by id, the newest
// messages, the currently-up host ids, and a used-by back-index built from
// contains and depends references. It does not carry the current
// deployment plan or the executor's status.
type initialState struct {
	ObjectsByType map[int64][]model.Object `json:"objectsByType"`
	Types         map[int64]model.Object   `json:"types"`
	Messages      []model.Message          `json:"messages"`
	UpHosts       []int64                  `json:"upHosts"`
	UsedBy        map[int64][]int64        `json:"usedBy"`
}

func buildInitialState(deps Dependencies) (*initialState, error) {
	all, err := deps.Store.ListNewest()
	if err != nil {
		return nil, err
	}
	st := &initialState{
		ObjectsByType: make(map[int64][]model.Object),
		Types:         make(map[int64]model.Object),
		UsedBy:        make(map[int64][]int64),
	}
	for _, o := range all {
		if o.Deleted() {
			continue
		}
		st.ObjectsByType[o.Type] = append(st.ObjectsByType[o.Type], o)
		if o.Type == model.TypeObjectID {
			st.Types[o.ID] = o
		}
		for _, ref := range o.Content.Contains() {
			st.UsedBy[ref] = append(st.UsedBy[ref], o.ID)
		}
		for _, ref := range o.Content.Depends() {
			st.UsedBy[ref] = append(st.UsedBy[ref], o.ID)
		}
	}

	msgs, err := deps.Store.ListMessages(100)
	if err != nil {
		return nil, err
	}
	st.Messages = msgs

	if deps.Hosts != nil {
		st.UpHosts = deps.Hosts.UpHosts()
	}
	return st, nil
}

func broadcastObjectChanged(obj model.Object) events.Broadcast {
	return events.Broadcast{Type: events.EventObjectChanged, Payload: obj}
}

func broadcastMessagesDismissed(upToID int64) events.Broadcast {
	return events.Broadcast{Type: events.EventSetMessagesDismissed, Payload: map[string]int64{"upToId": upToID}}
}

func broadcastOf(t string, payload any) events.Broadcast {
	return events.Broadcast{Type: events.EventType(t), Payload: payload}
}
