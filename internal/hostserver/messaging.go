package hostserver

import (
	"context"
	"fmt"
	"time"

	"github.com/simpleadmin/sadmin/internal/events"
	"github.com/simpleadmin/sadmin/internal/model"
	"github.com/simpleadmin/sadmin/internal/notify"
)

// messagingLoop subscribes to the event bus and turns host up/down
// transitions into an in-app model.Message plus, when the host's
// MessageOnDown flag is set, a fan-out through internal/notify to every
// enabled channel (spec §4.4's "post a message when a host transitions
// up/down", grounded on the teacher's event-driven notify dispatch, here
// triggered by the connection fabric instead of an image-update scan).
func (s *Server) messagingLoop(ctx context.Context) {
	ch, cancel := s.bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			switch evt.Type {
			case events.EventHostUp:
				s.handleTransition(evt, true)
			case events.EventHostDown:
				s.handleTransition(evt, false)
			}
		}
	}
}

func (s *Server) handleTransition(evt events.Broadcast, up bool) {
	payload, ok := evt.Payload.(map[string]any)
	if !ok {
		return
	}
	hostID, _ := payload["host"].(int64)
	hostname, _ := payload["hostname"].(string)
	if hostID == 0 {
		return
	}

	status := "down"
	if up {
		status = "up"
	}
	msg := model.Message{
		Host:    hostID,
		Type:    "host_" + status,
		Message: fmt.Sprintf("host %s went %s", hostname, status),
		Time:    time.Now(),
	}
	if _, err := s.store.AddMessage(msg); err != nil {
		s.log.Warn("write host transition message failed", "host", hostID, "error", err)
	}

	objs, err := s.store.ListNewest()
	if err != nil {
		return
	}
	var messageOnDown bool
	for _, o := range objs {
		if o.ID != hostID || o.Deleted() {
			continue
		}
		if hc, ok := decodeHostContent(o.Content); ok {
			messageOnDown = hc.MessageOnDown
		}
		break
	}
	if !messageOnDown {
		return
	}

	chans, err := notify.LoadChannels(s.store)
	if err != nil {
		s.log.Warn("load notify channels failed", "error", err)
		return
	}
	evtType := notify.EventHostDown
	if up {
		evtType = notify.EventHostUp
	}
	multi := notify.BuildMulti(s.log, chans)
	multi.Notify(context.Background(), notify.Event{
		Type:      evtType,
		Host:      hostID,
		HostName:  hostname,
		Timestamp: time.Now(),
	})
}
