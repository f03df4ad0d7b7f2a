package hostserver

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/simpleadmin/sadmin/internal/model"
)

// decodeHostContent re-marshals an object's polymorphic content map into
// model.HostContent, mirroring how internal/planner reads typed fields off
// model.ObjectContent.
func decodeHostContent(c model.ObjectContent) (model.HostContent, bool) {
	b, err := json.Marshal(c)
	if err != nil {
		return model.HostContent{}, false
	}
	var hc model.HostContent
	if err := json.Unmarshal(b, &hc); err != nil {
		return model.HostContent{}, false
	}
	return hc, true
}

// generateID returns a random hex job/ping id, grounded on
// internal/cluster/server/server.go's generateRequestID.
func generateID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
