package syncclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/crew-runner/tracker/internal/monitoring"
)

const identityWriteTimeout = 5 * time.Second

// Identity names what the crew member is working on. Nil fields are unknown.
type Identity struct {
	WorkGroupID *string
	WorkID      *string
	TrainID     *string
}

type identityFrame struct {
	WorkGroupID *string `json:"WorkGroupId,omitempty"`
	WorkID      *string `json:"WorkId,omitempty"`
	TrainID     *string `json:"TrainId,omitempty"`
}

func (f identityFrame) empty() bool {
	return f.WorkGroupID == nil && f.WorkID == nil && f.TrainID == nil
}

// SetIdentity records the identity and pushes the fields that changed to a
// non-nil value. Delivery is best effort: send failures are only logged.
func (c *Client) SetIdentity(ctx context.Context, id Identity) {
	c.identityMu.Lock()
	frame := identityFrame{
		WorkGroupID: changed(c.identity.WorkGroupID, id.WorkGroupID),
		WorkID:      changed(c.identity.WorkID, id.WorkID),
		TrainID:     changed(c.identity.TrainID, id.TrainID),
	}
	c.identity = Identity{
		WorkGroupID: clone(id.WorkGroupID),
		WorkID:      clone(id.WorkID),
		TrainID:     clone(id.TrainID),
	}
	c.identityMu.Unlock()

	if frame.empty() {
		return
	}

	data, err := json.Marshal(frame)
	if err != nil {
		monitoring.Logf("Sync: failed to encode identity: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, identityWriteTimeout)
	defer cancel()
	if err := c.write(ctx, data); err != nil {
		monitoring.Logf("Sync: identity push dropped: %v", err)
	}
}

// Identity returns the last identity passed to SetIdentity.
func (c *Client) Identity() Identity {
	c.identityMu.Lock()
	defer c.identityMu.Unlock()
	return Identity{
		WorkGroupID: clone(c.identity.WorkGroupID),
		WorkID:      clone(c.identity.WorkID),
		TrainID:     clone(c.identity.TrainID),
	}
}

// changed returns next when it is set and differs from prev.
func changed(prev, next *string) *string {
	if next == nil {
		return nil
	}
	if prev != nil && *prev == *next {
		return nil
	}
	return clone(next)
}

func clone(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
