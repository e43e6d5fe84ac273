package collection

import (
	"log/slog"
	"sort"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/drift/internal/delta"
	"github.com/hyperengineering/drift/pkg/syncfeed"
)

// Connect subscribes the collection to a sync engine. Inbound change
// messages buffer until the source declares itself up-to-date and no
// local transaction window is open, then apply atomically in offset
// order. The returned function cancels the subscription.
func (c *Collection) Connect(engine syncfeed.Engine) (func(), error) {
	return engine.Subscribe(c.handleSyncMessage)
}

func (c *Collection) handleSyncMessage(m syncfeed.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m.IsControl() {
		if m.Headers.Control == syncfeed.ControlUpToDate {
			c.upToDate = true
			c.drainLocked()
		}
		return
	}
	c.buffer = append(c.buffer, m)
}

// tryDrain re-probes the drain guard. Settlement paths call it after
// releasing locks.
func (c *Collection) tryDrain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainLocked()
}

// drainLocked applies the buffered changes when the source is
// up-to-date and no lock, batch, or transaction holds a local window
// open. Application is total-ordered by offset.
func (c *Collection) drainLocked() {
	if !c.upToDate || len(c.buffer) == 0 {
		return
	}
	if len(c.locks) > 0 || c.batch.tx != nil || len(c.txns) > 0 {
		return
	}

	sort.SliceStable(c.buffer, func(i, j int) bool {
		return c.buffer[i].Offset < c.buffer[j].Offset
	})

	for _, m := range c.buffer {
		switch m.Headers.Operation {
		case syncfeed.OperationInsert:
			c.applySyncInsertLocked(m)
		case syncfeed.OperationUpdate:
			c.applySyncUpdateLocked(m)
		case syncfeed.OperationDelete:
			c.applySyncDeleteLocked(m)
		default:
			slog.Warn("skipping sync message with unknown operation",
				"component", "collection",
				"collection", c.name,
				"operation", string(m.Headers.Operation),
				"offset", m.Offset,
			)
		}
	}

	applied := len(c.buffer)
	c.buffer = nil

	slog.Debug("sync drain applied",
		"component", "collection",
		"collection", c.name,
		"changes", applied,
	)
}

func (c *Collection) applySyncInsertLocked(m syncfeed.Message) {
	trackingID, ok := c.keyToTracking[m.Key]
	if !ok {
		trackingID = ulid.Make().String()
		c.keyToTracking[m.Key] = trackingID
	}
	rec, _ := delta.Clone(m.Value).(map[string]any)
	if rec == nil {
		rec = map[string]any{}
	}
	rec[TrackingAttr] = trackingID
	c.items[trackingID] = rec
}

func (c *Collection) applySyncUpdateLocked(m syncfeed.Message) {
	trackingID, ok := c.keyToTracking[m.Key]
	if !ok {
		// Updates for unmapped keys are dropped rather than
		// materialized as inserts.
		slog.Debug("dropping sync update for unknown key",
			"component", "collection",
			"collection", c.name,
			"key", m.Key,
			"offset", m.Offset,
		)
		return
	}

	rec := c.items[trackingID]
	if rec == nil {
		rec = map[string]any{TrackingAttr: trackingID}
		c.items[trackingID] = rec
	}
	for k, v := range m.Value {
		if k == TrackingAttr {
			continue
		}
		rec[k] = delta.Clone(v)
	}

	// Mirror the changed fields onto a live wrapper so a pending view
	// observes the same top-level state.
	if w, ok := c.pending[trackingID]; ok {
		root := w.Root()
		for k, v := range m.Value {
			if k == TrackingAttr {
				continue
			}
			root.Set(k, delta.Clone(v))
		}
	}
}

func (c *Collection) applySyncDeleteLocked(m syncfeed.Message) {
	trackingID, ok := c.keyToTracking[m.Key]
	if !ok {
		return
	}
	delete(c.keyToTracking, m.Key)
	delete(c.items, trackingID)
	delete(c.pending, trackingID)
}
