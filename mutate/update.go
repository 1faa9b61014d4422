package mutate

import (
	"context"

	"github.com/janelia-flyem/npmutate/neuprint"
)

// UpdateRequest sets properties of a body.  A null value removes the property.
type UpdateRequest struct {
	BodyID     uint64                 `json:"bodyId"`
	Properties map[string]interface{} `json:"properties"`
	UUID       string                 `json:"uuid,omitempty"`
	Timestamp  int64                  `json:"timestamp,omitempty"`
	Debug      bool                   `json:"debug,omitempty"`
}

// UpdateSegmentProperties overlays properties on a segment.  The synapse counts pre,
// post and roiInfo can't be set.  The graph topology is unchanged.
func (e *Engine) UpdateSegmentProperties(ctx context.Context, dataset string, req UpdateRequest) (*Result, error) {
	if len(req.Properties) == 0 {
		return nil, neuprint.NewError(neuprint.InvalidArgument, "no properties given for body %d", req.BodyID)
	}
	if err := badBodyOverride("property update", req.BodyID, req.Properties); err != nil {
		return nil, err
	}
	for _, key := range []string{neuprint.PreKey, neuprint.PostKey, neuprint.RoiInfoKey} {
		if _, found := req.Properties[key]; found {
			return nil, neuprint.NewError(neuprint.InvalidArgument, "property update of body %d can't set %q, which is counted from its synapses", req.BodyID, key)
		}
	}
	return e.run(ctx, UpdateAction, dataset, req.Debug, func(m *mutation) error {
		m.logMsg["Target"] = req.BodyID
		m.logMsg["Properties"] = req.Properties
		m.logMsg["UUID"] = req.UUID

		rows, err := m.findSegments(req.BodyID)
		if err != nil {
			return err
		}
		props := rows[0].Props.Copy()
		if err := props.Overlay(req.Properties); err != nil {
			return err
		}
		if err := m.setSegment(rows[0].NodeID, props); err != nil {
			return err
		}
		return m.touchMeta(req.UUID, req.Timestamp)
	})
}
