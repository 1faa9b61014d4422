package badger

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
	"github.com/janelia-flyem/npmutate/neuprint"
)

type nodeKind uint8

const (
	segmentNode nodeKind = iota + 1
	setNode
	synapseNode
)

func (k nodeKind) String() string {
	switch k {
	case segmentNode:
		return "Segment"
	case setNode:
		return "SynapseSet"
	case synapseNode:
		return "Synapse"
	default:
		return fmt.Sprintf("nodeKind(%d)", uint8(k))
	}
}

// nodeRecord is the stored form of a node.  Segments keep their flat property map so
// that arbitrary annotations survive; synapses are typed.
type nodeRecord struct {
	Kind    nodeKind               `json:"k"`
	Neuron  bool                   `json:"n,omitempty"`
	Props   map[string]interface{} `json:"p,omitempty"`
	Synapse *neuprint.Synapse      `json:"s,omitempty"`
}

func (rec *nodeRecord) segment() (neuprint.SegmentProps, error) {
	if rec.Kind != segmentNode {
		return neuprint.SegmentProps{}, neuprint.NewError(neuprint.InvariantViolation, "expected Segment node, got %s", rec.Kind)
	}
	return neuprint.SegmentFromMap(rec.Props)
}

func segmentRecord(props neuprint.SegmentProps, neuron bool) (*nodeRecord, error) {
	m, err := props.ToMap()
	if err != nil {
		return nil, err
	}
	return &nodeRecord{Kind: segmentNode, Neuron: neuron, Props: m}, nil
}

// relRecord is the stored form of a relation.  Conn is only set on ConnectsTo
// relations between segments.
type relRecord struct {
	Type  relType                   `json:"t"`
	Start neuprint.NodeID           `json:"s"`
	End   neuprint.NodeID           `json:"e"`
	Conn  *neuprint.ConnectionProps `json:"c,omitempty"`
}

// serialize compresses the JSON encoding of a record.
func serialize(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, b), nil
}

// deserialize keeps numbers in property maps as json.Number so large body ids survive.
func deserialize(data []byte, v interface{}) error {
	b, err := snappy.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("unable to decompress record: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}
