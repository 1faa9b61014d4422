package neuprint

import "fmt"

// Connection property keys.
const (
	WeightKey   = "weight"
	WeightHPKey = "weightHP"
)

// ConnectionProps is the property record of a ConnectsTo relation between two segments.
type ConnectionProps struct {
	Weight   int64   `json:"weight"`
	WeightHP int64   `json:"weightHP"`
	RoiInfo  RoiInfo `json:"roiInfo"`
}

// Copy returns a deep copy of the record.
func (c ConnectionProps) Copy() ConnectionProps {
	return ConnectionProps{Weight: c.Weight, WeightHP: c.WeightHP, RoiInfo: c.RoiInfo.Copy()}
}

func (c ConnectionProps) String() string {
	return fmt.Sprintf("weight %d (HP %d) %s", c.Weight, c.WeightHP, c.RoiInfo)
}

// AddPair accounts for one synapse pair realizing the connection.  The presynaptic ROIs
// are only counted when countPre is set, since a tbar counts once per connection no
// matter how many of its partners the connection contains.
func (c *ConnectionProps) AddPair(preRois, postRois []string, hp, countPre bool) {
	if c.RoiInfo == nil {
		c.RoiInfo = make(RoiInfo)
	}
	c.Weight++
	if hp {
		c.WeightHP++
	}
	if countPre {
		for _, roi := range preRois {
			c.RoiInfo.Increment(roi, 1, 0)
		}
	}
	for _, roi := range postRois {
		c.RoiInfo.Increment(roi, 0, 1)
	}
}

// CombineConnections sums weights and roiInfo of parallel connections.
func CombineConnections(conns ...ConnectionProps) ConnectionProps {
	out := ConnectionProps{RoiInfo: make(RoiInfo)}
	for _, c := range conns {
		out.Weight += c.Weight
		out.WeightHP += c.WeightHP
		out.RoiInfo.Add(c.RoiInfo)
	}
	return out
}

// SubtractConnection returns a minus the moved weights and roiInfo in b.
func SubtractConnection(a, b ConnectionProps) (ConnectionProps, error) {
	out := ConnectionProps{Weight: a.Weight - b.Weight, WeightHP: a.WeightHP - b.WeightHP}
	if out.Weight < 0 || out.WeightHP < 0 || out.WeightHP > out.Weight {
		return out, NewError(InvariantViolation, "can't subtract connection (%s) from (%s)", b, a)
	}
	var err error
	if out.RoiInfo, err = SubtractRois(a.RoiInfo, b.RoiInfo); err != nil {
		return out, err
	}
	return out, nil
}

// ToMap returns the stored relation properties, with roiInfo as a JSON string.
func (c ConnectionProps) ToMap() (map[string]interface{}, error) {
	roiStr, err := c.RoiInfo.MarshalString()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		WeightKey:   c.Weight,
		WeightHPKey: c.WeightHP,
		RoiInfoKey:  roiStr,
	}, nil
}

// ConnectionFromMap parses stored relation properties.
func ConnectionFromMap(m map[string]interface{}) (c ConnectionProps, err error) {
	if c.Weight, err = toInt64(m[WeightKey]); err != nil {
		return c, fmt.Errorf("connection weight: %v", err)
	}
	if c.WeightHP, err = toInt64(m[WeightHPKey]); err != nil {
		return c, fmt.Errorf("connection weightHP: %v", err)
	}
	if c.RoiInfo, err = roiInfoFromInterface(m[RoiInfoKey]); err != nil {
		return c, err
	}
	return c, nil
}
