package memory

// Clone returns a deep copy of the memory so callers can mutate it without
// affecting cached rows.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	if m.Confidence.History != nil {
		cp.Confidence.History = append([]Change(nil), m.Confidence.History...)
	}
	return &cp
}
