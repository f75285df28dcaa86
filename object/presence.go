package object

// TypePresence tags the heartbeat object.
const TypePresence = "Presence"

// Presence announces a node so quiet peers stay in each other's tables.
type Presence struct {
	NodeID   string `json:"node_id"`
	NodeName string `json:"node_name,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// ObjectType implements Object.
func (*Presence) ObjectType() string {
	return TypePresence
}
