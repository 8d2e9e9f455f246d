package models

// Item is one entry of a page fetched for inspection.
type Item struct {
	ID      int64  `json:"id"`
	Payload []byte `json:"payload"`

	// Missing is set when the identifier had no payload in the value map.
	Missing bool `json:"missing"`
}
