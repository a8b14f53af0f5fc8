package events

import "reflect"

// EventMetadata describe un tipo de evento conocido: el tipo Go de su payload
// y el topic lógico donde se publica.
type EventMetadata struct {
	Type  reflect.Type
	Topic string
}

// Registry indexa EventMetadata por tipo de evento (ej. "auction.created").
type Registry map[string]EventMetadata
