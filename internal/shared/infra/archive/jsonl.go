package archive

import (
	"bytes"
	"encoding/json"

	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
)

// encodeJSONL serializa un lote en JSON Lines, una entrada por línea.
func encodeJSONL(events []sharedDomain.OutboxEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, evt := range events {
		if err := enc.Encode(evt); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
