package repository

import (
	"encoding/json"
	"fmt"

	"chestrestock-api/internal/model"

	"github.com/klauspost/compress/zstd"
)

// Item payloads are JSON compressed with zstd. EncodeAll and DecodeAll are
// safe for concurrent use.
var (
	blobEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	blobDecoder, _ = zstd.NewReader(nil)
)

// stateBlob is the stored body of a container snapshot.
type stateBlob struct {
	Policy   model.RestockPolicy          `json:"policy"`
	Template []model.ItemStack            `json:"template"`
	Physical []model.ItemStack            `json:"physical,omitempty"`
	Isolated map[string][]model.ItemStack `json:"isolated,omitempty"`
}

func encodeState(snap model.ContainerSnapshot) ([]byte, error) {
	raw, err := json.Marshal(stateBlob{
		Policy:   snap.Policy,
		Template: snap.Template,
		Physical: snap.Physical,
		Isolated: snap.Isolated,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal container state: %w", err)
	}
	return blobEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func decodeState(data []byte, snap *model.ContainerSnapshot) error {
	raw, err := blobDecoder.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("failed to decompress container state: %w", err)
	}
	var blob stateBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return fmt.Errorf("failed to unmarshal container state: %w", err)
	}
	snap.Policy = blob.Policy
	snap.Template = blob.Template
	snap.Physical = blob.Physical
	snap.Isolated = blob.Isolated
	return nil
}
