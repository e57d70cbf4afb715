package workmgr

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/SirClappington/workq/internal/domain"
)

// Codec turns work items into store payloads and back.
type Codec interface {
	Encode(item domain.WorkItem) ([]byte, error)
	Decode(payload []byte) (domain.WorkItem, error)
}

// JSONCodec stores items of one concrete type T as JSON.
type JSONCodec[T domain.WorkItem] struct{}

func (JSONCodec[T]) Encode(item domain.WorkItem) ([]byte, error) {
	b, err := json.Marshal(item)
	return b, errors.Wrap(err, "encode work item")
}

func (JSONCodec[T]) Decode(payload []byte) (domain.WorkItem, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, errors.Wrap(err, "decode work item")
	}
	return v, nil
}
