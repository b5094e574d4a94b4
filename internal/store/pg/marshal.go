package pg

import (
	"encoding/json"

	"github.com/kvknd/substrated/pkg/domain"
)

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalOps(raw []byte) ([]domain.Op, error) {
	var ops []domain.Op
	if len(raw) == 0 {
		return ops, nil
	}
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

func unmarshalIDs(raw []byte) ([]domain.ID, error) {
	var ids []domain.ID
	if len(raw) == 0 {
		return ids, nil
	}
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func unmarshalMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalValidationReport(raw []byte) (*domain.ValidationReport, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var r domain.ValidationReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func unmarshalCascadeMetadata(raw []byte) (*domain.CascadeMetadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m domain.CascadeMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func unmarshalWorkResult(raw []byte) (*domain.WorkResult, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var r domain.WorkResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
