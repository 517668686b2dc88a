package embed

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/folder-mcp/folderd/internal/errors"
)

// The curated model catalog ships inside the binary. Model ids are stable
// across releases; adding a model means adding a catalog entry.
//
//go:embed catalog.json
var catalogJSON []byte

type catalogFile struct {
	Version    int         `json:"version"`
	DefaultGPU string      `json:"defaultGpu"`
	DefaultCPU string      `json:"defaultCpu"`
	Models     []ModelInfo `json:"models"`
}

var (
	catalogOnce sync.Once
	catalog     catalogFile
	catalogErr  error
)

func loadCatalog() error {
	catalogOnce.Do(func() {
		if err := json.Unmarshal(catalogJSON, &catalog); err != nil {
			catalogErr = errors.InternalError("embedded model catalog is invalid", err)
			return
		}
		for _, m := range catalog.Models {
			if m.ID == "" || m.Dimensions <= 0 {
				catalogErr = errors.InternalError(
					fmt.Sprintf("embedded model catalog entry %q is incomplete", m.ID), nil)
				return
			}
		}
	})
	return catalogErr
}

// CatalogModels returns the curated model descriptors in catalog order.
func CatalogModels() ([]ModelInfo, error) {
	if err := loadCatalog(); err != nil {
		return nil, err
	}
	models := make([]ModelInfo, len(catalog.Models))
	copy(models, catalog.Models)
	return models, nil
}

// LookupModel resolves a model id against the catalog. Unknown ids are
// configuration errors, not model errors: they come from user input.
func LookupModel(id string) (ModelInfo, error) {
	if err := loadCatalog(); err != nil {
		return ModelInfo{}, err
	}
	for _, m := range catalog.Models {
		if m.ID == id {
			return m, nil
		}
	}
	return ModelInfo{}, errors.New(errors.ErrCodeUnknownModel,
		fmt.Sprintf("unknown embedding model %q", id), nil).
		WithSuggestion("pick a curated model id such as gpu:bge-m3 or cpu:xenova-multilingual-e5-small")
}

// DefaultModelID returns the catalog's default model for a kind.
func DefaultModelID(kind ModelKind) (string, error) {
	if err := loadCatalog(); err != nil {
		return "", err
	}
	switch kind {
	case KindGPU:
		return catalog.DefaultGPU, nil
	case KindCPU:
		return catalog.DefaultCPU, nil
	default:
		return "", errors.New(errors.ErrCodeUnknownModel,
			fmt.Sprintf("unknown model kind %q", kind), nil)
	}
}
