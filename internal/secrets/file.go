package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// FileProvider reads secrets from a flat JSON object, such as a mounted container secret:
//
//	{"AZURE_COSMOSDB_KEY": "...", "AZURE_OPENAI_APIKEY": "..."}
type FileProvider struct {
	path string
	data map[string]string
}

// NewFileProvider reads the file once; later edits are not picked up. A missing file is an error.
func NewFileProvider(path string) (*FileProvider, error) {
	if path == "" {
		return nil, fmt.Errorf("file path required")
	}
	p := &FileProvider{path: path}
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Get(ctx context.Context, key string) (string, error) {
	val, ok := p.data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return val, nil
}

func (p *FileProvider) load() error {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read secrets file: %w", err)
	}
	data := make(map[string]string)
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse secrets file %s: %w", p.path, err)
	}
	p.data = data
	return nil
}
