package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
)

// #region fetch-options
// FetchOptions controls how a model artifact is located.
type FetchOptions struct {
	// ExternalDataPath names the weight blob explicitly. When empty, "<model>.data" is
	// tried and silently skipped if missing.
	ExternalDataPath string
	Client           *http.Client
}

// #endregion fetch-options

// #region fetch
// Fetch reads a model and its optional external data blob from a file path or an
// http(s) URL.
func Fetch(ctx context.Context, modelPath string, opts FetchOptions) (Artifact, error) {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}

	model, err := readSource(ctx, opts.Client, modelPath)
	if err != nil {
		return Artifact{}, fmt.Errorf("fetch model %s: %w", modelPath, err)
	}

	art := Artifact{Name: path.Base(modelPath), Model: model}

	dataPath := opts.ExternalDataPath
	required := dataPath != ""
	if !required {
		dataPath = modelPath + ".data"
	}
	blob, err := readSource(ctx, opts.Client, dataPath)
	switch {
	case err == nil:
		art.ExternalData = blob
	case required || !errors.Is(err, fs.ErrNotExist):
		return Artifact{}, fmt.Errorf("fetch external data %s: %w", dataPath, err)
	}
	return art, nil
}

func readSource(ctx context.Context, client *http.Client, src string) ([]byte, error) {
	if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
		return os.ReadFile(src)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fs.ErrNotExist
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// #endregion fetch
