//go:build cgo

package embeddings

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	fastembed "github.com/anush008/fastembed-go"

	"github.com/fyrsmithlabs/qloader/internal/chunking"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
)

// localModels maps config model names to fastembed constants. The
// fastembed-native names are accepted as well.
var localModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"BAAI/bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
	"fast-bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"fast-bge-small-en":                      fastembed.BGESmallEN,
	"fast-bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"fast-bge-base-en":                       fastembed.BGEBaseEN,
	"fast-bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"fast-all-MiniLM-L6-v2":                  fastembed.AllMiniLML6V2,
}

// localDimensions maps fastembed models to their vector sizes.
var localDimensions = map[fastembed.EmbeddingModel]int{
	fastembed.BGESmallENV15: 384,
	fastembed.BGESmallEN:    384,
	fastembed.BGEBaseENV15:  768,
	fastembed.BGEBaseEN:     768,
	fastembed.BGESmallZH:    512,
	fastembed.AllMiniLML6V2: 384,
}

// local runs fastembed ONNX models in process. PassageEmbed and
// QueryEmbed apply the passage/query prefixes the BGE family expects.
type local struct {
	mu         sync.RWMutex
	model      *fastembed.FlagEmbedding
	vectorSize int
	count      chunking.TokenCounter
}

func newLocal(ctx context.Context, cfg Config) (Provider, error) {
	model, ok := localModels[cfg.Model]
	if !ok {
		model = fastembed.EmbeddingModel(cfg.Model)
		if _, known := localDimensions[model]; !known {
			return nil, errkind.New(errkind.Config,
				"unsupported local model %q (supported: BAAI/bge-small-en-v1.5, BAAI/bge-base-en-v1.5, sentence-transformers/all-MiniLM-L6-v2)", cfg.Model)
		}
	}
	dim := localDimensions[model]
	if cfg.VectorSize > 0 && cfg.VectorSize != dim {
		return nil, errkind.New(errkind.Config,
			"vector_size %d does not match local model %q dimension %d", cfg.VectorSize, cfg.Model, dim)
	}

	libPath, err := EnsureONNXRuntime(ctx, cfg.Logger)
	if err != nil {
		return nil, errkind.Wrap(errkind.Config, err)
	}
	// fastembed locates the runtime through ONNX_PATH.
	if os.Getenv("ONNX_PATH") == "" {
		if err := setONNXPathEnv(libPath); err != nil {
			return nil, errkind.Wrap(errkind.Config, err)
		}
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = "."
		}
		cacheDir = filepath.Join(base, "qloader", "models")
	}

	showProgress := false
	flagEmbed, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            512,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Config, err)
	}

	return &local{
		model:      flagEmbed,
		vectorSize: dim,
		count:      counterFor(cfg.Model),
	}, nil
}

func (p *local) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, errkind.Wrap(errkind.KindOf(err), err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	vectors, err := p.model.PassageEmbed(texts, 256)
	if err != nil {
		return nil, errkind.Wrap(errkind.Server, err)
	}
	return vectors, nil
}

func (p *local) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, errkind.Wrap(errkind.KindOf(err), err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	vector, err := p.model.QueryEmbed(text)
	if err != nil {
		return nil, errkind.Wrap(errkind.Server, err)
	}
	return vector, nil
}

func (p *local) CountTokens(text string) int { return p.count(text) }

func (p *local) VectorSize() int { return p.vectorSize }

func (p *local) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		err := p.model.Destroy()
		p.model = nil
		return err
	}
	return nil
}
