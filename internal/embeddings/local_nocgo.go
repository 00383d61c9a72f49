//go:build !cgo

package embeddings

import (
	"context"

	"github.com/fyrsmithlabs/qloader/internal/errkind"
)

// newLocal reports that local embeddings need a cgo build.
func newLocal(_ context.Context, _ Config) (Provider, error) {
	return nil, errkind.New(errkind.Config,
		"local embedding provider requires a cgo build with the ONNX runtime; rebuild with CGO_ENABLED=1 or switch to an HTTP provider")
}
