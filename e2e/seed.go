package e2e

import (
	"bytes"
	"testing"

	"github.com/glizzus/opus-normalize/internal/datalayer"
	"github.com/glizzus/opus-normalize/internal/generator"
	"github.com/glizzus/opus-normalize/internal/opus/opustest"
)

// SeedInputs uploads n copies of the legacy capture under fresh keys and
// returns the keys.
func SeedInputs(t *testing.T, storage datalayer.BlobStorage, prefix string, n int) []string {
	t.Helper()
	data := opustest.Ogg(t, opustest.LegacyCapture())
	keys := generator.SequenceGenerator{Prefix: prefix}

	var out []string
	for range n {
		key, _ := keys.Next()
		key += ".opus"
		err := storage.Put(t.Context(), key, bytes.NewReader(data), datalayer.PutOptions{
			Size:        int64(len(data)),
			ContentType: datalayer.ContentTypeOpus,
		})
		if err != nil {
			t.Fatalf("failed to seed %s: %v", key, err)
		}
		out = append(out, key)
	}
	return out
}
