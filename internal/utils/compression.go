package utils

import (
	"bytes"
	"compress/flate"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// Decompressor decodes one Content-Encoding.
type Decompressor interface {
	Decompress(data []byte) ([]byte, error)
}

var decompressorRegistry = map[string]Decompressor{
	"gzip":    gzipDecompressor{},
	"br":      brotliDecompressor{},
	"deflate": deflateDecompressor{},
	"zstd":    zstdDecompressor{},
}

// DecompressResponse decodes data according to the Content-Encoding header.
// Unknown encodings and decode failures fall back to the original bytes; the
// caller is only using this to read upstream error bodies, where a garbled
// message beats a dropped one.
func DecompressResponse(contentEncoding string, data []byte) []byte {
	if contentEncoding == "" || len(data) == 0 {
		return data
	}
	decompressor, ok := decompressorRegistry[contentEncoding]
	if !ok {
		logrus.Warnf("No decompressor registered for encoding %q", contentEncoding)
		return data
	}
	decompressed, err := decompressor.Decompress(data)
	if err != nil {
		logrus.WithError(err).Warnf("Failed to decompress %q response body", contentEncoding)
		return data
	}
	return decompressed
}

type gzipDecompressor struct{}

func (gzipDecompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type brotliDecompressor struct{}

func (brotliDecompressor) Decompress(data []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
}

type deflateDecompressor struct{}

func (deflateDecompressor) Decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}

type zstdDecompressor struct{}

func (zstdDecompressor) Decompress(data []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
