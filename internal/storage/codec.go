// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package storage implementa as pontas de armazenamento de uma transferência:
// a origem lida sequencialmente pelo sender e o destino escrito em chunks
// pelo receiver, com compressão opcional nos dois lados.
package storage

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Modos de compressão aceitos em source.compression e sink.compression.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
	CompressionAuto = "auto" // apenas origem: detecta pelo magic number
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// ValidCompression informa se mode é um modo conhecido.
func ValidCompression(mode string) bool {
	switch mode {
	case "", CompressionNone, CompressionGzip, CompressionZstd, CompressionAuto:
		return true
	}
	return false
}

// detectCompression espia o início do stream sem consumi-lo.
func detectCompression(br *bufio.Reader) string {
	head, _ := br.Peek(len(zstdMagic))
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		return CompressionZstd
	case bytes.HasPrefix(head, gzipMagic):
		return CompressionGzip
	default:
		return CompressionNone
	}
}

// newDecompressor cria um io.ReadCloser de descompressão com base no mode.
// O Close do retorno não fecha r.
func newDecompressor(r io.Reader, mode string) (io.ReadCloser, error) {
	switch mode {
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		return dec.IOReadCloser(), nil
	case CompressionGzip:
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return gz, nil
	default:
		return io.NopCloser(r), nil
	}
}

// newCompressor cria um io.WriteCloser para compressão com base no mode.
func newCompressor(w io.Writer, mode string) (io.WriteCloser, error) {
	switch mode {
	case CompressionZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CompressionGzip:
		gzWriter, err := pgzip.NewWriterLevel(w, pgzip.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("creating gzip writer: %w", err)
		}
		if err := gzWriter.SetConcurrency(1<<20, runtime.GOMAXPROCS(0)); err != nil {
			return nil, fmt.Errorf("configuring gzip concurrency: %w", err)
		}
		return gzWriter, nil
	default:
		return nopWriteCloser{w}, nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
