// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
)

// readBufferSize é o buffer de leitura à frente da descompressão.
const readBufferSize = 1 << 20

// SourceConfig descreve de onde o sender lê a imagem.
type SourceConfig struct {
	Path        string    // arquivo, block device, "-" (stdin) ou s3://bucket/key
	Compression string    // none|gzip|zstd|auto (default none)
	Limit       int64     // máximo de bytes entregues (0 = sem limite)
	S3          *S3Config // credenciais/endpoint para caminhos s3://
}

// Source é a origem sequencial de bytes do sender.
// Read devolve io.EOF no fim da imagem ou ao atingir o limite.
type Source struct {
	r       io.Reader
	closers []io.Closer
	size    int64
	read    atomic.Int64
}

// OpenSource abre a origem descrita por cfg, aplicando descompressão e limite.
func OpenSource(ctx context.Context, cfg SourceConfig) (*Source, error) {
	var (
		raw  io.ReadCloser
		size int64 = -1
		err  error
	)

	switch {
	case cfg.Path == "" || cfg.Path == "-":
		raw = io.NopCloser(os.Stdin)
	case strings.HasPrefix(cfg.Path, "s3://"):
		raw, size, err = openS3Object(ctx, cfg.Path, cfg.S3)
	default:
		raw, size, err = openFile(cfg.Path)
	}
	if err != nil {
		return nil, err
	}

	return newSource(raw, size, cfg.Compression, cfg.Limit)
}

// NewSource cria uma origem sobre um reader já aberto.
func NewSource(r io.Reader, compression string, limit int64) (*Source, error) {
	return newSource(io.NopCloser(r), -1, compression, limit)
}

func newSource(raw io.ReadCloser, size int64, compression string, limit int64) (*Source, error) {
	s := &Source{closers: []io.Closer{raw}, size: size}

	br := bufio.NewReaderSize(raw, readBufferSize)
	mode := compression
	if mode == CompressionAuto {
		mode = detectCompression(br)
	}

	dec, err := newDecompressor(br, mode)
	if err != nil {
		raw.Close()
		return nil, err
	}
	s.closers = append([]io.Closer{dec}, s.closers...)
	if mode == CompressionGzip || mode == CompressionZstd {
		// tamanho descomprimido desconhecido
		s.size = -1
	}

	s.r = dec
	if limit > 0 {
		s.r = io.LimitReader(dec, limit)
		if s.size < 0 || s.size > limit {
			s.size = limit
		}
	}
	return s, nil
}

func openFile(path string) (io.ReadCloser, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening source %s: %w", path, err)
	}

	size := int64(-1)
	if info, err := f.Stat(); err == nil && info.Mode().IsRegular() {
		size = info.Size()
	} else if err == nil && info.Mode()&os.ModeDevice != 0 {
		// block devices reportam tamanho zero no stat; o seek até o fim devolve o real
		if end, err := f.Seek(0, io.SeekEnd); err == nil && end > 0 {
			size = end
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				f.Close()
				return nil, 0, fmt.Errorf("rewinding source %s: %w", path, err)
			}
		}
	}
	return f, size, nil
}

// Read implementa io.Reader.
func (s *Source) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.read.Add(int64(n))
	return n, err
}

// Size retorna o tamanho esperado em bytes, ou -1 se desconhecido.
func (s *Source) Size() int64 { return s.size }

// BytesRead retorna o total de bytes entregues até agora.
func (s *Source) BytesRead() int64 { return s.read.Load() }

// Close fecha a descompressão e a origem subjacente.
func (s *Source) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
