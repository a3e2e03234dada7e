// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// SinkConfig descreve onde o receiver grava a imagem.
type SinkConfig struct {
	Path        string // arquivo, block device ou "-" (stdout)
	Compression string // none|gzip|zstd (default none)
	Sync        bool   // fsync no Close
}

// Sink é o destino sequencial do receiver.
type Sink struct {
	f       *os.File
	enc     io.WriteCloser
	sync    bool
	ownFile bool
	written atomic.Int64
}

// OpenSink abre o destino descrito por cfg. Arquivos regulares são truncados;
// block devices são escritos a partir do offset zero sem truncar.
func OpenSink(cfg SinkConfig) (*Sink, error) {
	if cfg.Compression == CompressionAuto {
		return nil, fmt.Errorf("sink compression %q is only valid for sources", cfg.Compression)
	}

	var (
		f   *os.File
		own bool
	)
	if cfg.Path == "" || cfg.Path == "-" {
		f = os.Stdout
	} else {
		flags := os.O_WRONLY | os.O_CREATE
		if info, err := os.Stat(cfg.Path); err != nil || info.Mode().IsRegular() {
			flags |= os.O_TRUNC
		}
		var err error
		f, err = os.OpenFile(cfg.Path, flags, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening sink %s: %w", cfg.Path, err)
		}
		own = true
	}

	s, err := newSink(f, cfg.Compression)
	if err != nil {
		if own {
			f.Close()
		}
		return nil, err
	}
	s.sync = cfg.Sync
	s.ownFile = own
	return s, nil
}

// NewSink cria um destino sobre um writer já aberto. Close não fecha w.
func NewSink(w io.Writer, compression string) (*Sink, error) {
	enc, err := newCompressor(w, compression)
	if err != nil {
		return nil, err
	}
	return &Sink{enc: enc}, nil
}

func newSink(f *os.File, compression string) (*Sink, error) {
	enc, err := newCompressor(f, compression)
	if err != nil {
		return nil, err
	}
	return &Sink{f: f, enc: enc}, nil
}

// Write implementa io.Writer.
func (s *Sink) Write(p []byte) (int, error) {
	n, err := s.enc.Write(p)
	s.written.Add(int64(n))
	return n, err
}

// BytesWritten retorna o total de bytes (descomprimidos) escritos.
func (s *Sink) BytesWritten() int64 { return s.written.Load() }

// Close finaliza a compressão, faz fsync se configurado e fecha o arquivo.
func (s *Sink) Close() error {
	var errs []error
	if err := s.enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing compressor: %w", err))
	}
	if s.f != nil && s.sync {
		if err := s.f.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("syncing sink: %w", err))
		}
	}
	if s.f != nil && s.ownFile {
		if err := s.f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
