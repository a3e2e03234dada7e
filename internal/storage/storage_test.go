// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package storage

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func randomImage(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	rand.New(rand.NewSource(42)).Read(data)
	return data
}

func TestSource_FileWithSize(t *testing.T) {
	data := randomImage(t, 300*1024)
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	src, err := OpenSource(context.Background(), SourceConfig{Path: path})
	if err != nil {
		t.Fatalf("OpenSource: %v", err)
	}
	defer src.Close()

	if src.Size() != int64(len(data)) {
		t.Errorf("expected size %d, got %d", len(data), src.Size())
	}
	got, err := io.ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("content mismatch")
	}
	if src.BytesRead() != int64(len(data)) {
		t.Errorf("BytesRead = %d", src.BytesRead())
	}
}

func TestSource_Limit(t *testing.T) {
	data := randomImage(t, 10000)
	src, err := NewSource(bytes.NewReader(data), CompressionNone, 4096)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(src)
	if len(got) != 4096 || !bytes.Equal(got, data[:4096]) {
		t.Fatalf("expected first 4096 bytes, got %d", len(got))
	}
	if src.Size() != 4096 {
		t.Errorf("expected size 4096, got %d", src.Size())
	}
}

func TestSource_MissingFile(t *testing.T) {
	_, err := OpenSource(context.Background(), SourceConfig{Path: filepath.Join(t.TempDir(), "nope")})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSinkSource_CompressionRoundTrip(t *testing.T) {
	data := randomImage(t, 512*1024)

	for _, mode := range []string{CompressionGzip, CompressionZstd} {
		t.Run(mode, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out."+mode)
			sink, err := OpenSink(SinkConfig{Path: path, Compression: mode, Sync: true})
			if err != nil {
				t.Fatalf("OpenSink: %v", err)
			}
			for off := 0; off < len(data); off += 64 * 1024 {
				if _, err := sink.Write(data[off : off+64*1024]); err != nil {
					t.Fatalf("Write: %v", err)
				}
			}
			if err := sink.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if sink.BytesWritten() != int64(len(data)) {
				t.Errorf("BytesWritten = %d", sink.BytesWritten())
			}

			// auto detecta pelo magic number
			src, err := OpenSource(context.Background(), SourceConfig{Path: path, Compression: CompressionAuto})
			if err != nil {
				t.Fatalf("OpenSource: %v", err)
			}
			defer src.Close()
			if src.Size() != -1 {
				t.Errorf("compressed source should report unknown size, got %d", src.Size())
			}
			got, err := io.ReadAll(src)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Fatal("content mismatch after decompression")
			}
		})
	}
}

func TestSource_AutoPlain(t *testing.T) {
	data := []byte("plain image content")
	src, err := NewSource(bytes.NewReader(data), CompressionAuto, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(src)
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q", got)
	}
}

func TestSink_TruncatesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.img")
	os.WriteFile(path, bytes.Repeat([]byte{0xff}, 1000), 0644)

	sink, err := OpenSink(SinkConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	sink.Write([]byte("abc"))
	sink.Close()

	got, _ := os.ReadFile(path)
	if string(got) != "abc" {
		t.Fatalf("expected truncated file, got %d bytes", len(got))
	}
}

func TestSink_RejectsAuto(t *testing.T) {
	if _, err := OpenSink(SinkConfig{Path: filepath.Join(t.TempDir(), "x"), Compression: CompressionAuto}); err == nil {
		t.Fatal("expected error for auto sink compression")
	}
}

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		in          string
		bucket, key string
		wantErr     bool
	}{
		{"s3://images/golden/disk.img.zst", "images", "golden/disk.img.zst", false},
		{"s3://bucket/k", "bucket", "k", false},
		{"s3://bucket", "", "", true},
		{"s3:///key", "", "", true},
		{"http://bucket/key", "", "", true},
	}
	for _, tt := range tests {
		b, k, err := ParseS3URL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseS3URL(%q) err=%v, wantErr=%v", tt.in, err, tt.wantErr)
			continue
		}
		if b != tt.bucket || k != tt.key {
			t.Errorf("ParseS3URL(%q) = %q,%q", tt.in, b, k)
		}
	}
}

func TestValidCompression(t *testing.T) {
	for _, m := range []string{"", "none", "gzip", "zstd", "auto"} {
		if !ValidCompression(m) {
			t.Errorf("%q should be valid", m)
		}
	}
	if ValidCompression("lz4") {
		t.Error("lz4 should be invalid")
	}
}
