package cache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/xxh3"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanjob"
)

// Key builds the cache key of a prepared request. The request id is not part
// of the key.
func Key(req scanjob.Request) (string, error) {
	req.ID = ""
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}
	fp, err := Fingerprint(req.Roots)
	if err != nil {
		return "", err
	}
	h := xxh3.Hash128(raw)
	return fmt.Sprintf("%s%016x%016x:%016x", keyPrefix, h.Hi, h.Lo, fp), nil
}

// Fingerprint hashes the path, size and modification time of every file
// below roots. Adding, removing, or rewriting a file changes the result.
func Fingerprint(roots []string) (uint64, error) {
	h := xxh3.New()
	var scratch [16]byte
	record := func(path string, info fs.FileInfo) {
		h.WriteString(path)
		binary.LittleEndian.PutUint64(scratch[:8], uint64(info.Size()))
		binary.LittleEndian.PutUint64(scratch[8:], uint64(info.ModTime().UnixNano()))
		h.Write(scratch[:])
	}
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			return 0, fmt.Errorf("fingerprinting %s: %w", root, err)
		}
		if !info.IsDir() {
			record(root, info)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root {
					return err
				}
				h.WriteString(path + "\x00unreadable")
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return nil
			}
			record(path, fi)
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("fingerprinting %s: %w", root, err)
		}
	}
	return h.Sum64(), nil
}
