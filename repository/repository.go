// Package repository implements a persistent resource cache stored in filesystem.
//
// Files are stored in a directory with the resource URL in filename encoded using base32.
// Base32 is used so that the encoding will work on case insensitive filesystems.
// URLs too long to fit into a filename use hex encoded SHA-256 of the URL instead.
//
// File format of individual files is as follows:
//
//  Field        Type             Description
//  magic        [4]byte          "CSE1" identifying the file format
//  body_size    uint64_le        length of body data in bytes
//  body_sha256  [32]byte         SHA-256 digest of body data
//  json_size    uint32_le        length of JSON data in bytes
//  json_crc32   uint32_le        IEEE crc32 checksum of JSON data
//  json_data    [json_size]byte  JSON data describing the resource
//  body_data    [body_size]byte  Data of the body
package repository

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/martin-sucha/css-embed/cache"
)

// Repository is a cache.Cache backed by a directory.
// Repository does not lock; concurrent writers of the same URL race on rename, last one wins.
type Repository struct {
	path string
	log  *zap.Logger
	now  func() time.Time
}

type Metadata struct {
	URL         string
	ContentType string
	StoredTime  time.Time
}

type Document struct {
	Metadata   Metadata
	BodySHA256 [sha256.Size]byte
	Body       []byte
}

// New returns a repository stored in path, creating the directory if needed.
func New(path string, log *zap.Logger) (*Repository, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(path, 0777); err != nil {
		return nil, fmt.Errorf("create repository directory: %w", err)
	}
	return &Repository{path: path, log: log.Named("repository"), now: time.Now}, nil
}

const (
	binaryHeaderSize = 52
	fileExt          = ".bin"
	maxFilenameSize  = 255
)

var magic = []byte("CSE1")

// Get implements cache.Cache. Unreadable or corrupted files are treated as misses.
func (r *Repository) Get(url string) (cache.Entry, bool) {
	doc, err := r.Load(url)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cache.Entry{}, false
	case err != nil:
		r.log.Warn("Unable to load cached resource", zap.String("url", url), zap.Error(err))
		return cache.Entry{}, false
	}
	if doc.Metadata.URL != url {
		// hash collision or renamed file
		return cache.Entry{}, false
	}
	return cache.Entry{ContentType: doc.Metadata.ContentType, Data: doc.Body}, true
}

// Set implements cache.Cache. Errors are logged.
func (r *Repository) Set(url string, entry cache.Entry) {
	err := r.Store(&Metadata{
		URL:         url,
		ContentType: entry.ContentType,
		StoredTime:  r.now(),
	}, entry.Data)
	if err != nil {
		r.log.Warn("Unable to store resource", zap.String("url", url), zap.Error(err))
	}
}

func (r *Repository) Store(h *Metadata, body []byte) (outErr error) {
	filename := keyToFilename(h.URL)
	f, err := os.CreateTemp(r.path, "tmp-*"+fileExt)
	if err != nil {
		return err
	}
	closed := false
	defer func() {
		if !closed {
			outErr = multierr.Append(outErr, f.Close())
		}
		if outErr != nil {
			outErr = multierr.Append(outErr, os.Remove(f.Name()))
		}
	}()

	jsonData, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if len(jsonData) > math.MaxUint32 {
		return fmt.Errorf("json data size overflow: %d bytes", len(jsonData))
	}

	var binaryHeader [binaryHeaderSize]byte
	copy(binaryHeader[0:4], magic)
	binary.LittleEndian.PutUint64(binaryHeader[4:12], uint64(len(body)))
	bodySum := sha256.Sum256(body)
	copy(binaryHeader[12:44], bodySum[:])
	binary.LittleEndian.PutUint32(binaryHeader[44:48], uint32(len(jsonData)))
	binary.LittleEndian.PutUint32(binaryHeader[48:52], crc32.ChecksumIEEE(jsonData))

	for _, buf := range [][]byte{binaryHeader[:], jsonData, body} {
		if _, err := f.Write(buf); err != nil {
			return err
		}
	}
	err = f.Close()
	closed = true
	if err != nil {
		return err
	}
	return os.Rename(f.Name(), filepath.Join(r.path, filename))
}

// Load reads the document stored for url.
// Returns an error satisfying errors.Is(err, fs.ErrNotExist) if there is none.
func (r *Repository) Load(url string) (*Document, error) {
	return r.loadFile(filepath.Join(r.path, keyToFilename(url)))
}

func (r *Repository) loadFile(name string) (outDoc *Document, outErr error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() {
		outErr = multierr.Append(outErr, f.Close())
		if outErr != nil {
			outDoc = nil
		}
	}()
	var binaryHeader [binaryHeaderSize]byte
	_, err = io.ReadFull(f, binaryHeader[:])
	switch {
	case errors.Is(err, io.EOF):
		return nil, io.ErrUnexpectedEOF
	case err != nil:
		return nil, err
	}
	if !bytes.Equal(binaryHeader[0:4], magic) {
		return nil, fmt.Errorf("incorrect magic")
	}

	doc := &Document{}
	bodySize := binary.LittleEndian.Uint64(binaryHeader[4:12])
	copy(doc.BodySHA256[:], binaryHeader[12:44])

	jsonDataSize := binary.LittleEndian.Uint32(binaryHeader[44:48])
	jsonData := make([]byte, jsonDataSize)
	_, err = io.ReadFull(f, jsonData)
	switch {
	case errors.Is(err, io.EOF):
		return nil, io.ErrUnexpectedEOF
	case err != nil:
		return nil, err
	}
	jsonExpectedChecksum := binary.LittleEndian.Uint32(binaryHeader[48:52])
	if crc32.ChecksumIEEE(jsonData) != jsonExpectedChecksum {
		return nil, fmt.Errorf("crc32 checksum of metadata json does not match")
	}
	err = json.Unmarshal(jsonData, &doc.Metadata)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(f, int64(bodySize)+1))
	if err != nil {
		return nil, err
	}
	if uint64(len(body)) != bodySize {
		return nil, fmt.Errorf("body size mismatch: expected %d bytes, got %d", bodySize, len(body))
	}
	if sha256.Sum256(body) != doc.BodySHA256 {
		return nil, fmt.Errorf("sha256 digest of body does not match")
	}
	doc.Body = body
	return doc, nil
}

// List returns URLs of all stored resources, sorted.
func (r *Repository) List() ([]string, error) {
	entries, err := os.ReadDir(r.path)
	if err != nil {
		return nil, err
	}
	var urls []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, "tmp-") {
			continue
		}
		doc, err := r.loadFile(filepath.Join(r.path, name))
		if err != nil {
			r.log.Warn("Skipping unreadable cache file", zap.String("file", name), zap.Error(err))
			continue
		}
		urls = append(urls, doc.Metadata.URL)
	}
	sort.Strings(urls)
	return urls, nil
}

// Remove deletes the resource stored for url. Removing a missing resource is not an error.
func (r *Repository) Remove(url string) error {
	err := os.Remove(filepath.Join(r.path, keyToFilename(url)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func keyToFilename(key string) string {
	encodedSize := base32.StdEncoding.EncodedLen(len(key))
	if encodedSize+len(fileExt) > maxFilenameSize {
		sum := sha256.Sum256([]byte(key))
		return "h-" + hex.EncodeToString(sum[:]) + fileExt
	}
	buf := make([]byte, encodedSize+len(fileExt))
	base32.StdEncoding.Encode(buf, []byte(key))
	copy(buf[encodedSize:], fileExt)
	return string(buf)
}
