// Package blobstore implements the append-only, hierarchical,
// atomically-committed object store contract: a streaming writer that
// commits by atomic rename, a streaming reader over length-prefixed
// records, and key listing that never surfaces a partially-written
// object.
package blobstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
)

// Parser decodes one length-prefixed record's bytes into a T.
type Parser[T any] func([]byte) (T, error)

// Writer is a single-threaded streaming sink for length-prefixed
// records. Close flushes, forces the medium, and atomically commits.
type Writer interface {
	WriteRecord(rec []byte) error
	Close() error
}

// Store is the blob store contract (spec.md §4.1). Two implementations
// exist: FileStore (local filesystem) and S3Store (object storage).
type Store interface {
	OpenWriter(key string) (Writer, error)
	Exists(key string) (bool, error)
	ListKeys(prefix string) ([]string, error)
	// ListRunIDs returns the run ids that sort lexicographically after
	// afterRunID (all of them when it is empty), oldest first by their
	// numeric timestamp prefix.
	ListRunIDs(afterRunID string) ([]string, error)
	// Read opens key for a single streaming pass and hands the raw
	// stream to handle; ReadAll and ReadOne decode its length-prefixed
	// records.
	Read(key string, handle func(io.Reader) error) error
	io.Closer
}

// ReadAll reads every length-prefixed record in key through a raw
// io.Reader, decoding each with parse, and returns them as a slice. This
// is the "lazy finite sequence" contract realized eagerly, which is
// sufficient for the bounded batch files this system produces.
func ReadAll[T any](s Store, key string, parse Parser[T]) ([]T, error) {
	var out []T
	err := s.Read(key, func(r io.Reader) error {
		br := bufio.NewReader(r)
		for {
			rec, err := readLengthPrefixed(br)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			v, perr := parse(rec)
			if perr != nil {
				return pkgerrors.Wrap(pkgerrors.Protocol, perr, "parsing record in %s", key)
			}
			out = append(out, v)
		}
	})
	return out, err
}

// ReadOne reads the single record expected in key (used for metadata
// blobs, which hold exactly one serialised message).
func ReadOne[T any](s Store, key string, parse Parser[T]) (T, error) {
	var zero T
	vals, err := ReadAll(s, key, parse)
	if err != nil {
		return zero, err
	}
	if len(vals) == 0 {
		return zero, pkgerrors.New(pkgerrors.Protocol, "no record found in %s", key)
	}
	return vals[0], nil
}

func readLengthPrefixed(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, pkgerrors.New(pkgerrors.Io, "truncated length prefix")
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Io, err, "truncated record body")
	}
	return buf, nil
}

func writeLengthPrefixed(w io.Writer, rec []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(rec)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(rec)
	return err
}

// BatchKey builds the canonical batch object name: batch_<19d>_<19d>.pb,
// zero-padded so lexicographic order equals tick order for any
// non-negative 64-bit tick (spec.md §4.1, property 7).
func BatchKey(runID string, tickStart, tickEnd int64) string {
	return fmt.Sprintf("%s/batch_%019d_%019d.pb", runID, tickStart, tickEnd)
}

// MetadataKey builds the canonical metadata object name for a run.
func MetadataKey(runID string) string {
	return runID + "/metadata.pb"
}

// ParseBatchKey extracts (runID, tickStart, tickEnd) from a full key
// produced by BatchKey, or an error if key isn't a well-formed batch
// object name.
func ParseBatchKey(key string) (runID string, tickStart, tickEnd int64, err error) {
	slash := strings.LastIndexByte(key, '/')
	runID = ""
	name := key
	if slash >= 0 {
		runID = key[:slash]
		name = key[slash+1:]
	}
	if !strings.HasPrefix(name, "batch_") || !strings.HasSuffix(name, ".pb") {
		return "", 0, 0, pkgerrors.New(pkgerrors.Protocol, "not a batch key: %s", key)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(name, "batch_"), ".pb")
	parts := strings.SplitN(body, "_", 2)
	if len(parts) != 2 {
		return "", 0, 0, pkgerrors.New(pkgerrors.Protocol, "malformed batch key: %s", key)
	}
	start, err1 := strconv.ParseInt(parts[0], 10, 64)
	end, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return "", 0, 0, pkgerrors.New(pkgerrors.Protocol, "malformed batch key ticks: %s", key)
	}
	return runID, start, end, nil
}

// SortRunIDsByTimestampPrefix sorts run ids (of the form
// <timestampNanos>-<uuid>) ascending by their numeric timestamp prefix,
// resolving the open question in spec.md §9 about listRunIds ordering:
// this implementation derives order from the run-id's own timestamp
// prefix, not filesystem mtime, since object stores (S3) have no
// meaningful creation-time ordering guarantee across keys but every run
// id embeds its own mint time by construction (see model.NewRunID).
func SortRunIDsByTimestampPrefix(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		return runIDTimestamp(ids[i]) < runIDTimestamp(ids[j])
	})
}

func runIDTimestamp(runID string) int64 {
	dash := strings.IndexByte(runID, '-')
	if dash < 0 {
		return 0
	}
	n, err := strconv.ParseInt(runID[:dash], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
