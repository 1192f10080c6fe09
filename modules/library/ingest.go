package library

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/printernizer/printernizer/engine"
)

const (
	checksumChunkSize = 8192
	maxConflictSuffix = 1000
	freeSpaceMultiple = 1.5
)

// Checksum computes the streamed SHA-256 of a file.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, checksumChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// AddFile ingests a file into the library: content hash, dedup check, space
// guard, conflict-free placement, verified copy, row + source records, and
// async metadata scheduling. A failed ingest leaves no partial physical
// file behind.
func (m *Module) AddFile(ctx context.Context, sourcePath string, source SourceInfo, move bool) (*File, error) {
	if !m.conf.Enabled {
		return nil, engine.Kind(engine.ErrConfig, "library is disabled")
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, engine.Kind(engine.ErrNotFound, "source file: %s", err)
	}
	if source.Kind != SourcePrinter && source.Kind != SourceWatchFolder && source.Kind != SourceUpload {
		return nil, engine.Kind(engine.ErrConfig, "invalid source kind %q", source.Kind)
	}
	if source.DiscoveredAt.IsZero() {
		source.DiscoveredAt = time.Now().UTC()
	}
	// Watch folders are user-managed; never consume their files when
	// originals are preserved.
	if move && source.Kind == SourceWatchFolder && m.conf.PreserveOriginals {
		move = false
	}

	checksum, err := Checksum(sourcePath)
	if err != nil {
		return nil, err
	}
	logger := slog.Default().With("checksum", shortHash(checksum), "file", filepath.Base(sourcePath))

	canonical, err := m.GetByChecksum(ctx, checksum)
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		return nil, err
	}
	isDuplicate := canonical != nil
	if isDuplicate {
		logger.Info("duplicate file detected", "original", canonical.Filename)
	}

	if err := m.checkFreeSpace(info.Size()); err != nil {
		return nil, err
	}

	target := m.pathFor(source, filepath.Base(sourcePath))
	target, reused, err := m.resolveConflict(target, sourcePath)
	if err != nil {
		return nil, err
	}

	if !reused {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		if err := copyOrMove(sourcePath, target, move); err != nil {
			os.Remove(target)
			return nil, err
		}
		verify, err := Checksum(target)
		if err != nil {
			os.Remove(target)
			return nil, err
		}
		if verify != checksum {
			os.Remove(target)
			return nil, engine.Kind(engine.ErrIntegrity, "checksum mismatch after copy: %s != %s", shortHash(verify), shortHash(checksum))
		}
	}

	relPath, err := filepath.Rel(m.conf.Root, target)
	if err != nil {
		relPath = target
	}

	// Duplicates get a synthetic unique key so a single content hash can
	// have multiple rows; the real hash lives in duplicate_of_checksum.
	rowKey := checksum
	if isDuplicate {
		rowKey = fmt.Sprintf("%s-%s", checksum, uuid.NewString())
	}

	file := &File{
		Checksum:            rowKey,
		ID:                  uuid.NewString(),
		Filename:            filepath.Base(target),
		FileType:            strings.TrimPrefix(strings.ToLower(filepath.Ext(target)), "."),
		SizeBytes:           info.Size(),
		LibraryPath:         filepath.ToSlash(relPath),
		Status:              StatusPending,
		IsDuplicate:         isDuplicate,
		DuplicateOfChecksum: checksum,
		SearchIndex:         strings.ToLower(filepath.Base(target)),
	}

	_, err = m.db.ExecContext(ctx,
		`INSERT INTO library_files
		 (checksum, id, filename, file_type, size_bytes, library_path, status,
		  is_duplicate, duplicate_of_checksum, duplicate_count, search_index)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		file.Checksum, file.ID, file.Filename, file.FileType, file.SizeBytes,
		file.LibraryPath, file.Status, boolInt(file.IsDuplicate), file.DuplicateOfChecksum,
		file.SearchIndex)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			// Two ingests of the same new content hash raced; the other
			// one won. Keep the canonical row and record our source on it.
			return m.resolveInsertRace(ctx, checksum, target, reused, source)
		}
		if !reused {
			os.Remove(target)
		}
		return nil, err
	}

	if err := m.addSource(ctx, file.Checksum, source); err != nil {
		logger.Warn("failed to record file source", "error", err)
	}

	if isDuplicate {
		if _, err := m.db.ExecContext(ctx,
			`UPDATE library_files SET duplicate_count = duplicate_count + 1 WHERE checksum = ?`,
			canonical.Checksum); err != nil {
			logger.Warn("failed to bump duplicate count", "error", err)
		}
	}

	logger.Info("file added to library", "library_path", file.LibraryPath, "is_duplicate", isDuplicate)
	m.bus.Publish(engine.EventLibraryFileAdded, map[string]any{
		"checksum":    checksum,
		"filename":    file.Filename,
		"size_bytes":  file.SizeBytes,
		"source_kind": source.Kind,
	})

	if m.extractor != nil {
		m.extractor.Enqueue(file.Checksum)
	}
	return file, nil
}

// AddSource records an additional provenance entry for an existing row. A
// given {checksum, source identity} pair appears at most once.
func (m *Module) AddSource(ctx context.Context, checksum string, source SourceInfo) error {
	if source.DiscoveredAt.IsZero() {
		source.DiscoveredAt = time.Now().UTC()
	}
	if _, err := m.GetByChecksum(ctx, checksum); err != nil {
		return err
	}
	return m.addSource(ctx, checksum, source)
}

func (m *Module) addSource(ctx context.Context, rowKey string, source SourceInfo) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO library_file_sources
		 (file_checksum, source_kind, source_id, source_name, original_path, discovered_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rowKey, source.Kind, source.ID, source.Name, source.OriginalPath, source.DiscoveredAt.Unix())
	return err
}

func (m *Module) resolveInsertRace(ctx context.Context, checksum, placed string, reused bool, source SourceInfo) (*File, error) {
	canonical, err := m.GetByChecksum(ctx, checksum)
	if err != nil {
		if !reused {
			os.Remove(placed)
		}
		return nil, engine.Kind(engine.ErrIntegrity, "duplicate key with no recoverable canonical row for %s", shortHash(checksum))
	}
	if !reused {
		canonicalAbs := filepath.Join(m.conf.Root, filepath.FromSlash(canonical.LibraryPath))
		if canonicalAbs != placed {
			os.Remove(placed)
		}
	}
	if err := m.addSource(ctx, canonical.Checksum, source); err != nil {
		return nil, err
	}
	slog.Info("file was added concurrently, recorded source on canonical row",
		"checksum", shortHash(checksum))
	return canonical, nil
}

// pathFor derives the natural target path for a source kind.
func (m *Module) pathFor(source SourceInfo, filename string) string {
	switch source.Kind {
	case SourceWatchFolder:
		return filepath.Join(m.conf.Root, "models", filename)
	case SourcePrinter:
		name := source.Name
		if name == "" {
			name = "unknown"
		}
		return filepath.Join(m.conf.Root, "printers", name, filename)
	default:
		return filepath.Join(m.conf.Root, "uploads", filename)
	}
}

// resolveConflict appends _1, _2, … before the extension until the target
// is free. A source that already sits at its destination (e.g. a watch
// folder inside the library) is reused in place instead of copied again.
// Gives up past _1000.
func (m *Module) resolveConflict(target, sourcePath string) (string, bool, error) {
	if _, err := os.Stat(target); os.IsNotExist(err) {
		return target, false, nil
	}
	if samePath(target, sourcePath) {
		return target, true, nil
	}

	ext := filepath.Ext(target)
	stem := strings.TrimSuffix(target, ext)
	for counter := 1; ; counter++ {
		if counter > maxConflictSuffix {
			return "", false, engine.Kind(engine.ErrIntegrity, "too many filename conflicts for %s", filepath.Base(target))
		}
		candidate := fmt.Sprintf("%s_%d%s", stem, counter, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, false, nil
		}
		if samePath(candidate, sourcePath) {
			return candidate, true, nil
		}
	}
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

func (m *Module) checkFreeSpace(size int64) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(m.conf.Root, &stat); err != nil {
		// If the root is not stat-able the copy will fail anyway.
		return nil
	}
	free := uint64(stat.Bavail) * uint64(stat.Bsize)
	required := uint64(float64(size) * freeSpaceMultiple)
	if free < required {
		return engine.Kind(engine.ErrInsufficientSpace,
			"%.2f GB free, need %.2f GB", float64(free)/(1<<30), float64(required)/(1<<30))
	}
	return nil
}

func copyOrMove(source, target string, move bool) error {
	if move {
		if err := os.Rename(source, target); err == nil {
			return nil
		}
		// Cross-device moves fall back to copy + remove.
		if err := copyFile(source, target); err != nil {
			return err
		}
		return os.Remove(source)
	}
	return copyFile(source, target)
}

func copyFile(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func shortHash(checksum string) string {
	if len(checksum) > 16 {
		return checksum[:16]
	}
	return checksum
}
