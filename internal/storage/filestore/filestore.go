// Пакет filestore — хранение отсканированных файлов на диске.
// Обеспечивает streaming-запись с подсчётом SHA-256 на лету и ограничением
// размера, чтение для отправки в LMS и удаление.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrTooLarge — файл превышает максимальный размер.
var ErrTooLarge = errors.New("файл превышает максимальный размер")

// ErrNotFound — файла нет на диске.
var ErrNotFound = errors.New("файл не найден")

// FileStore — управление файлами сканов на диске.
type FileStore struct {
	// dataDir — корневая директория хранения (EB_DATA_DIR)
	dataDir string
	// maxSize — максимальный размер файла в байтах
	maxSize int64
	now     func() time.Time
}

// SaveResult — результат сохранения файла на диск.
type SaveResult struct {
	// StoragePath — относительный путь файла в dataDir
	StoragePath string
	// Size — размер записанных данных в байтах
	Size int64
	// Checksum — SHA-256 хэш содержимого (hex)
	Checksum string
}

// New создаёт FileStore. Создаёт директорию, если она не существует.
func New(dataDir string, maxSize int64) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}

	return &FileStore{dataDir: dataDir, maxSize: maxSize, now: time.Now}, nil
}

// Save записывает данные из reader на диск с подсчётом SHA-256 на лету.
// Путь: {batch}/{yyyymm}/{stem}_{uuid8}{ext}. Превышение maxSize — ErrTooLarge,
// частично записанный файл удаляется.
//
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
func (fs *FileStore) Save(reader io.Reader, normalizedFilename, batch string) (*SaveResult, error) {
	storagePath := fs.storagePath(normalizedFilename, batch)
	fullPath := filepath.Join(fs.dataDir, storagePath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return nil, fmt.Errorf("ошибка создания директории: %w", err)
	}
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	hasher := sha256.New()
	// +1 байт, чтобы отличить файл ровно maxSize от превышения
	tee := io.TeeReader(io.LimitReader(reader, fs.maxSize+1), hasher)

	size, err := io.Copy(f, tee)
	if err == nil && size > fs.maxSize {
		err = fmt.Errorf("%w: больше %d байт", ErrTooLarge, fs.maxSize)
	}
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &SaveResult{
		StoragePath: storagePath,
		Size:        size,
		Checksum:    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Open открывает файл для чтения. Вызывающий код обязан закрыть файл.
func (fs *FileStore) Open(storagePath string) (*os.File, error) {
	fullPath, err := fs.resolve(storagePath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, storagePath)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", storagePath, err)
	}
	return f, nil
}

// Delete удаляет файл с диска. Отсутствие файла — не ошибка.
func (fs *FileStore) Delete(storagePath string) error {
	fullPath, err := fs.resolve(storagePath)
	if err != nil {
		return err
	}

	err = os.Remove(fullPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла %s: %w", storagePath, err)
	}
	return nil
}

// ComputeChecksum вычисляет SHA-256 хранимого файла.
// Перед отправкой в LMS содержимое сверяется с content_hash артефакта.
func (fs *FileStore) ComputeChecksum(storagePath string) (string, error) {
	f, err := fs.Open(storagePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("ошибка вычисления checksum %s: %w", storagePath, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// DataDir возвращает путь к директории данных.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

// MaxSize возвращает максимальный размер файла в байтах.
func (fs *FileStore) MaxSize() int64 {
	return fs.maxSize
}

// CheckReady проверяет, что директория данных доступна на запись.
func (fs *FileStore) CheckReady() (status string, message string) {
	probe, err := os.CreateTemp(fs.dataDir, ".ready-*")
	if err != nil {
		return "fail", fmt.Sprintf("директория %s недоступна на запись: %v", fs.dataDir, err)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return "ok", "директория доступна"
}

// resolve переводит относительный путь в абсолютный, запрещая выход за dataDir.
func (fs *FileStore) resolve(storagePath string) (string, error) {
	if !filepath.IsLocal(storagePath) {
		return "", fmt.Errorf("недопустимый путь хранения: %q", storagePath)
	}
	return filepath.Join(fs.dataDir, storagePath), nil
}

// storagePath формирует относительный путь хранения.
// Пример: NOV-2025/202611/611221104088_19AI405_a1b2c3d4.pdf
func (fs *FileStore) storagePath(normalizedFilename, batch string) string {
	ext := filepath.Ext(normalizedFilename)
	stem := sanitize(strings.TrimSuffix(normalizedFilename, ext))
	if len(stem) > 50 {
		stem = stem[:50]
	}

	dir := sanitize(batch)
	if batch == "" {
		dir = "default"
	}
	if len(dir) > 40 {
		dir = dir[:40]
	}

	month := fs.now().UTC().Format("200601")
	uid := uuid.New().String()[:8]

	return filepath.Join(dir, month, fmt.Sprintf("%s_%s%s", stem, uid, strings.ToLower(ext)))
}

// sanitize оставляет только латинские буквы, цифры, дефис и подчёркивание.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "file"
	}
	return result.String()
}
